package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/runtime"
)

const TicketGrainName = "connection_ticket"

// Unconsumed tickets die quickly; a client is expected to open its
// websocket within seconds of asking for one.
const ticketLifetime = 30 * time.Second

// TicketIdentity derives the grain for one connection ticket id.
func TicketIdentity(id uuid.UUID) grain.Identity {
	return grain.GuidKey(TicketGrainName, id)
}

// CreateTicketRequest seeds a ticket with the authenticated user and
// the roles its session carried.
type CreateTicketRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// CreateTicketResponse returns the ticket id the client hands to the
// websocket endpoint.
type CreateTicketResponse struct {
	Ticket string `json:"ticket"`
}

// ValidateResponse is returned to the websocket handshake.
type ValidateResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// TicketGrainType registers the connection-ticket grain: guid-keyed,
// in-memory only, self-destructing.
func TicketGrainType(handshakeWindow time.Duration) runtime.GrainType {
	return runtime.GrainType{
		Name: TicketGrainName,
		New:  func() runtime.Grain { return &ticketGrain{window: handshakeWindow} },
	}
}

// ticketGrain is a one-shot credential for websocket handshakes. The
// first ValidateAndConsume opens a short window during which repeated
// validations from the same handshake still succeed; once the window
// closes the activation deactivates and the ticket is gone. Nothing is
// persisted: a silo crash simply invalidates outstanding tickets.
type ticketGrain struct {
	gctx   *runtime.GrainContext
	window time.Duration

	userID    string
	roles     []string
	issued    bool
	consumed  bool
	windowEnd time.Time
}

func (t *ticketGrain) Activate(ctx context.Context, g *runtime.GrainContext) error {
	t.gctx = g
	return nil
}

func (t *ticketGrain) Deactivate(ctx context.Context) error { return nil }

func (t *ticketGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	switch method {
	case "CreateTicket":
		return t.create(args)
	case "ValidateAndConsume":
		return t.validate()
	default:
		return nil, errs.Application("unknown_method", "connection ticket has no method %q", method)
	}
}

func (t *ticketGrain) create(args []byte) ([]byte, error) {
	var req CreateTicketRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errs.Application("bad_request", "create ticket: %v", err)
	}
	if t.issued {
		return nil, errs.Application("ticket_exists", "ticket already issued")
	}
	t.userID = req.UserID
	t.roles = req.Roles
	t.issued = true

	t.gctx.RegisterTimer("expire", ticketLifetime, 0, func(ctx context.Context) error {
		t.gctx.DeactivateOnIdle()
		return nil
	})
	return json.Marshal(CreateTicketResponse{Ticket: t.gctx.Identity.GUID})
}

func (t *ticketGrain) validate() ([]byte, error) {
	if !t.issued {
		return nil, errs.Auth("invalid_ticket", "unknown connection ticket")
	}
	now := time.Now()
	if t.consumed {
		if now.After(t.windowEnd) {
			t.gctx.DeactivateOnIdle()
			return nil, errs.Auth("invalid_ticket", "connection ticket expired")
		}
		return json.Marshal(ValidateResponse{UserID: t.userID, Roles: t.roles})
	}

	t.consumed = true
	t.windowEnd = now.Add(t.window)
	t.gctx.CancelTimer("expire")
	t.gctx.RegisterTimer("close-window", t.window, 0, func(ctx context.Context) error {
		t.gctx.DeactivateOnIdle()
		return nil
	})
	return json.Marshal(ValidateResponse{UserID: t.userID, Roles: t.roles})
}
