package game

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/runtime"
	"github.com/titan/backend/internal/storage"
	"github.com/titan/backend/internal/txn"
)

const TradeGrainName = "trade_session"

// TradeIdentity keys one trade session.
func TradeIdentity(id uuid.UUID) grain.Identity {
	return grain.GuidKey(TradeGrainName, id)
}

type TradeStatus string

const (
	TradeProposed  TradeStatus = "proposed"
	TradeCompleted TradeStatus = "completed"
	TradeDeclined  TradeStatus = "declined"
	TradeCancelled TradeStatus = "cancelled"
)

// Trade is the session's public view.
type Trade struct {
	ID           string      `json:"id"`
	Season       string      `json:"season"`
	Initiator    string      `json:"initiator"`    // character guid
	Counterparty string      `json:"counterparty"` // character guid
	OfferedIDs   []string    `json:"offered_ids"`  // initiator's items
	RequestedIDs []string    `json:"requested_ids"`
	Status       TradeStatus `json:"status"`
	CreatedAt    int64       `json:"created_at"`
}

// ProposeRequest opens a trade between two characters in one season.
type ProposeRequest struct {
	Season       string   `json:"season"`
	Initiator    string   `json:"initiator"`
	Counterparty string   `json:"counterparty"`
	OfferedIDs   []string `json:"offered_ids"`
	RequestedIDs []string `json:"requested_ids"`
}

// TradeType registers the trade session grain.
func TradeType() runtime.GrainType {
	return runtime.GrainType{
		Name: TradeGrainName,
		New:  func() runtime.Grain { return &tradeGrain{} },
	}
}

// tradeGrain orchestrates the swap. On Accept it snapshots both
// inventories, then hands the coordinator one delta per side plus audit
// appends; the session itself is not a participant — a coordinator
// calling back into the grain that is driving the transaction would
// deadlock on its own mailbox. The session records the outcome after
// the transaction decides.
type tradeGrain struct {
	gctx  *runtime.GrainContext
	trade Trade
}

func (g *tradeGrain) Activate(ctx context.Context, gctx *runtime.GrainContext) error {
	g.gctx = gctx
	payload, ok, err := gctx.State().Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return g.decode(payload)
}

func (g *tradeGrain) Deactivate(ctx context.Context) error { return nil }

func (g *tradeGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	switch method {
	case "Propose":
		return g.propose(ctx, args)
	case "Accept":
		return g.accept(ctx)
	case "Decline":
		return nil, g.close(ctx, TradeDeclined)
	case "Cancel":
		return nil, g.close(ctx, TradeCancelled)
	case "Get":
		if g.trade.ID == "" {
			return nil, errs.Application("not_found", "trade %s not found", g.gctx.Identity.GUID)
		}
		return json.Marshal(g.trade)
	default:
		return nil, errs.Application("unknown_method", "trade session has no method %q", method)
	}
}

func (g *tradeGrain) propose(ctx context.Context, args []byte) ([]byte, error) {
	if g.trade.ID != "" {
		return nil, errs.Application("trade_exists", "trade %s already proposed", g.trade.ID)
	}
	var req ProposeRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errs.Application("bad_request", "propose trade: %v", err)
	}
	if req.Initiator == "" || req.Counterparty == "" || req.Season == "" {
		return nil, errs.Application("bad_request", "initiator, counterparty and season are required")
	}
	if len(req.OfferedIDs) == 0 && len(req.RequestedIDs) == 0 {
		return nil, errs.Application("bad_request", "empty trade")
	}
	g.trade = Trade{
		ID:           g.gctx.Identity.GUID,
		Season:       req.Season,
		Initiator:    req.Initiator,
		Counterparty: req.Counterparty,
		OfferedIDs:   req.OfferedIDs,
		RequestedIDs: req.RequestedIDs,
		Status:       TradeProposed,
		CreatedAt:    time.Now().UnixNano(),
	}
	if err := g.save(ctx); err != nil {
		return nil, err
	}
	return json.Marshal(g.trade)
}

func (g *tradeGrain) accept(ctx context.Context) ([]byte, error) {
	if g.trade.ID == "" {
		return nil, errs.Application("not_found", "trade %s not found", g.gctx.Identity.GUID)
	}
	if g.trade.Status != TradeProposed {
		return nil, errs.Application("trade_closed", "trade %s is %s", g.trade.ID, g.trade.Status)
	}

	initiator, err := uuid.Parse(g.trade.Initiator)
	if err != nil {
		return nil, errs.Application("bad_request", "initiator guid: %v", err)
	}
	counterparty, err := uuid.Parse(g.trade.Counterparty)
	if err != nil {
		return nil, errs.Application("bad_request", "counterparty guid: %v", err)
	}
	invA := InventoryIdentity(initiator, g.trade.Season)
	invB := InventoryIdentity(counterparty, g.trade.Season)

	offered, err := g.pickItems(ctx, invA, g.trade.OfferedIDs)
	if err != nil {
		return nil, err
	}
	requested, err := g.pickItems(ctx, invB, g.trade.RequestedIDs)
	if err != nil {
		return nil, err
	}

	deltaA, _ := json.Marshal(Delta{RemoveIDs: g.trade.OfferedIDs, AddItems: requested})
	deltaB, _ := json.Marshal(Delta{RemoveIDs: g.trade.RequestedIDs, AddItems: offered})
	auditA, _ := json.Marshal(AppendRequest{Entries: g.auditEntries(offered, requested)})
	auditB, _ := json.Marshal(AppendRequest{Entries: g.auditEntries(requested, offered)})

	_, err = txn.Run(ctx, g.gctx, []txn.Op{
		{Grain: invA, Method: "ApplyDelta", Args: deltaA},
		{Grain: invB, Method: "ApplyDelta", Args: deltaB},
		{Grain: HistoryIdentity(initiator), Method: "Append", Args: auditA},
		{Grain: HistoryIdentity(counterparty), Method: "Append", Args: auditB},
	})
	if err != nil {
		return nil, err
	}

	g.trade.Status = TradeCompleted
	if err := g.save(ctx); err != nil {
		return nil, err
	}
	if event, err := json.Marshal(g.trade); err == nil {
		if perr := g.gctx.Publish(ctx, "trades", g.trade.Season, event); perr != nil {
			g.gctx.Logf("publish trade event: %v", perr)
		}
	}
	return json.Marshal(g.trade)
}

// pickItems snapshots the named items from an inventory; a missing id
// fails the accept before the transaction even starts.
func (g *tradeGrain) pickItems(ctx context.Context, inv grain.Identity, ids []string) ([]Item, error) {
	data, err := g.gctx.Call(ctx, inv, "List", nil)
	if err != nil {
		return nil, err
	}
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, errs.SystemWrap(err, "decode inventory %s", inv)
	}
	byID := make(map[string]Item, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			return nil, errs.Application("item_missing", "item %s not in %s", id, inv)
		}
		out = append(out, item)
	}
	return out, nil
}

func (g *tradeGrain) auditEntries(gave, got []Item) []HistoryEntry {
	now := time.Now().UnixNano()
	var entries []HistoryEntry
	for _, item := range gave {
		entries = append(entries, HistoryEntry{
			At: now, Action: "trade_out", ItemID: item.ID,
			Detail: fmt.Sprintf("trade %s", g.trade.ID),
		})
	}
	for _, item := range got {
		entries = append(entries, HistoryEntry{
			At: now, Action: "trade_in", ItemID: item.ID,
			Detail: fmt.Sprintf("trade %s", g.trade.ID),
		})
	}
	return entries
}

func (g *tradeGrain) close(ctx context.Context, status TradeStatus) error {
	if g.trade.ID == "" {
		return errs.Application("not_found", "trade %s not found", g.gctx.Identity.GUID)
	}
	if g.trade.Status != TradeProposed {
		return errs.Application("trade_closed", "trade %s is %s", g.trade.ID, g.trade.Status)
	}
	g.trade.Status = status
	return g.save(ctx)
}

// State layout: the trade record as a single JSON field (1); the record
// is read-mostly and never partially updated.
func (g *tradeGrain) save(ctx context.Context) error {
	raw, _ := json.Marshal(g.trade)
	enc := storage.NewEncoder()
	enc.Bytes(1, raw)
	return g.gctx.State().Save(ctx, enc.Finish())
}

func (g *tradeGrain) decode(payload []byte) error {
	dec := storage.NewDecoder(payload)
	for {
		num, ok := dec.Next()
		if !ok {
			return nil
		}
		if num != 1 {
			if err := dec.Skip(); err != nil {
				return err
			}
			continue
		}
		raw, err := dec.BytesField()
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &g.trade); err != nil {
			return err
		}
	}
}
