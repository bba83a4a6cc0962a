package game

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/runtime"
	"github.com/titan/backend/internal/storage"
	"github.com/titan/backend/internal/txn"
)

const HistoryGrainName = "item_history"

// Oldest entries roll off once a character's audit trail hits the cap.
const historyMaxEntries = 300

// HistoryIdentity keys the audit trail by character.
func HistoryIdentity(character uuid.UUID) grain.Identity {
	return grain.GuidKey(HistoryGrainName, character)
}

// HistoryEntry is one audit record.
type HistoryEntry struct {
	At     int64  `json:"at"` // unix nanos
	Action string `json:"action"`
	ItemID string `json:"item_id,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// AppendRequest adds entries, directly or inside a transaction.
type AppendRequest struct {
	Entries []HistoryEntry `json:"entries"`
}

// HistoryType registers the item-history grain.
func HistoryType() runtime.GrainType {
	return runtime.GrainType{
		Name: HistoryGrainName,
		New:  func() runtime.Grain { return &historyGrain{} },
	}
}

type historyGrain struct {
	gctx        *runtime.GrainContext
	participant *txn.Participant

	entries       []HistoryEntry
	lastCommitted int64
}

func (g *historyGrain) Activate(ctx context.Context, gctx *runtime.GrainContext) error {
	g.gctx = gctx
	g.participant = txn.NewParticipant(gctx, g)
	payload, ok, err := gctx.State().Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return g.decode(payload)
}

func (g *historyGrain) Deactivate(ctx context.Context) error { return nil }

func (g *historyGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	if handled, data, err := g.participant.Handle(ctx, method, args); handled {
		return data, err
	}
	switch method {
	case "Append":
		var req AppendRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errs.Application("bad_request", "append history: %v", err)
		}
		g.append(req.Entries)
		return nil, g.save(ctx)
	case "List":
		return json.Marshal(g.entries)
	default:
		return nil, errs.Application("unknown_method", "item history has no method %q", method)
	}
}

func (g *historyGrain) append(entries []HistoryEntry) {
	now := time.Now().UnixNano()
	for _, e := range entries {
		if e.At == 0 {
			e.At = now
		}
		g.entries = append(g.entries, e)
	}
	if n := len(g.entries); n > historyMaxEntries {
		g.entries = g.entries[n-historyMaxEntries:]
	}
}

// txn.Resource implementation. History never rejects on content; only a
// snapshot invalidation (handled by the participant layer) aborts.

func (g *historyGrain) LastCommitted() int64 { return g.lastCommitted }

func (g *historyGrain) Snapshot(ctx context.Context, method string, args []byte) ([]byte, error) {
	switch method {
	case "List":
		return json.Marshal(g.entries)
	default:
		return nil, errs.Application("unknown_method", "history snapshot has no method %q", method)
	}
}

func (g *historyGrain) Stage(ctx context.Context, method string, args []byte) ([]byte, error) {
	if method != "Append" {
		return nil, errs.Application("unknown_method", "history cannot stage %q", method)
	}
	var req AppendRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errs.Application("bad_request", "stage append: %v", err)
	}
	return json.Marshal(req)
}

func (g *historyGrain) Apply(ctx context.Context, pending []byte) error {
	var req AppendRequest
	if err := json.Unmarshal(pending, &req); err != nil {
		return errs.SystemWrap(err, "decode pending history entries")
	}
	g.append(req.Entries)
	g.lastCommitted = time.Now().UnixNano()
	return g.save(ctx)
}

// State layout: repeated entry messages (1) of at (1), action (2),
// item id (3), detail (4); last committed timestamp (2).
func (g *historyGrain) save(ctx context.Context) error {
	enc := storage.NewEncoder()
	for _, e := range g.entries {
		e := e
		enc.Message(1, func(ee *storage.Encoder) {
			ee.Int64(1, e.At)
			ee.String(2, e.Action)
			ee.String(3, e.ItemID)
			ee.String(4, e.Detail)
		})
	}
	enc.Int64(2, g.lastCommitted)
	return g.gctx.State().Save(ctx, enc.Finish())
}

func (g *historyGrain) decode(payload []byte) error {
	dec := storage.NewDecoder(payload)
	for {
		num, ok := dec.Next()
		if !ok {
			return nil
		}
		switch num {
		case 1:
			var e HistoryEntry
			err := dec.Message(func(ed *storage.Decoder) error {
				for {
					n, more := ed.Next()
					if !more {
						return nil
					}
					switch n {
					case 1:
						v, err := ed.Int64()
						if err != nil {
							return err
						}
						e.At = v
					case 2:
						v, err := ed.String()
						if err != nil {
							return err
						}
						e.Action = v
					case 3:
						v, err := ed.String()
						if err != nil {
							return err
						}
						e.ItemID = v
					case 4:
						v, err := ed.String()
						if err != nil {
							return err
						}
						e.Detail = v
					default:
						if err := ed.Skip(); err != nil {
							return err
						}
					}
				}
			})
			if err != nil {
				return err
			}
			g.entries = append(g.entries, e)
		case 2:
			v, err := dec.Int64()
			if err != nil {
				return err
			}
			g.lastCommitted = v
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
}
