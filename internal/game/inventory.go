// Package game holds the gameplay grains: per-character-per-season
// inventories, trade sessions, and item history. Inventories and
// histories are transaction participants so a trade moves items
// atomically or not at all.
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

const InventoryGrainName = "inventory"

// InventoryIdentity keys an inventory by character and season; seasons
// keep their item pools fully separate.
func InventoryIdentity(character uuid.UUID, season string) grain.Identity {
	return grain.CompoundKey(InventoryGrainName, character, season)
}

// Item is one owned stack.
type Item struct {
	ID         string `json:"id"`
	DefID      string `json:"def_id"`
	Quantity   int64  `json:"quantity"`
	AcquiredAt int64  `json:"acquired_at"` // unix nanos
}

// Delta is the transactional mutation unit: remove these item ids, add
// these items. Trades stage a delta on each side.
type Delta struct {
	RemoveIDs []string `json:"remove_ids,omitempty"`
	AddItems  []Item   `json:"add_items,omitempty"`
}

// InventoryType registers the inventory grain.
func InventoryType() runtime.GrainType {
	return runtime.GrainType{
		Name: InventoryGrainName,
		New:  func() runtime.Grain { return &inventoryGrain{} },
	}
}

type inventoryGrain struct {
	gctx        *runtime.GrainContext
	participant *txn.Participant

	items         map[string]Item
	lastCommitted int64
}

func (g *inventoryGrain) Activate(ctx context.Context, gctx *runtime.GrainContext) error {
	g.gctx = gctx
	g.participant = txn.NewParticipant(gctx, g)
	g.items = make(map[string]Item)
	payload, ok, err := gctx.State().Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return g.decode(payload)
}

func (g *inventoryGrain) Deactivate(ctx context.Context) error { return nil }

func (g *inventoryGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	if handled, data, err := g.participant.Handle(ctx, method, args); handled {
		return data, err
	}
	switch method {
	case "AddItem":
		return g.addItem(ctx, args)
	case "RemoveItem":
		return nil, g.removeItem(ctx, args)
	case "List":
		return json.Marshal(g.list())
	default:
		return nil, errs.Application("unknown_method", "inventory has no method %q", method)
	}
}

func (g *inventoryGrain) addItem(ctx context.Context, args []byte) ([]byte, error) {
	var req struct {
		DefID    string `json:"def_id"`
		Quantity int64  `json:"quantity"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errs.Application("bad_request", "add item: %v", err)
	}
	if req.DefID == "" {
		return nil, errs.Application("bad_request", "def_id is required")
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}
	item := Item{
		ID:         uuid.NewString(),
		DefID:      req.DefID,
		Quantity:   req.Quantity,
		AcquiredAt: time.Now().UnixNano(),
	}
	g.items[item.ID] = item
	if err := g.save(ctx); err != nil {
		return nil, err
	}
	return json.Marshal(item)
}

func (g *inventoryGrain) removeItem(ctx context.Context, args []byte) error {
	var req struct {
		ItemID string `json:"item_id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return errs.Application("bad_request", "remove item: %v", err)
	}
	if _, ok := g.items[req.ItemID]; !ok {
		return errs.Application("not_found", "item %s not found", req.ItemID)
	}
	delete(g.items, req.ItemID)
	return g.save(ctx)
}

func (g *inventoryGrain) list() []Item {
	out := make([]Item, 0, len(g.items))
	for _, item := range g.items {
		out = append(out, item)
	}
	return out
}

// txn.Resource implementation.

func (g *inventoryGrain) LastCommitted() int64 { return g.lastCommitted }

func (g *inventoryGrain) Snapshot(ctx context.Context, method string, args []byte) ([]byte, error) {
	switch method {
	case "List":
		return json.Marshal(g.list())
	default:
		return nil, errs.Application("unknown_method", "inventory snapshot has no method %q", method)
	}
}

// Stage validates a delta against committed state and buffers it. Live
// state is untouched until Apply.
func (g *inventoryGrain) Stage(ctx context.Context, method string, args []byte) ([]byte, error) {
	if method != "ApplyDelta" {
		return nil, errs.Application("unknown_method", "inventory cannot stage %q", method)
	}
	var delta Delta
	if err := json.Unmarshal(args, &delta); err != nil {
		return nil, errs.Application("bad_request", "stage delta: %v", err)
	}
	for _, id := range delta.RemoveIDs {
		if _, ok := g.items[id]; !ok {
			return nil, errs.Application("item_missing", "item %s not in inventory", id)
		}
	}
	for _, item := range delta.AddItems {
		if _, ok := g.items[item.ID]; ok {
			return nil, errs.Application("item_exists", "item %s already in inventory", item.ID)
		}
	}
	return json.Marshal(delta)
}

func (g *inventoryGrain) Apply(ctx context.Context, pending []byte) error {
	var delta Delta
	if err := json.Unmarshal(pending, &delta); err != nil {
		return errs.SystemWrap(err, "decode pending delta")
	}
	for _, id := range delta.RemoveIDs {
		delete(g.items, id)
	}
	for _, item := range delta.AddItems {
		g.items[item.ID] = item
	}
	g.lastCommitted = time.Now().UnixNano()
	return g.save(ctx)
}

// State layout: repeated item messages (1) of id (1), def id (2),
// quantity (3), acquired-at (4); last committed timestamp (2).
func (g *inventoryGrain) save(ctx context.Context) error {
	enc := storage.NewEncoder()
	for _, item := range g.items {
		item := item
		enc.Message(1, func(e *storage.Encoder) {
			e.String(1, item.ID)
			e.String(2, item.DefID)
			e.Int64(3, item.Quantity)
			e.Int64(4, item.AcquiredAt)
		})
	}
	enc.Int64(2, g.lastCommitted)
	return g.gctx.State().Save(ctx, enc.Finish())
}

func (g *inventoryGrain) decode(payload []byte) error {
	dec := storage.NewDecoder(payload)
	for {
		num, ok := dec.Next()
		if !ok {
			return nil
		}
		switch num {
		case 1:
			var item Item
			err := dec.Message(func(id *storage.Decoder) error {
				for {
					n, more := id.Next()
					if !more {
						return nil
					}
					switch n {
					case 1:
						v, err := id.String()
						if err != nil {
							return err
						}
						item.ID = v
					case 2:
						v, err := id.String()
						if err != nil {
							return err
						}
						item.DefID = v
					case 3:
						v, err := id.Int64()
						if err != nil {
							return err
						}
						item.Quantity = v
					case 4:
						v, err := id.Int64()
						if err != nil {
							return err
						}
						item.AcquiredAt = v
					default:
						if err := id.Skip(); err != nil {
							return err
						}
					}
				}
			})
			if err != nil {
				return err
			}
			if item.ID != "" {
				g.items[item.ID] = item
			}
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
