package txn

import (
	"context"
	"encoding/json"

	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/runtime"
	"github.com/titan/backend/internal/storage"
)

// PrepareRequest asks a participant to stage a write against the
// transaction's read timestamp.
type PrepareRequest struct {
	TxID   string          `json:"tx_id"`
	ReadTS int64           `json:"read_ts"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// DecisionRequest carries the coordinator's commit or abort.
type DecisionRequest struct {
	TxID string `json:"tx_id"`
}

// ReadRequest is a snapshot read inside a transaction.
type ReadRequest struct {
	TxID   string          `json:"tx_id"`
	ReadTS int64           `json:"read_ts"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// Resource is the domain side of a participant: the grain's committed
// state plus the staging and apply hooks the protocol drives.
type Resource interface {
	// LastCommitted reports the unix-nano timestamp of the most recent
	// committed transactional write, zero if none.
	LastCommitted() int64
	// Snapshot serves a read against current committed state.
	Snapshot(ctx context.Context, method string, args []byte) ([]byte, error)
	// Stage validates method/args against committed state and returns
	// the buffered pending write. It must not mutate live state.
	Stage(ctx context.Context, method string, args []byte) ([]byte, error)
	// Apply lands a previously staged pending write, durably, and
	// advances LastCommitted.
	Apply(ctx context.Context, pending []byte) error
}

// Participant embeds the 2PC protocol into a grain. The grain routes
// unrecognized methods through Handle; TxnPrepare, TxnCommit, TxnAbort
// and TxnRead are intercepted, everything else passes through.
type Participant struct {
	gctx *runtime.GrainContext
	res  Resource
}

func NewParticipant(g *runtime.GrainContext, r Resource) *Participant {
	return &Participant{gctx: g, res: r}
}

// pendingIdentity derives the storage identity of one pending-log entry.
// Scoped to owner+txid: concurrent transactions against one grain keep
// separate entries.
func pendingIdentity(owner grain.Identity, txID string) grain.Identity {
	return grain.StringKey("txn_pending", owner.String()+"|"+txID)
}

// Handle intercepts protocol methods. handled is false when the method
// is not part of the protocol and the grain should dispatch it itself.
func (p *Participant) Handle(ctx context.Context, method string, args []byte) (handled bool, data []byte, err error) {
	switch method {
	case "TxnPrepare":
		err = p.prepare(ctx, args)
		return true, nil, err
	case "TxnCommit":
		err = p.commit(ctx, args)
		return true, nil, err
	case "TxnAbort":
		err = p.abort(ctx, args)
		return true, nil, err
	case "TxnRead":
		data, err = p.read(ctx, args)
		return true, data, err
	default:
		return false, nil, nil
	}
}

func (p *Participant) prepare(ctx context.Context, args []byte) error {
	var req PrepareRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return errs.Application("bad_request", "txn prepare: %v", err)
	}
	// Snapshot validation: a commit that landed after the transaction's
	// read timestamp invalidates what the coordinator read; vote no.
	if p.res.LastCommitted() > req.ReadTS {
		return errs.Application("txn_conflict", "%s: committed write newer than read timestamp", p.gctx.Identity)
	}

	pending, err := p.res.Stage(ctx, req.Method, req.Args)
	if err != nil {
		return err
	}

	enc := storage.NewEncoder()
	enc.String(1, req.TxID)
	enc.Int64(2, req.ReadTS)
	enc.Bytes(3, pending)
	facet := p.gctx.Facet(pendingIdentity(p.gctx.Identity, req.TxID))
	if _, _, err := facet.Load(ctx); err != nil {
		return err
	}
	return facet.Save(ctx, enc.Finish())
}

func (p *Participant) commit(ctx context.Context, args []byte) error {
	var req DecisionRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return errs.Application("bad_request", "txn commit: %v", err)
	}
	facet := p.gctx.Facet(pendingIdentity(p.gctx.Identity, req.TxID))
	payload, ok, err := facet.Load(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// No pending entry: already applied (or never prepared here).
		// Commit is idempotent; a replay must succeed.
		return nil
	}

	pending, err := decodePending(payload)
	if err != nil {
		return errs.SystemWrap(err, "decode pending log for tx %s", req.TxID)
	}
	if err := p.res.Apply(ctx, pending); err != nil {
		return err
	}
	return facet.Clear(ctx)
}

func (p *Participant) abort(ctx context.Context, args []byte) error {
	var req DecisionRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return errs.Application("bad_request", "txn abort: %v", err)
	}
	facet := p.gctx.Facet(pendingIdentity(p.gctx.Identity, req.TxID))
	if _, ok, err := facet.Load(ctx); err != nil {
		return err
	} else if !ok {
		return nil
	}
	return facet.Clear(ctx)
}

func (p *Participant) read(ctx context.Context, args []byte) ([]byte, error) {
	var req ReadRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errs.Application("bad_request", "txn read: %v", err)
	}
	if p.res.LastCommitted() > req.ReadTS {
		return nil, errs.Application("txn_conflict", "%s: committed write newer than read timestamp", p.gctx.Identity)
	}
	return p.res.Snapshot(ctx, req.Method, req.Args)
}

func decodePending(payload []byte) ([]byte, error) {
	dec := storage.NewDecoder(payload)
	var pending []byte
	for {
		num, ok := dec.Next()
		if !ok {
			return pending, nil
		}
		switch num {
		case 3:
			raw, err := dec.BytesField()
			if err != nil {
				return nil, err
			}
			pending = raw
		default:
			if err := dec.Skip(); err != nil {
				return nil, err
			}
		}
	}
}
