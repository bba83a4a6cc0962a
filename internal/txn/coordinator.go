// Package txn is the two-phase-commit layer: a coordinator grain per
// transaction id drives prepare and commit/abort across participant
// grains, with durable logs on both sides so either phase survives a
// crash mid-flight.
package txn

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/titan/backend/internal/config"
	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/runtime"
	"github.com/titan/backend/internal/storage"
)

const CoordinatorType = "txn_coordinator"

// CoordinatorIdentity derives the coordinator grain for a transaction id.
func CoordinatorIdentity(txID uuid.UUID) grain.Identity {
	return grain.GuidKey(CoordinatorType, txID)
}

// Op is one participant operation inside a transaction.
type Op struct {
	Grain  grain.Identity  `json:"grain"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// RunRequest asks the coordinator to drive ops as one atomic unit.
type RunRequest struct {
	Ops []Op `json:"ops"`
}

// Outcome reports the transaction's fate to the caller.
type Outcome struct {
	TxID      string `json:"tx_id"`
	Committed bool   `json:"committed"`
	Reason    string `json:"reason,omitempty"`
}

type txStatus string

const (
	statusNone      txStatus = ""
	statusPending   txStatus = "pending"
	statusCommitted txStatus = "committed"
	statusAborted   txStatus = "aborted"
)

// CoordinatorGrainType registers the coordinator. One activation per
// transaction id; guid-keyed.
func CoordinatorGrainType(cfg config.TxnConfig) runtime.GrainType {
	return runtime.GrainType{
		Name: CoordinatorType,
		New:  func() runtime.Grain { return &coordinator{cfg: cfg} },
		// Short idle window: a coordinator is done seconds after Run.
		IdleTimeout: time.Minute,
	}
}

// coordinator persists its log before every externally visible phase
// transition: ops+readTS before prepare, the commit record before any
// participant is told to commit, the abort record before aborts go out.
type coordinator struct {
	cfg  config.TxnConfig
	gctx *runtime.GrainContext

	status txStatus
	readTS int64
	ops    []Op
	acked  map[string]bool // participant identity strings that committed
}

func (c *coordinator) Activate(ctx context.Context, g *runtime.GrainContext) error {
	c.gctx = g
	c.acked = make(map[string]bool)
	payload, ok, err := g.State().Load(ctx)
	if err != nil {
		return err
	}
	if ok {
		if err := c.decode(payload); err != nil {
			return err
		}
	}
	// Crash recovery: a commit record without full acks means some
	// participant may not have applied yet; finish the job.
	if c.status == statusCommitted && !c.allAcked() {
		g.RegisterTimer("replay-commit", time.Second, 0, c.replayCommit)
	}
	return nil
}

func (c *coordinator) Deactivate(ctx context.Context) error { return nil }

func (c *coordinator) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	switch method {
	case "Run":
		return c.run(ctx, args)
	default:
		return nil, errs.Application("unknown_method", "txn coordinator has no method %q", method)
	}
}

func (c *coordinator) run(ctx context.Context, args []byte) ([]byte, error) {
	txID := c.gctx.Identity.GUID

	// Re-delivered Run for a decided transaction returns the recorded
	// outcome; commit replay is idempotent on the participant side.
	switch c.status {
	case statusCommitted:
		if err := c.commitAll(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(Outcome{TxID: txID, Committed: true})
	case statusAborted:
		return json.Marshal(Outcome{TxID: txID, Committed: false, Reason: "aborted"})
	case statusPending:
		// A pending log with no commit record is an interrupted prepare;
		// the safe resolution is abort.
		if err := c.abortAll(ctx, "recovered without commit record"); err != nil {
			return nil, err
		}
		return json.Marshal(Outcome{TxID: txID, Committed: false, Reason: "recovered without commit record"})
	}

	var req RunRequest
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errs.Application("bad_request", "txn run: %v", err)
	}
	if len(req.Ops) == 0 {
		return nil, errs.Application("bad_request", "txn run: no operations")
	}

	c.ops = req.Ops
	c.readTS = time.Now().UnixNano()
	c.status = statusPending
	if err := c.save(ctx); err != nil {
		return nil, err
	}

	// Phase one: every participant stages its write and votes by either
	// succeeding or failing the prepare call. Any failure, including a
	// timeout, aborts.
	for _, op := range c.ops {
		pctx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
		pargs, _ := json.Marshal(PrepareRequest{TxID: txID, ReadTS: c.readTS, Method: op.Method, Args: op.Args})
		_, err := c.gctx.Call(pctx, op.Grain, "TxnPrepare", pargs)
		cancel()
		if err != nil {
			reason := "prepare " + op.Grain.String() + ": " + err.Error()
			if aerr := c.abortAll(ctx, reason); aerr != nil {
				return nil, aerr
			}
			return json.Marshal(Outcome{TxID: txID, Committed: false, Reason: reason})
		}
	}

	// Point of no return: once this record lands, the transaction is
	// committed even if the process dies before participants hear it.
	c.status = statusCommitted
	if err := c.save(ctx); err != nil {
		reason := "commit record write failed: " + err.Error()
		if aerr := c.abortAll(ctx, reason); aerr != nil {
			return nil, aerr
		}
		return json.Marshal(Outcome{TxID: txID, Committed: false, Reason: reason})
	}

	if err := c.commitAll(ctx); err != nil {
		return nil, err
	}
	return json.Marshal(Outcome{TxID: txID, Committed: true})
}

// commitAll pushes the commit to every participant not yet acked. A
// failed push stays unacked and is retried by the replay timer; the
// transaction is committed regardless.
func (c *coordinator) commitAll(ctx context.Context) error {
	txID := c.gctx.Identity.GUID
	changed := false
	var firstErr error
	for _, op := range c.ops {
		key := op.Grain.String()
		if c.acked[key] {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
		cargs, _ := json.Marshal(DecisionRequest{TxID: txID})
		_, err := c.gctx.Call(cctx, op.Grain, "TxnCommit", cargs)
		cancel()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.acked[key] = true
		changed = true
	}
	if changed {
		if err := c.save(ctx); err != nil {
			return err
		}
	}
	if firstErr != nil {
		c.gctx.RegisterTimer("replay-commit", 5*time.Second, 0, c.replayCommit)
	}
	return nil
}

func (c *coordinator) replayCommit(ctx context.Context) error {
	if c.status != statusCommitted || c.allAcked() {
		return nil
	}
	return c.commitAll(ctx)
}

func (c *coordinator) abortAll(ctx context.Context, reason string) error {
	c.status = statusAborted
	if err := c.save(ctx); err != nil {
		return err
	}
	txID := c.gctx.Identity.GUID
	for _, op := range c.ops {
		actx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
		aargs, _ := json.Marshal(DecisionRequest{TxID: txID})
		// Abort of an unprepared participant is a no-op on their side.
		if _, err := c.gctx.Call(actx, op.Grain, "TxnAbort", aargs); err != nil {
			c.gctx.Logf("txn %s abort of %s: %v", txID, op.Grain, err)
		}
		cancel()
	}
	return nil
}

func (c *coordinator) allAcked() bool {
	for _, op := range c.ops {
		if !c.acked[op.Grain.String()] {
			return false
		}
	}
	return true
}

// Log layout: status (1), read timestamp (2), repeated op messages (3)
// of identity JSON (1), method (2), args (3), repeated acked identity
// strings (4).
func (c *coordinator) save(ctx context.Context) error {
	enc := storage.NewEncoder()
	enc.String(1, string(c.status))
	enc.Int64(2, c.readTS)
	for _, op := range c.ops {
		op := op
		enc.Message(3, func(e *storage.Encoder) {
			idJSON, _ := json.Marshal(op.Grain)
			e.Bytes(1, idJSON)
			e.String(2, op.Method)
			e.Bytes(3, op.Args)
		})
	}
	for key, ok := range c.acked {
		if ok {
			enc.String(4, key)
		}
	}
	return c.gctx.State().Save(ctx, enc.Finish())
}

func (c *coordinator) decode(payload []byte) error {
	dec := storage.NewDecoder(payload)
	for {
		num, ok := dec.Next()
		if !ok {
			return nil
		}
		switch num {
		case 1:
			v, err := dec.String()
			if err != nil {
				return err
			}
			c.status = txStatus(v)
		case 2:
			v, err := dec.Int64()
			if err != nil {
				return err
			}
			c.readTS = v
		case 3:
			var op Op
			err := dec.Message(func(od *storage.Decoder) error {
				for {
					n, more := od.Next()
					if !more {
						return nil
					}
					switch n {
					case 1:
						raw, err := od.BytesField()
						if err != nil {
							return err
						}
						if err := json.Unmarshal(raw, &op.Grain); err != nil {
							return err
						}
					case 2:
						v, err := od.String()
						if err != nil {
							return err
						}
						op.Method = v
					case 3:
						raw, err := od.BytesField()
						if err != nil {
							return err
						}
						op.Args = raw
					default:
						if err := od.Skip(); err != nil {
							return err
						}
					}
				}
			})
			if err != nil {
				return err
			}
			c.ops = append(c.ops, op)
		case 4:
			v, err := dec.String()
			if err != nil {
				return err
			}
			c.acked[v] = true
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
}

// Run is the caller-side helper: mint a transaction id, invoke its
// coordinator, decode the outcome. A committed=false outcome surfaces
// as an application error so callers treat aborts like validation
// failures, not transport faults.
func Run(ctx context.Context, caller runtime.Caller, ops []Op) (Outcome, error) {
	txID := uuid.New()
	args, _ := json.Marshal(RunRequest{Ops: ops})
	data, err := caller.Call(ctx, CoordinatorIdentity(txID), "Run", args)
	if err != nil {
		return Outcome{}, err
	}
	var out Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return Outcome{}, errs.SystemWrap(err, "decode txn outcome")
	}
	if !out.Committed {
		return out, errs.Application("txn_aborted", "transaction %s aborted: %s", out.TxID, out.Reason)
	}
	return out, nil
}
