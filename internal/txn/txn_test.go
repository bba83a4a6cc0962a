package txn_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titan/backend/internal/cluster"
	"github.com/titan/backend/internal/config"
	"github.com/titan/backend/internal/errs"
	"github.com/titan/backend/internal/grain"
	"github.com/titan/backend/internal/runtime"
	"github.com/titan/backend/internal/storage"
	"github.com/titan/backend/internal/txn"
)

// noteGrain is a minimal transaction participant: an append-only list of
// notes. Staging the text "reject" fails the prepare vote.
type noteGrain struct {
	gctx        *runtime.GrainContext
	participant *txn.Participant

	notes         []string
	lastCommitted int64
}

type noteArgs struct {
	Text string `json:"text"`
}

func noteType() runtime.GrainType {
	return runtime.GrainType{
		Name: "note",
		New:  func() runtime.Grain { return &noteGrain{} },
	}
}

func (g *noteGrain) Activate(ctx context.Context, gctx *runtime.GrainContext) error {
	g.gctx = gctx
	g.participant = txn.NewParticipant(gctx, g)
	return nil
}

func (g *noteGrain) Deactivate(ctx context.Context) error { return nil }

func (g *noteGrain) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	if handled, data, err := g.participant.Handle(ctx, method, args); handled {
		return data, err
	}
	switch method {
	case "List":
		return json.Marshal(g.notes)
	default:
		return nil, errs.Application("unknown_method", "note grain has no method %q", method)
	}
}

func (g *noteGrain) LastCommitted() int64 { return g.lastCommitted }

func (g *noteGrain) Snapshot(ctx context.Context, method string, args []byte) ([]byte, error) {
	return json.Marshal(g.notes)
}

func (g *noteGrain) Stage(ctx context.Context, method string, args []byte) ([]byte, error) {
	if method != "Add" {
		return nil, errs.Application("unknown_method", "note grain cannot stage %q", method)
	}
	var req noteArgs
	if err := json.Unmarshal(args, &req); err != nil {
		return nil, errs.Application("bad_request", "stage note: %v", err)
	}
	if req.Text == "reject" {
		return nil, errs.Application("note_rejected", "this note votes no")
	}
	return json.Marshal(req)
}

func (g *noteGrain) Apply(ctx context.Context, pending []byte) error {
	var req noteArgs
	if err := json.Unmarshal(pending, &req); err != nil {
		return errs.SystemWrap(err, "decode pending note")
	}
	g.notes = append(g.notes, req.Text)
	g.lastCommitted = time.Now().UnixNano()
	return nil
}

func startSilo(t *testing.T) *runtime.Silo {
	t.Helper()
	cfg := config.Default()
	cfg.Cluster.DeploymentID = "test-" + uuid.NewString()

	store := storage.NewMemoryProvider()
	membership := cluster.NewMembership(cluster.NewMemoryStore(), cfg.Cluster, "test-silo", "127.0.0.1:0", 0)
	silo := runtime.NewSilo(runtime.Options{
		Config:        cfg,
		Store:         store,
		ReminderStore: store,
		Membership:    membership,
	})
	silo.Register(noteType())
	silo.Register(txn.CoordinatorGrainType(cfg.Transactions))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, silo.Start(ctx))
	t.Cleanup(func() {
		cancel()
		silo.Stop(context.Background())
	})
	return silo
}

func notesOf(t *testing.T, silo *runtime.Silo, id grain.Identity) []string {
	t.Helper()
	data, err := silo.Call(context.Background(), id, "List", nil)
	require.NoError(t, err)
	var notes []string
	require.NoError(t, json.Unmarshal(data, &notes))
	return notes
}

func addOp(id grain.Identity, text string) txn.Op {
	args, _ := json.Marshal(noteArgs{Text: text})
	return txn.Op{Grain: id, Method: "Add", Args: args}
}

func TestCommitAppliesToEveryParticipant(t *testing.T) {
	silo := startSilo(t)
	a := grain.StringKey("note", "a")
	b := grain.StringKey("note", "b")

	out, err := txn.Run(context.Background(), silo, []txn.Op{
		addOp(a, "hello"),
		addOp(b, "world"),
	})
	require.NoError(t, err)
	assert.True(t, out.Committed)

	assert.Equal(t, []string{"hello"}, notesOf(t, silo, a))
	assert.Equal(t, []string{"world"}, notesOf(t, silo, b))
}

func TestOneNoVoteAbortsEveryone(t *testing.T) {
	silo := startSilo(t)
	a := grain.StringKey("note", "a")
	b := grain.StringKey("note", "b")

	_, err := txn.Run(context.Background(), silo, []txn.Op{
		addOp(a, "hello"),
		addOp(b, "reject"),
	})
	require.Error(t, err)
	var terr *errs.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "txn_aborted", terr.Code)

	// The yes-voter staged but must not have applied.
	assert.Empty(t, notesOf(t, silo, a))
	assert.Empty(t, notesOf(t, silo, b))
}

// Re-delivering Run to a decided coordinator returns the recorded
// outcome; participants see an idempotent commit replay, not a second
// apply.
func TestRunIsIdempotentAfterCommit(t *testing.T) {
	silo := startSilo(t)
	ctx := context.Background()
	a := grain.StringKey("note", "a")
	txID := uuid.New()

	args, _ := json.Marshal(txn.RunRequest{Ops: []txn.Op{addOp(a, "once")}})
	for i := 0; i < 2; i++ {
		data, err := silo.Call(ctx, txn.CoordinatorIdentity(txID), "Run", args)
		require.NoError(t, err)
		var out txn.Outcome
		require.NoError(t, json.Unmarshal(data, &out))
		assert.True(t, out.Committed)
	}
	assert.Equal(t, []string{"once"}, notesOf(t, silo, a))
}

func TestEmptyTransactionRejected(t *testing.T) {
	silo := startSilo(t)
	_, err := txn.Run(context.Background(), silo, nil)
	require.Error(t, err)
	assert.Equal(t, errs.KindApplication, errs.KindOf(err))
}
