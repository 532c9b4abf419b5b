package rebase

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaigraph/graph"
	"kaigraph/layerdb"
	"kaigraph/model"
	"kaigraph/snapshot"
	"kaigraph/store"
	"kaigraph/vclock"
)

type env struct {
	ctx    context.Context
	db     *store.DB
	cas    model.CAS
	snaps  *snapshot.Store
	engine *Engine
	wsID   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	sdb, err := store.OpenDir(t.TempDir())
	require.NoError(t, err)
	layers, err := layerdb.Open(layerdb.Config{Store: sdb})
	require.NoError(t, err)
	t.Cleanup(func() {
		layers.Close()
		sdb.Close()
	})

	e := &env{
		ctx:   ctx,
		db:    sdb,
		cas:   layers.CAS(),
		snaps: snapshot.NewStore(layers),
		wsID:  uuid.Must(uuid.NewV7()).String(),
	}
	e.engine = NewEngine(sdb, e.snaps, nil)
	return e
}

// head creates the workspace and its HEAD change set.
func (e *env) head(t *testing.T) *store.ChangeSet {
	t.Helper()
	cs := &store.ChangeSet{ID: uuid.Must(uuid.NewV7()).String(), WorkspaceID: e.wsID, Name: "HEAD", Status: "Open"}
	vc := e.clock(t, cs)
	g, err := model.InitialGraph(e.ctx, e.cas, vc)
	require.NoError(t, err)
	cs.SnapshotAddress, err = snapshot.New(e.snaps, g).Write(e.ctx, vc)
	require.NoError(t, err)

	tx, err := e.db.BeginTx()
	require.NoError(t, err)
	require.NoError(t, e.db.InsertWorkspace(tx, &store.Workspace{ID: e.wsID, Name: "ws", HeadChangeSetID: cs.ID}))
	require.NoError(t, e.db.InsertChangeSet(tx, cs))
	require.NoError(t, tx.Commit())
	return cs
}

func (e *env) fork(t *testing.T, base *store.ChangeSet) *store.ChangeSet {
	t.Helper()
	base = e.reload(t, base)
	cs := &store.ChangeSet{ID: uuid.Must(uuid.NewV7()).String(), WorkspaceID: e.wsID, Name: "cs", Status: "Open", BaseChangeSetID: base.ID}
	snap, err := snapshot.Load(e.ctx, e.snaps, base.SnapshotAddress)
	require.NoError(t, err)
	cs.SnapshotAddress, err = snap.Write(e.ctx, e.clock(t, cs))
	require.NoError(t, err)

	tx, err := e.db.BeginTx()
	require.NoError(t, err)
	require.NoError(t, e.db.InsertChangeSet(tx, cs))
	require.NoError(t, tx.Commit())
	return cs
}

func (e *env) clock(t *testing.T, cs *store.ChangeSet) vclock.ID {
	t.Helper()
	vc, err := ClockID(cs.WorkspaceID, cs.ID)
	require.NoError(t, err)
	return vc
}

func (e *env) reload(t *testing.T, cs *store.ChangeSet) *store.ChangeSet {
	t.Helper()
	got, err := e.db.GetChangeSet(cs.ID)
	require.NoError(t, err)
	return got
}

func (e *env) edit(t *testing.T, cs *store.ChangeSet, fn func(ed *model.Editor) error) {
	t.Helper()
	cs = e.reload(t, cs)
	vc := e.clock(t, cs)
	snap, err := snapshot.Load(e.ctx, e.snaps, cs.SnapshotAddress)
	require.NoError(t, err)
	require.NoError(t, snap.Mutate(func(g *graph.Graph) error {
		return fn(model.NewEditor(e.cas, vc, g))
	}))
	addr, err := snap.Write(e.ctx, vc)
	require.NoError(t, err)

	tx, err := e.db.BeginTx()
	require.NoError(t, err)
	require.NoError(t, e.db.SetPointerFF(tx, cs.ID, cs.SnapshotAddress, addr, "test"))
	require.NoError(t, tx.Commit())
}

func (e *env) components(t *testing.T, cs *store.ChangeSet) []string {
	t.Helper()
	snap, err := snapshot.Load(e.ctx, e.snaps, e.reload(t, cs).SnapshotAddress)
	require.NoError(t, err)
	var names []string
	require.NoError(t, snap.View(func(g *graph.Graph) error {
		comps, err := model.Components(e.ctx, e.cas, g)
		for _, c := range comps {
			names = append(names, c.Name)
		}
		return err
	}))
	return names
}

func (e *env) request(t *testing.T, target, onto *store.ChangeSet) Request {
	t.Helper()
	onto = e.reload(t, onto)
	return Request{ChangeSetID: target.ID, OntoAddress: onto.SnapshotAddress, OntoVClock: e.clock(t, onto), Actor: "test"}
}

func addComponent(ctx context.Context, name string) func(ed *model.Editor) error {
	return func(ed *model.Editor) error {
		_, err := ed.CreateComponent(ctx, name)
		return err
	}
}

func TestRebaseDisjointEdits(t *testing.T) {
	e := newEnv(t)
	head := e.head(t)
	e.edit(t, head, addComponent(e.ctx, "K1"))
	cs := e.fork(t, head)

	e.edit(t, head, addComponent(e.ctx, "K2"))
	e.edit(t, cs, addComponent(e.ctx, "K3"))
	before := e.reload(t, cs).SnapshotAddress

	res, err := e.engine.Rebase(e.ctx, e.request(t, cs, head))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Empty(t, res.Conflicts)
	assert.NotEmpty(t, res.Updates)
	assert.Equal(t, before, res.Previous)

	assert.Equal(t, res.Address, e.reload(t, cs).SnapshotAddress)
	assert.ElementsMatch(t, []string{"K1", "K2", "K3"}, e.components(t, cs))
	assert.ElementsMatch(t, []string{"K1", "K2"}, e.components(t, head))

	history, err := e.db.ChangeSetHistory(cs.ID, 0, 100)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, store.HistoryPointer, last.Kind)
	assert.Equal(t, res.Address.String(), last.New)
}

func TestRebaseConflict(t *testing.T) {
	e := newEnv(t)
	head := e.head(t)
	var av graph.ID
	e.edit(t, head, func(ed *model.Editor) error {
		comp, err := ed.CreateComponent(e.ctx, "K1")
		if err != nil {
			return err
		}
		prop, err := ed.CreateProp(e.ctx, model.Prop{Name: "P"})
		if err != nil {
			return err
		}
		av, err = ed.AddAttribute(e.ctx, comp, prop, "P")
		return err
	})
	cs := e.fork(t, head)
	e.edit(t, head, func(ed *model.Editor) error { return ed.SetValue(e.ctx, av, "A") })
	e.edit(t, cs, func(ed *model.Editor) error { return ed.SetValue(e.ctx, av, "C") })
	before := e.reload(t, cs).SnapshotAddress

	res, err := e.engine.Rebase(e.ctx, e.request(t, cs, head))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflicted, res.Outcome)
	require.True(t, res.HasConflicts())
	assert.Equal(t, before, e.reload(t, cs).SnapshotAddress)

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, graph.ConflictNodeContent, res.Conflicts[0].Kind)
	assert.Equal(t, av, res.Conflicts[0].NodeID())
}

func TestRebaseUnchanged(t *testing.T) {
	e := newEnv(t)
	head := e.head(t)
	cs := e.fork(t, head)
	before := e.reload(t, cs).SnapshotAddress

	res, err := e.engine.Rebase(e.ctx, e.request(t, cs, head))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Equal(t, before, res.Address)
	assert.Equal(t, before, e.reload(t, cs).SnapshotAddress)
}

func TestRebaseFinalize(t *testing.T) {
	e := newEnv(t)
	head := e.head(t)
	cs := e.fork(t, head)
	e.edit(t, cs, addComponent(e.ctx, "K1"))

	boom := errors.New("boom")
	req := e.request(t, head, cs)
	req.Finalize = func(*sql.Tx) error { return boom }
	before := e.reload(t, head).SnapshotAddress

	_, err := e.engine.Rebase(e.ctx, req)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, e.reload(t, head).SnapshotAddress)

	called := false
	req.Finalize = func(tx *sql.Tx) error {
		called = true
		return e.db.SetStatus(tx, cs.ID, "Open", "Applied", "test")
	}
	res, err := e.engine.Rebase(e.ctx, req)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, "Applied", e.reload(t, cs).Status)
	assert.Equal(t, []string{"K1"}, e.components(t, head))
}

func TestRebaseMissingChangeSet(t *testing.T) {
	e := newEnv(t)
	_, err := e.engine.Rebase(e.ctx, Request{ChangeSetID: "nope"})
	assert.ErrorIs(t, err, store.ErrChangeSetNotFound)
}

func TestClockID(t *testing.T) {
	ws, cs := uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7())
	vc, err := ClockID(ws.String(), cs.String())
	require.NoError(t, err)
	assert.Equal(t, vclock.NewID(ws, cs), vc)

	_, err = ClockID("not-a-uuid", cs.String())
	assert.Error(t, err)
}
