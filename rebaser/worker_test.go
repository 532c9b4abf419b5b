package rebaser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaigraph/changeset"
	"kaigraph/events"
	"kaigraph/graph"
	"kaigraph/layerdb"
	"kaigraph/model"
	"kaigraph/store"
)

type env struct {
	ctx    context.Context
	db     *store.DB
	svc    *changeset.Service
	sink   *events.MemorySink
	worker *Worker
	ws     *store.Workspace
	head   *store.ChangeSet
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)

	sdb, err := store.OpenDir(t.TempDir())
	require.NoError(t, err)
	layers, err := layerdb.Open(layerdb.Config{Store: sdb})
	require.NoError(t, err)
	t.Cleanup(func() {
		layers.Close()
		sdb.Close()
	})

	sink := &events.MemorySink{}
	svc := changeset.NewService(changeset.Config{Store: sdb, Layers: layers})
	ws, head, err := svc.CreateWorkspace(ctx, "test", "alice")
	require.NoError(t, err)
	return &env{
		ctx:    ctx,
		db:     sdb,
		svc:    svc,
		sink:   sink,
		worker: NewWorker(sdb, svc.Rebaser(), sink, nil, 10*time.Millisecond),
		ws:     ws,
		head:   head,
	}
}

func (e *env) addComponent(t *testing.T, csID, name string) {
	t.Helper()
	_, err := e.svc.Edit(e.ctx, csID, "alice", func(ed *model.Editor) error {
		_, err := ed.CreateComponent(e.ctx, name)
		return err
	})
	require.NoError(t, err)
}

func (e *env) hasComponent(t *testing.T, csID, name string) bool {
	t.Helper()
	cs, err := e.svc.Get(csID)
	require.NoError(t, err)
	snap, err := e.svc.Snapshot(e.ctx, cs)
	require.NoError(t, err)
	found := false
	require.NoError(t, snap.View(func(g *graph.Graph) error {
		var err error
		_, found, err = model.FindComponent(e.ctx, e.svc.CAS(), g, name)
		return err
	}))
	return found
}

func TestWorkerProcessesRequest(t *testing.T) {
	e := newEnv(t)
	cs, err := e.svc.Fork(e.ctx, e.ws.ID, "feature", "bob")
	require.NoError(t, err)
	e.addComponent(t, e.head.ID, "K2")

	id, err := e.svc.EnqueueRebaseFromBase(cs.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, e.worker.Drain(e.ctx))
	assert.Equal(t, 0, e.worker.Drain(e.ctx))

	req, err := e.db.GetRebaseRequest(id)
	require.NoError(t, err)
	assert.Equal(t, store.RequestDone, req.Status)
	require.NotNil(t, req.ResultAddress)
	assert.Nil(t, req.Error)

	cs, err = e.svc.Get(cs.ID)
	require.NoError(t, err)
	assert.Equal(t, *req.ResultAddress, cs.SnapshotAddress)
	assert.True(t, e.hasComponent(t, cs.ID, "K2"))

	evs := e.sink.Events(events.KindRebaseFinished)
	require.Len(t, evs, 1)
	assert.Equal(t, store.RequestDone, evs[0].Status)
}

func TestWorkerRecordsConflicts(t *testing.T) {
	e := newEnv(t)
	var av graph.ID
	_, err := e.svc.Edit(e.ctx, e.head.ID, "alice", func(ed *model.Editor) error {
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
	require.NoError(t, err)

	cs, err := e.svc.Fork(e.ctx, e.ws.ID, "feature", "bob")
	require.NoError(t, err)
	for csID, v := range map[string]string{e.head.ID: "A", cs.ID: "C"} {
		_, err := e.svc.Edit(e.ctx, csID, "alice", func(ed *model.Editor) error {
			return ed.SetValue(e.ctx, av, v)
		})
		require.NoError(t, err)
	}
	before, err := e.svc.Get(cs.ID)
	require.NoError(t, err)

	id, err := e.svc.EnqueueRebaseFromBase(cs.ID)
	require.NoError(t, err)
	ok, err := e.worker.ProcessOne(e.ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	req, err := e.db.GetRebaseRequest(id)
	require.NoError(t, err)
	assert.Equal(t, store.RequestConflicted, req.Status)
	assert.Nil(t, req.ResultAddress)
	require.NotNil(t, req.Error)

	after, err := e.svc.Get(cs.ID)
	require.NoError(t, err)
	assert.Equal(t, before.SnapshotAddress, after.SnapshotAddress)
}

func TestWorkerRecordsFailures(t *testing.T) {
	e := newEnv(t)
	tx, err := e.db.BeginTx()
	require.NoError(t, err)
	id, err := e.db.EnqueueRebase(tx, &store.RebaseRequest{
		WorkspaceID: e.ws.ID,
		ChangeSetID: "missing",
		OntoAddress: e.head.SnapshotAddress,
		OntoVClock:  "x/y",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, e.worker.Drain(e.ctx))
	req, err := e.db.GetRebaseRequest(id)
	require.NoError(t, err)
	assert.Equal(t, store.RequestFailed, req.Status)
	require.NotNil(t, req.Error)
	assert.Contains(t, *req.Error, "change set not found")
}

func TestWorkerStartStop(t *testing.T) {
	e := newEnv(t)
	cs, err := e.svc.Fork(e.ctx, e.ws.ID, "feature", "bob")
	require.NoError(t, err)
	e.addComponent(t, e.head.ID, "K2")
	id, err := e.svc.EnqueueRebaseFromBase(cs.ID)
	require.NoError(t, err)

	e.worker.Start(e.ctx)
	assert.Eventually(t, func() bool {
		req, err := e.db.GetRebaseRequest(id)
		return err == nil && req.Status == store.RequestDone
	}, 5*time.Second, 10*time.Millisecond)
	e.worker.Stop()
}
