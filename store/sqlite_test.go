package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaigraph/cas"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDir(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tx, err := db.BeginTx()
	require.NoError(t, err)
	for _, id := range []string{"ws1", "ws2"} {
		require.NoError(t, db.InsertWorkspace(tx, &Workspace{ID: id, Name: id, HeadChangeSetID: "head"}))
	}
	require.NoError(t, tx.Commit())
	return db
}

func insertChangeSet(t *testing.T, db *DB, cs *ChangeSet) {
	t.Helper()
	tx, err := db.BeginTx()
	require.NoError(t, err)
	require.NoError(t, db.InsertChangeSet(tx, cs))
	require.NoError(t, tx.Commit())
}

func TestWorkspaceRoundTrip(t *testing.T) {
	db := openTestDB(t)

	tx, err := db.BeginTx()
	require.NoError(t, err)
	require.NoError(t, db.InsertWorkspace(tx, &Workspace{ID: "ws3", Name: "prod", HeadChangeSetID: "head"}))
	require.NoError(t, tx.Commit())

	ws, err := db.GetWorkspace("ws3")
	require.NoError(t, err)
	assert.Equal(t, "prod", ws.Name)
	assert.Equal(t, "head", ws.HeadChangeSetID)
	assert.NotZero(t, ws.CreatedAt)

	_, err = db.GetWorkspace("missing")
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)

	all, err := db.ListWorkspaces()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestChangeSetPointerFastForward(t *testing.T) {
	db := openTestDB(t)
	a := cas.Hash([]byte("a"))
	b := cas.Hash([]byte("b"))
	c := cas.Hash([]byte("c"))

	insertChangeSet(t, db, &ChangeSet{ID: "cs1", WorkspaceID: "ws1", Name: "one", Status: "Open", SnapshotAddress: a, Actor: "alice"})

	tx, err := db.BeginTx()
	require.NoError(t, err)
	require.NoError(t, db.SetPointerFF(tx, "cs1", a, b, "alice"))
	require.NoError(t, tx.Commit())

	tx, err = db.BeginTx()
	require.NoError(t, err)
	err = db.SetPointerFF(tx, "cs1", a, c, "bob")
	assert.ErrorIs(t, err, ErrPointerMismatch)
	require.NoError(t, tx.Rollback())

	cs, err := db.GetChangeSet("cs1")
	require.NoError(t, err)
	assert.Equal(t, b, cs.SnapshotAddress)

	inUse, err := db.AddressInUse(b)
	require.NoError(t, err)
	assert.True(t, inUse)
	inUse, err = db.AddressInUse(a)
	require.NoError(t, err)
	assert.False(t, inUse)
}

func TestSetStatusCompareAndSet(t *testing.T) {
	db := openTestDB(t)
	insertChangeSet(t, db, &ChangeSet{ID: "cs1", WorkspaceID: "ws1", Name: "one", Status: "Open"})

	tx, err := db.BeginTx()
	require.NoError(t, err)
	require.NoError(t, db.SetStatus(tx, "cs1", "Open", "NeedsApproval", "alice"))
	require.NoError(t, tx.Commit())

	tx, err = db.BeginTx()
	require.NoError(t, err)
	assert.ErrorIs(t, db.SetStatus(tx, "cs1", "Open", "Abandoned", "bob"), ErrStatusMismatch)
	assert.ErrorIs(t, db.SetStatus(tx, "nope", "Open", "Abandoned", "bob"), ErrChangeSetNotFound)
	require.NoError(t, tx.Rollback())

	cs, err := db.GetChangeSet("cs1")
	require.NoError(t, err)
	assert.Equal(t, "NeedsApproval", cs.Status)
}

func TestHistoryIsChained(t *testing.T) {
	db := openTestDB(t)
	a := cas.Hash([]byte("a"))
	b := cas.Hash([]byte("b"))
	insertChangeSet(t, db, &ChangeSet{ID: "cs1", WorkspaceID: "ws1", Name: "one", Status: "Open", SnapshotAddress: a})

	tx, err := db.BeginTx()
	require.NoError(t, err)
	require.NoError(t, db.SetPointerFF(tx, "cs1", a, b, "alice"))
	require.NoError(t, db.SetStatus(tx, "cs1", "Open", "Applied", "alice"))
	require.NoError(t, tx.Commit())

	entries, err := db.ChangeSetHistory("cs1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, HistoryCreated, entries[0].Kind)
	assert.Nil(t, entries[0].Parent)
	assert.Equal(t, HistoryPointer, entries[1].Kind)
	assert.Equal(t, b.String(), entries[1].New)
	require.NotNil(t, entries[1].Parent)
	assert.Equal(t, entries[0].ID, *entries[1].Parent)
	assert.Equal(t, HistoryStatus, entries[2].Kind)
	assert.Equal(t, "Applied", entries[2].New)
	assert.Equal(t, entries[1].ID, *entries[2].Parent)

	for _, e := range entries {
		assert.Equal(t, cas.Hash([]byte(e.Meta)), e.ID)
	}

	later, err := db.ChangeSetHistory("cs1", entries[1].Seq, 10)
	require.NoError(t, err)
	assert.Len(t, later, 1)
}

func TestListChangeSetsByStatus(t *testing.T) {
	db := openTestDB(t)
	insertChangeSet(t, db, &ChangeSet{ID: "cs1", WorkspaceID: "ws1", Name: "one", Status: "Open"})
	insertChangeSet(t, db, &ChangeSet{ID: "cs2", WorkspaceID: "ws1", Name: "two", Status: "Applied", BaseChangeSetID: "cs1"})
	insertChangeSet(t, db, &ChangeSet{ID: "cs3", WorkspaceID: "ws2", Name: "three", Status: "Open"})

	all, err := db.ListChangeSets("ws1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := db.ListChangeSets("ws1", "Open", "NeedsApproval")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "cs1", open[0].ID)

	cs2, err := db.GetChangeSet("cs2")
	require.NoError(t, err)
	assert.Equal(t, "cs1", cs2.BaseChangeSetID)
}

func TestVotesUpsert(t *testing.T) {
	db := openTestDB(t)
	insertChangeSet(t, db, &ChangeSet{ID: "cs1", WorkspaceID: "ws1", Name: "one", Status: "NeedsApproval"})
	require.NoError(t, db.RecordVote(&Vote{ChangeSetID: "cs1", Actor: "alice", Subject: "merge", Vote: "approve"}))
	require.NoError(t, db.RecordVote(&Vote{ChangeSetID: "cs1", Actor: "alice", Subject: "merge", Vote: "reject"}))
	require.NoError(t, db.RecordVote(&Vote{ChangeSetID: "cs1", Actor: "bob", Subject: "merge", Vote: "approve"}))

	votes, err := db.ListVotes("cs1", "merge")
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, "alice", votes[0].Actor)
	assert.Equal(t, "reject", votes[0].Vote)
}

func TestRebaseQueue(t *testing.T) {
	db := openTestDB(t)

	req, err := db.ClaimRebaseRequest()
	require.NoError(t, err)
	assert.Nil(t, req)

	onto := cas.Hash([]byte("onto"))
	tx, err := db.BeginTx()
	require.NoError(t, err)
	id1, err := db.EnqueueRebase(tx, &RebaseRequest{WorkspaceID: "ws1", ChangeSetID: "head", OntoAddress: onto, OntoVClock: "ws1/cs1"})
	require.NoError(t, err)
	id2, err := db.EnqueueRebase(tx, &RebaseRequest{WorkspaceID: "ws1", ChangeSetID: "head", OntoAddress: onto, OntoVClock: "ws1/cs2"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	req, err = db.ClaimRebaseRequest()
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, id1, req.ID)
	assert.Equal(t, RequestProcessing, req.Status)
	assert.Equal(t, onto, req.OntoAddress)

	result := cas.Hash([]byte("result"))
	require.NoError(t, db.CompleteRebaseRequest(id1, RequestDone, &result, ""))

	done, err := db.GetRebaseRequest(id1)
	require.NoError(t, err)
	assert.Equal(t, RequestDone, done.Status)
	require.NotNil(t, done.ResultAddress)
	assert.Equal(t, result, *done.ResultAddress)
	assert.Nil(t, done.Error)
	assert.NotNil(t, done.FinishedAt)

	req, err = db.ClaimRebaseRequest()
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, id2, req.ID)
	require.NoError(t, db.CompleteRebaseRequest(id2, RequestConflicted, nil, "1 conflict"))

	conflicted, err := db.GetRebaseRequest(id2)
	require.NoError(t, err)
	require.NotNil(t, conflicted.Error)
	assert.Equal(t, "1 conflict", *conflicted.Error)

	_, err = db.GetRebaseRequest(999)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestKV(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.KVGet(ctx, "cas", "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, db.KVPut(ctx, "cas", "k", []byte("v1")))
	require.NoError(t, db.KVPut(ctx, "cas", "k", []byte("v2")))

	v, err := db.KVGet(ctx, "cas", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	has, err := db.KVHas(ctx, "cas", "k")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = db.KVHas(ctx, "workspace_snapshots", "k")
	require.NoError(t, err)
	assert.False(t, has)
}
