// Package changeset manages the life of change sets: creating workspaces,
// forking HEAD, committing edits, approval and abandon flows, applying to
// HEAD and rebasing onto HEAD.
package changeset

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"kaigraph/cas"
	"kaigraph/events"
	"kaigraph/graph"
	"kaigraph/layerdb"
	"kaigraph/model"
	"kaigraph/rebase"
	"kaigraph/snapshot"
	"kaigraph/store"
	"kaigraph/vclock"
)

// HeadName is the name given to a workspace's HEAD change set.
const HeadName = "HEAD"

// ConflictsError is returned by Apply and RebaseFromBase when the rebase
// was blocked. Nothing was changed.
type ConflictsError struct {
	ChangeSetID string
	Conflicts   []graph.Conflict
}

func (e *ConflictsError) Error() string {
	kinds := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		kinds = append(kinds, string(c.Kind))
	}
	return fmt.Sprintf("change set %s has %d conflicts: %s", e.ChangeSetID, len(e.Conflicts), strings.Join(kinds, ", "))
}

// Config configures a Service.
type Config struct {
	Store  *store.DB
	Layers *layerdb.DB
	Sink   events.Sink
	Logger *slog.Logger
}

// Service implements change set operations.
type Service struct {
	db        *store.DB
	cas       model.CAS
	snapshots *snapshot.Store
	rebase    *rebase.Engine
	sink      events.Sink
	logger    *slog.Logger
}

// NewService returns a change set service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	snaps := snapshot.NewStore(cfg.Layers)
	return &Service{
		db:        cfg.Store,
		cas:       cfg.Layers.CAS(),
		snapshots: snaps,
		rebase:    rebase.NewEngine(cfg.Store, snaps, logger),
		sink:      cfg.Sink,
		logger:    logger,
	}
}

// CAS returns the content store the service writes payloads to.
func (s *Service) CAS() model.CAS { return s.cas }

// Rebaser returns the rebase engine the service uses.
func (s *Service) Rebaser() *rebase.Engine { return s.rebase }

func (s *Service) publish(ctx context.Context, ev events.Event) {
	events.Publish(ctx, s.sink, s.logger, ev)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// CreateWorkspace bootstraps a workspace with an initial graph and its HEAD
// change set.
func (s *Service) CreateWorkspace(ctx context.Context, name, actor string) (*store.Workspace, *store.ChangeSet, error) {
	ws := &store.Workspace{ID: newID(), Name: name}
	head := &store.ChangeSet{
		ID:          newID(),
		WorkspaceID: ws.ID,
		Name:        HeadName,
		Status:      StatusOpen,
		Actor:       actor,
	}
	ws.HeadChangeSetID = head.ID

	vc, err := rebase.ClockID(ws.ID, head.ID)
	if err != nil {
		return nil, nil, err
	}
	g, err := model.InitialGraph(ctx, s.cas, vc)
	if err != nil {
		return nil, nil, fmt.Errorf("building initial graph: %w", err)
	}
	head.SnapshotAddress, err = snapshot.New(s.snapshots, g).Write(ctx, vc)
	if err != nil {
		return nil, nil, err
	}

	tx, err := s.db.BeginTx()
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()
	if err := s.db.InsertWorkspace(tx, ws); err != nil {
		return nil, nil, err
	}
	if err := s.db.InsertChangeSet(tx, head); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing workspace: %w", err)
	}

	s.logger.Info("workspace created",
		slog.String("workspace_id", ws.ID),
		slog.String("change_set_id", head.ID),
		slog.String("snapshot_address", head.SnapshotAddress.Short()),
	)
	return ws, head, nil
}

// Fork creates a change set from HEAD's current snapshot.
func (s *Service) Fork(ctx context.Context, workspaceID, name, actor string) (*store.ChangeSet, error) {
	ws, err := s.db.GetWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	head, err := s.db.GetChangeSet(ws.HeadChangeSetID)
	if err != nil {
		return nil, fmt.Errorf("loading HEAD: %w", err)
	}
	cs := &store.ChangeSet{
		ID:              newID(),
		WorkspaceID:     ws.ID,
		Name:            name,
		Status:          StatusOpen,
		BaseChangeSetID: head.ID,
		Actor:           actor,
	}
	vc, err := rebase.ClockID(ws.ID, cs.ID)
	if err != nil {
		return nil, err
	}

	snap, err := snapshot.Load(ctx, s.snapshots, head.SnapshotAddress)
	if err != nil {
		return nil, fmt.Errorf("loading HEAD snapshot: %w", err)
	}
	cs.SnapshotAddress, err = snap.Write(ctx, vc)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := s.db.InsertChangeSet(tx, cs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing change set: %w", err)
	}

	s.logger.Info("change set forked",
		slog.String("workspace_id", ws.ID),
		slog.String("change_set_id", cs.ID),
		slog.String("base_change_set_id", head.ID),
	)
	return cs, nil
}

// Get returns a change set.
func (s *Service) Get(id string) (*store.ChangeSet, error) {
	return s.db.GetChangeSet(id)
}

// ListOpen returns a workspace's change sets that are still in progress.
func (s *Service) ListOpen(workspaceID string) ([]*store.ChangeSet, error) {
	return s.db.ListChangeSets(workspaceID, OpenStatuses...)
}

// History returns a change set's status and pointer history.
func (s *Service) History(id string, afterSeq int64, limit int) ([]*store.HistoryEntry, error) {
	return s.db.ChangeSetHistory(id, afterSeq, limit)
}

// ClockID returns the vector clock ID a change set writes with.
func (s *Service) ClockID(cs *store.ChangeSet) (vclock.ID, error) {
	return rebase.ClockID(cs.WorkspaceID, cs.ID)
}

// Snapshot loads the current snapshot of a change set.
func (s *Service) Snapshot(ctx context.Context, cs *store.ChangeSet) (*snapshot.WorkspaceSnapshot, error) {
	return snapshot.Load(ctx, s.snapshots, cs.SnapshotAddress)
}

// UpdatePointer moves a change set from old to addr. The move fails with
// store.ErrPointerMismatch when the change set no longer points at old.
func (s *Service) UpdatePointer(ctx context.Context, id string, old, addr cas.ContentHash, actor string) error {
	cs, err := s.db.GetChangeSet(id)
	if err != nil {
		return err
	}
	if Terminal(cs.Status) {
		return fmt.Errorf("change set %s is %s: %w", id, cs.Status, ErrNotEditable)
	}
	tx, err := s.db.BeginTx()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.db.SetPointerFF(tx, id, old, addr, actor); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing pointer: %w", err)
	}
	s.publish(ctx, events.Event{
		Kind:        events.KindChangeSetWritten,
		WorkspaceID: cs.WorkspaceID,
		ChangeSetID: id,
		Subject:     addr.String(),
	})
	return nil
}

// Edit loads the change set's snapshot, applies fn through an editor,
// writes the snapshot and moves the pointer. It returns the new address.
func (s *Service) Edit(ctx context.Context, id, actor string, fn func(e *model.Editor) error) (cas.ContentHash, error) {
	cs, err := s.db.GetChangeSet(id)
	if err != nil {
		return cas.ContentHash{}, err
	}
	if cs.Status != StatusOpen {
		return cas.ContentHash{}, fmt.Errorf("change set %s is %s: %w", id, cs.Status, ErrNotEditable)
	}
	vc, err := s.ClockID(cs)
	if err != nil {
		return cas.ContentHash{}, err
	}
	snap, err := s.Snapshot(ctx, cs)
	if err != nil {
		return cas.ContentHash{}, err
	}
	if err := snap.Mutate(func(g *graph.Graph) error {
		return fn(model.NewEditor(s.cas, vc, g))
	}); err != nil {
		return cas.ContentHash{}, err
	}
	return s.commit(ctx, cs, snap, vc, actor)
}

func (s *Service) commit(ctx context.Context, cs *store.ChangeSet, snap *snapshot.WorkspaceSnapshot, vc vclock.ID, actor string) (cas.ContentHash, error) {
	addr, err := snap.Write(ctx, vc)
	if err != nil {
		return cas.ContentHash{}, err
	}
	if addr == cs.SnapshotAddress {
		return addr, nil
	}
	if err := s.UpdatePointer(ctx, cs.ID, cs.SnapshotAddress, addr, actor); err != nil {
		return cas.ContentHash{}, err
	}
	cs.SnapshotAddress = addr
	return addr, nil
}

// transition moves a change set between statuses after validating the
// move. HEAD never leaves Open.
func (s *Service) transition(ctx context.Context, id, to, actor string, from ...string) (*store.ChangeSet, error) {
	cs, err := s.db.GetChangeSet(id)
	if err != nil {
		return nil, err
	}
	if err := s.notHead(cs); err != nil {
		return nil, err
	}
	if len(from) > 0 && !slices.Contains(from, cs.Status) {
		return nil, fmt.Errorf("%s -> %s: %w", cs.Status, to, ErrInvalidTransition)
	}
	if err := checkTransition(cs.Status, to); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := s.db.SetStatus(tx, id, cs.Status, to, actor); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing status: %w", err)
	}

	s.logger.Info("change set status changed",
		slog.String("change_set_id", id),
		slog.String("from", cs.Status),
		slog.String("to", to),
		slog.String("actor", actor),
	)
	s.publish(ctx, events.Event{
		Kind:        events.KindChangeSetStatus,
		WorkspaceID: cs.WorkspaceID,
		ChangeSetID: id,
		Status:      to,
		Data:        map[string]string{"from": cs.Status, "actor": actor},
	})
	cs.Status = to
	return cs, nil
}

func (s *Service) notHead(cs *store.ChangeSet) error {
	ws, err := s.db.GetWorkspace(cs.WorkspaceID)
	if err != nil {
		return err
	}
	if ws.HeadChangeSetID == cs.ID {
		return ErrHeadChangeSet
	}
	return nil
}

// RequestApproval asks for the change set to be approved for apply.
func (s *Service) RequestApproval(ctx context.Context, id, actor string) (*store.ChangeSet, error) {
	return s.transition(ctx, id, StatusNeedsApproval, actor, StatusOpen)
}

// CancelApprovalRequest withdraws an approval request.
func (s *Service) CancelApprovalRequest(ctx context.Context, id, actor string) (*store.ChangeSet, error) {
	return s.transition(ctx, id, StatusOpen, actor, StatusNeedsApproval)
}

// RequestAbandonApproval asks for the change set to be approved for
// abandonment.
func (s *Service) RequestAbandonApproval(ctx context.Context, id, actor string) (*store.ChangeSet, error) {
	return s.transition(ctx, id, StatusNeedsAbandonApproval, actor, StatusOpen)
}

// CancelAbandonApprovalRequest withdraws an abandon request.
func (s *Service) CancelAbandonApprovalRequest(ctx context.Context, id, actor string) (*store.ChangeSet, error) {
	return s.transition(ctx, id, StatusOpen, actor, StatusNeedsAbandonApproval)
}

// Abandon discards the change set.
func (s *Service) Abandon(ctx context.Context, id, actor string) (*store.ChangeSet, error) {
	return s.transition(ctx, id, StatusAbandoned, actor)
}

// Apply rebases HEAD onto the change set and marks it Applied in the same
// transaction that moves HEAD. On conflicts it returns the rebase result
// together with a *ConflictsError and changes nothing.
func (s *Service) Apply(ctx context.Context, id, actor string) (*rebase.Result, error) {
	cs, err := s.db.GetChangeSet(id)
	if err != nil {
		return nil, err
	}
	if err := s.notHead(cs); err != nil {
		return nil, err
	}
	if err := checkTransition(cs.Status, StatusApplied); err != nil {
		return nil, err
	}
	ws, err := s.db.GetWorkspace(cs.WorkspaceID)
	if err != nil {
		return nil, err
	}
	vc, err := s.ClockID(cs)
	if err != nil {
		return nil, err
	}

	from := cs.Status
	res, err := s.rebase.Rebase(ctx, rebase.Request{
		ChangeSetID: ws.HeadChangeSetID,
		OntoAddress: cs.SnapshotAddress,
		OntoVClock:  vc,
		Actor:       actor,
		Finalize: func(tx *sql.Tx) error {
			return s.db.SetStatus(tx, cs.ID, from, StatusApplied, actor)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("applying change set %s: %w", id, err)
	}
	if res.HasConflicts() {
		s.logger.Warn("change set apply blocked by conflicts",
			slog.String("change_set_id", id),
			slog.Int("conflicts", len(res.Conflicts)),
		)
		return res, &ConflictsError{ChangeSetID: id, Conflicts: res.Conflicts}
	}

	s.logger.Info("change set applied",
		slog.String("change_set_id", id),
		slog.String("head_change_set_id", ws.HeadChangeSetID),
		slog.String("snapshot_address", res.Address.Short()),
		slog.Int("updates", len(res.Updates)),
	)
	s.publish(ctx, events.Event{
		Kind:        events.KindChangeSetApplied,
		WorkspaceID: cs.WorkspaceID,
		ChangeSetID: id,
		Subject:     res.Address.String(),
		Data:        map[string]string{"head_change_set_id": ws.HeadChangeSetID},
	})
	s.publish(ctx, events.Event{
		Kind:        events.KindChangeSetStatus,
		WorkspaceID: cs.WorkspaceID,
		ChangeSetID: id,
		Status:      StatusApplied,
		Data:        map[string]string{"from": from, "actor": actor},
	})
	return res, nil
}

// RebaseFromBase brings HEAD's latest edits into the change set.
func (s *Service) RebaseFromBase(ctx context.Context, id, actor string) (*rebase.Result, error) {
	cs, base, err := s.withBase(id)
	if err != nil {
		return nil, err
	}
	if cs.Status != StatusOpen {
		return nil, fmt.Errorf("change set %s is %s: %w", id, cs.Status, ErrNotEditable)
	}
	baseVC, err := s.ClockID(base)
	if err != nil {
		return nil, err
	}
	res, err := s.rebase.Rebase(ctx, rebase.Request{
		ChangeSetID: cs.ID,
		OntoAddress: base.SnapshotAddress,
		OntoVClock:  baseVC,
		Actor:       actor,
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.Event{
		Kind:        events.KindRebaseFinished,
		WorkspaceID: cs.WorkspaceID,
		ChangeSetID: cs.ID,
		Status:      res.Outcome,
		Subject:     res.Address.String(),
	})
	if res.HasConflicts() {
		return res, &ConflictsError{ChangeSetID: id, Conflicts: res.Conflicts}
	}
	return res, nil
}

// EnqueueRebaseFromBase queues a rebase of the change set onto HEAD for the
// background worker and returns the request ID.
func (s *Service) EnqueueRebaseFromBase(id string) (int64, error) {
	cs, base, err := s.withBase(id)
	if err != nil {
		return 0, err
	}
	baseVC, err := s.ClockID(base)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	reqID, err := s.db.EnqueueRebase(tx, &store.RebaseRequest{
		WorkspaceID: cs.WorkspaceID,
		ChangeSetID: cs.ID,
		OntoAddress: base.SnapshotAddress,
		OntoVClock:  string(baseVC),
	})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing rebase request: %w", err)
	}
	return reqID, nil
}

// withBase returns the change set and the change set it compares against:
// its recorded base, or HEAD when it has none.
func (s *Service) withBase(id string) (*store.ChangeSet, *store.ChangeSet, error) {
	cs, err := s.db.GetChangeSet(id)
	if err != nil {
		return nil, nil, err
	}
	baseID := cs.BaseChangeSetID
	if baseID == "" {
		ws, err := s.db.GetWorkspace(cs.WorkspaceID)
		if err != nil {
			return nil, nil, err
		}
		baseID = ws.HeadChangeSetID
	}
	if baseID == cs.ID {
		return nil, nil, ErrHeadChangeSet
	}
	base, err := s.db.GetChangeSet(baseID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading base change set: %w", err)
	}
	return cs, base, nil
}

// ChangeDetail is a Change with its before and after payloads resolved from
// the content store.
type ChangeDetail struct {
	graph.Change
	BeforeValue json.RawMessage `json:"before_value,omitempty"`
	AfterValue  json.RawMessage `json:"after_value,omitempty"`
}

// DetectChanges reports what the change set changed relative to its base.
// Patterns, when given, filter changes by path glob.
func (s *Service) DetectChanges(ctx context.Context, id string, patterns ...string) ([]ChangeDetail, error) {
	cs, base, err := s.withBase(id)
	if err != nil {
		return nil, err
	}
	snap, err := s.Snapshot(ctx, cs)
	if err != nil {
		return nil, err
	}
	baseSnap, err := s.Snapshot(ctx, base)
	if err != nil {
		return nil, err
	}
	changes, err := graph.FilterChanges(snap.DetectChanges(baseSnap), patterns...)
	if err != nil {
		return nil, err
	}

	out := make([]ChangeDetail, 0, len(changes))
	for _, c := range changes {
		d := ChangeDetail{Change: c}
		if d.BeforeValue, err = s.payload(ctx, c.Before); err != nil {
			return nil, err
		}
		if d.AfterValue, err = s.payload(ctx, c.After); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Service) payload(ctx context.Context, h *cas.ContentHash) (json.RawMessage, error) {
	if h == nil {
		return nil, nil
	}
	data, err := s.cas.Read(ctx, *h)
	if errors.Is(err, layerdb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload %s: %w", h.Short(), err)
	}
	return json.RawMessage(data), nil
}

// Vote subjects and values.
const (
	VoteSubjectMerge   = "merge"
	VoteSubjectAbandon = "abandon"
	VoteApprove        = "approve"
	VoteReject         = "reject"
)

// Vote records an actor's vote on a merge or abandon request.
func (s *Service) Vote(ctx context.Context, id, actor, subject, vote string) error {
	if subject != VoteSubjectMerge && subject != VoteSubjectAbandon {
		return fmt.Errorf("subject %q: %w", subject, ErrInvalidVote)
	}
	if vote != VoteApprove && vote != VoteReject {
		return fmt.Errorf("vote %q: %w", vote, ErrInvalidVote)
	}
	cs, err := s.db.GetChangeSet(id)
	if err != nil {
		return err
	}
	if Terminal(cs.Status) {
		return fmt.Errorf("change set %s is %s: %w", id, cs.Status, ErrNotEditable)
	}
	if err := s.db.RecordVote(&store.Vote{ChangeSetID: id, Actor: actor, Subject: subject, Vote: vote}); err != nil {
		return err
	}
	s.publish(ctx, events.Event{
		Kind:        events.KindChangeSetVote,
		WorkspaceID: cs.WorkspaceID,
		ChangeSetID: id,
		Subject:     subject,
		Status:      vote,
		Data:        map[string]string{"actor": actor},
	})
	return nil
}

// Votes lists the votes on a subject.
func (s *Service) Votes(id, subject string) ([]*store.Vote, error) {
	return s.db.ListVotes(id, subject)
}

// SnapshotAddressInUse reports whether any change set points at addr.
func (s *Service) SnapshotAddressInUse(addr cas.ContentHash) (bool, error) {
	return s.db.AddressInUse(addr)
}
