package changeset

import (
	"errors"
	"fmt"
	"slices"
)

// Change set statuses.
const (
	StatusOpen                 = "Open"
	StatusNeedsApproval        = "NeedsApproval"
	StatusNeedsAbandonApproval = "NeedsAbandonApproval"
	StatusApplied              = "Applied"
	StatusAbandoned            = "Abandoned"
)

var (
	ErrInvalidTransition = errors.New("invalid change set status transition")
	ErrNotEditable       = errors.New("change set is not open for edits")
	ErrHeadChangeSet     = errors.New("operation not allowed on the HEAD change set")
	ErrInvalidVote       = errors.New("invalid vote")
)

// transitions lists the statuses each status may move to.
var transitions = map[string][]string{
	StatusOpen:                 {StatusNeedsApproval, StatusNeedsAbandonApproval, StatusApplied, StatusAbandoned},
	StatusNeedsApproval:        {StatusOpen, StatusApplied, StatusAbandoned},
	StatusNeedsAbandonApproval: {StatusOpen, StatusAbandoned},
	StatusApplied:              nil,
	StatusAbandoned:            nil,
}

// CanTransition reports whether a change set in status from may move to to.
func CanTransition(from, to string) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// Terminal reports whether status ends the change set's life.
func Terminal(status string) bool {
	return status == StatusApplied || status == StatusAbandoned
}

// OpenStatuses are the statuses of change sets still in progress.
var OpenStatuses = []string{StatusOpen, StatusNeedsApproval, StatusNeedsAbandonApproval}
