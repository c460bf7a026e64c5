package records

import "fmt"

// Transitions is a table-driven status rule set. The real approval rules
// live with the workflow engine; this default is what the platform ships.
type Transitions map[Status][]Status

// DefaultTransitions allows the usual bylaw lifecycle.
func DefaultTransitions() Transitions {
	return Transitions{
		StatusDraft:     {StatusProposed, StatusApproved, StatusArchived},
		StatusProposed:  {StatusDraft, StatusApproved, StatusArchived},
		StatusApproved:  {StatusPublished, StatusRepealed, StatusArchived},
		StatusPublished: {StatusRepealed, StatusArchived},
		StatusRepealed:  {StatusArchived},
	}
}

// Allow returns ErrInvalidTransition unless from may move to to. Staying in
// the same status is always allowed.
func (t Transitions) Allow(from, to Status) error {
	if from == to {
		return nil
	}
	for _, next := range t[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
