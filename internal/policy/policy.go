// Package policy holds the permission rules applied on top of the comment store.
package policy

import "errors"

type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ErrHasChildren refuses the deletion of a comment that still has replies.
var ErrHasChildren = errors.New("comment has replies")

// Subject is what the rules know about the comment being acted on.
type Subject struct {
	HasChildren bool
}

func Check(action Action, subject Subject) error {
	switch action {
	case ActionDelete:
		if subject.HasChildren {
			return ErrHasChildren
		}
		return nil
	case ActionRead, ActionCreate, ActionUpdate:
		return nil
	default:
		return errors.New("unknown action " + string(action))
	}
}
