package entity

import (
	"context"

	"github.com/looplab/fsm"
)

// Lifecycle states
const (
	StateNew     = "new"
	StateSaved   = "saved"
	StateDeleted = "deleted"
)

// Lifecycle events
const (
	EventPersist = "persist"
	EventDelete  = "delete"
	EventRevert  = "revert"
)

// newLifecycle builds the state machine of one instance
//
//	new   --persist--> saved
//	new   --delete---> deleted
//	saved --delete---> deleted
//	saved --revert---> new      (rollback of the transaction that inserted it)
func newLifecycle(initial string) *fsm.FSM {
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: EventPersist, Src: []string{StateNew}, Dst: StateSaved},
			{Name: EventDelete, Src: []string{StateNew, StateSaved}, Dst: StateDeleted},
			{Name: EventRevert, Src: []string{StateSaved}, Dst: StateNew},
		},
		fsm.Callbacks{},
	)
}

// transition fires event when the current state allows it; a disallowed event is ignored
func (e *Entity) transition(ctx context.Context, event string) error {
	if !e.lifecycle.Can(event) {
		return nil
	}
	return e.lifecycle.Event(ctx, event)
}

// State returns the lifecycle state
func (e *Entity) State() string { return e.lifecycle.Current() }

// IsNew reports whether the entity has never been saved
func (e *Entity) IsNew() bool { return e.lifecycle.Is(StateNew) }

// IsSaved reports whether the entity exists in the store
func (e *Entity) IsSaved() bool { return e.lifecycle.Is(StateSaved) }

// IsDeleted reports whether the entity was deleted; deleted entities are terminal
func (e *Entity) IsDeleted() bool { return e.lifecycle.Is(StateDeleted) }

// MarkPersisted moves a new entity to saved and takes the current values as snapshot
func (e *Entity) MarkPersisted(ctx context.Context) error {
	if err := e.MarkSaved(ctx); err != nil {
		return err
	}
	e.AcceptChanges()
	return nil
}

// MarkSaved moves a new entity to saved, leaving the snapshot and collections untouched
func (e *Entity) MarkSaved(ctx context.Context) error {
	return e.transition(ctx, EventPersist)
}

// MarkDeleted moves the entity to its terminal state
func (e *Entity) MarkDeleted(ctx context.Context) error {
	return e.transition(ctx, EventDelete)
}

// MarkNew reverts a saved entity to new, dropping its snapshot
func (e *Entity) MarkNew(ctx context.Context) error {
	if err := e.transition(ctx, EventRevert); err != nil {
		return err
	}
	e.snapshot = nil
	return nil
}

// RestoreSnapshot replaces the snapshot with one taken earlier by Snapshot
func (e *Entity) RestoreSnapshot(snapshot map[string]any) {
	if snapshot == nil {
		e.snapshot = nil
		return
	}
	e.snapshot = make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		e.snapshot[k] = v
	}
}
