package definitions

import (
	"github.com/liamcoop/api4cep/dispatch"
)

// State is the lifecycle position of a definition.
type State int

const (
	StateDraft State = iota
	StateStaged
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDraft:
		return "draft"
	case StateStaged:
		return "staged"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Operation is a requested lifecycle change.
type Operation int

const (
	OpStage Operation = iota + 1
	OpUnstage
	OpEdit
	OpDeploy
	OpUndeploy
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpStage:
		return "stage"
	case OpUnstage:
		return "unstage"
	case OpEdit:
		return "edit"
	case OpDeploy:
		return "deploy"
	case OpUndeploy:
		return "undeploy"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// EffectKind names a message the engine must receive.
type EffectKind int

const (
	EffectDeploy EffectKind = iota + 1
	EffectUndeploy
)

// Effect is one message to publish after the store write commits.
// Payload is the rule content for EffectDeploy and the rule name for EffectUndeploy.
type Effect struct {
	Kind    EffectKind
	Payload string
}

// Message converts the effect to its wire form.
func (e Effect) Message() dispatch.Message {
	if e.Kind == EffectUndeploy {
		return dispatch.UndeployMessage(e.Payload)
	}
	return dispatch.DeployMessage(e.Payload)
}

// Request asks the state machine for a transition. Edit is read only for OpEdit.
type Request struct {
	Op   Operation
	Edit Edit
}

// Decision is the outcome of a legal transition.
type Decision struct {
	// Next is the record to persist. Nil when Delete is set.
	Next *Definition
	// Delete removes the record instead of writing Next.
	Delete bool
	// Unchanged means Next equals the current record and no write is needed.
	Unchanged bool
	// Effects are published in order after the write.
	Effects []Effect
}

// Decide validates req against the current record and returns what to persist
// and publish. It performs no I/O and never mutates current.
func Decide(current *Definition, req Request) (Decision, error) {
	state := current.State()
	next := current.Clone()

	switch req.Op {
	case OpStage:
		// Staged and deployed are mutually exclusive; undeploy first.
		if state == StateActive {
			return Decision{}, &TransitionError{Op: req.Op, State: state}
		}
		next.ReadyToDeploy = true
		return Decision{Next: next, Unchanged: current.ReadyToDeploy}, nil

	case OpUnstage:
		next.ReadyToDeploy = false
		return Decision{Next: next, Unchanged: !current.ReadyToDeploy}, nil

	case OpEdit:
		if state == StateStaged {
			return Decision{}, &TransitionError{Op: req.Op, State: state}
		}
		next.Name = req.Edit.Name
		next.Content = req.Edit.Content
		d := Decision{Next: next}
		if state == StateActive {
			// The engine addresses active rules by name, so the old rule must be
			// gone before the new content arrives.
			d.Effects = []Effect{
				{Kind: EffectUndeploy, Payload: current.Name},
				{Kind: EffectDeploy, Payload: next.Content},
			}
		}
		return d, nil

	case OpDeploy:
		next.Deployed = true
		next.ReadyToDeploy = false
		return Decision{
			Next:    next,
			Effects: []Effect{{Kind: EffectDeploy, Payload: next.Content}},
		}, nil

	case OpUndeploy:
		next.Deployed = false
		next.ReadyToDeploy = false
		return Decision{
			Next:    next,
			Effects: []Effect{{Kind: EffectUndeploy, Payload: next.Name}},
		}, nil

	case OpDelete:
		if state != StateDraft {
			return Decision{}, &TransitionError{Op: req.Op, State: state}
		}
		return Decision{Delete: true}, nil
	}

	return Decision{}, &TransitionError{Op: req.Op, State: state}
}
