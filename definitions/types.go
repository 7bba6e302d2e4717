package definitions

import "time"

// Kind tags a family of definitions. Names are unique within a kind.
type Kind string

const (
	KindEventType    Kind = "event-type"
	KindEventPattern Kind = "event-pattern"
)

// Kinds lists every kind the service manages.
func Kinds() []Kind {
	return []Kind{KindEventType, KindEventPattern}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindEventType || k == KindEventPattern
}

// Label is the human readable form used in audit lines.
func (k Kind) Label() string {
	switch k {
	case KindEventType:
		return "event type"
	case KindEventPattern:
		return "event pattern"
	default:
		return string(k)
	}
}

// Definition is a named rule artifact handed to the CEP engine.
type Definition struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Name          string    `json:"name"`
	Content       string    `json:"content"`
	ReadyToDeploy bool      `json:"readyToDeploy"`
	Deployed      bool      `json:"deployed"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// State derives the lifecycle state from the two flags.
// A record with both flags set is reported as Active; the store rejects it anyway.
func (d *Definition) State() State {
	switch {
	case d.Deployed:
		return StateActive
	case d.ReadyToDeploy:
		return StateStaged
	default:
		return StateDraft
	}
}

// Clone returns a copy that shares nothing with d.
func (d *Definition) Clone() *Definition {
	c := *d
	return &c
}

// Edit carries the new name and content for an update.
type Edit struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}
