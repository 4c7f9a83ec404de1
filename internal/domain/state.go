package domain

import "time"

// Quality represents the reliability of a cached point value.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityStale   Quality = "stale"
	QualityUnknown Quality = "unknown"
)

// StateEntry is the cached record of one point.
type StateEntry struct {
	Key       PointKey    `json:"key"`
	DeviceID  string      `json:"device_id"`
	PointID   string      `json:"point_id"`
	Value     interface{} `json:"v"`
	Unit      string      `json:"u,omitempty"`
	Quality   Quality     `json:"q"`
	Timestamp time.Time   `json:"ts"`
	Dirty     bool        `json:"-"`
}

// CommandState is the resolution state of a write request.
type CommandState string

const (
	CommandPending  CommandState = "pending"
	CommandApplied  CommandState = "applied"
	CommandRejected CommandState = "rejected"
	CommandTimedOut CommandState = "timed_out"
)

// Command is a typed write request against one point.
type Command struct {
	ID         string       `json:"id"`
	DeviceID   string       `json:"device_id"`
	PointID    string       `json:"point_id"`
	Value      interface{}  `json:"value"`
	Source     string       `json:"source,omitempty"`
	State      CommandState `json:"state"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt time.Time    `json:"resolved_at,omitempty"`

	// Err holds the typed failure for Rejected and TimedOut commands.
	Err error `json:"-"`
}

// Key returns the target point key.
func (c *Command) Key() PointKey {
	return NewPointKey(c.DeviceID, c.PointID)
}

// Resolve moves the command into a terminal state.
func (c *Command) Resolve(state CommandState, err error) {
	c.State = state
	c.Err = err
	if err != nil {
		c.Error = err.Error()
	}
	c.ResolvedAt = time.Now()
}

// Resolved reports whether the command left Pending.
func (c *Command) Resolved() bool {
	return c.State != CommandPending
}
