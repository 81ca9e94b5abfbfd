package types

import "time"

// Op is the kind of mutation an event records.
type Op string

const (
	OpCreate     Op = "create"
	OpUpdate     Op = "update"
	OpDelete     Op = "delete"
	OpTransition Op = "transition"
)

// Valid reports whether o is a known op.
func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpTransition:
		return true
	}
	return false
}

// Event is one durable record in the append-only log.
// Payload holds canonical JSON sufficient to reapply the mutation.
type Event struct {
	Seq       int64     `json:"seq"`
	CommandID string    `json:"command_id"`
	Op        Op        `json:"op"`
	Workspace string    `json:"workspace"`
	Payload   []byte    `json:"payload"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// Seal computes and stores the envelope checksum.
func (e *Event) Seal() error {
	sum, err := EventChecksum(*e)
	if err != nil {
		return err
	}
	e.Checksum = sum
	return nil
}

// Verify reports whether the stored checksum matches the envelope.
func (e Event) Verify() (bool, error) {
	sum, err := EventChecksum(e)
	if err != nil {
		return false, err
	}
	return sum == e.Checksum, nil
}
