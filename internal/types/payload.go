package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// UpdateKind distinguishes OpUpdate payloads.
type UpdateKind string

const (
	UpdateReparent     UpdateKind = "reparent"
	UpdateReprioritize UpdateKind = "reprioritize"
	UpdateDependents   UpdateKind = "dependents"
	UpdateRebased      UpdateKind = "rebased"
)

// Payload is the decoded form of an event payload. Which fields are
// meaningful depends on the event's Op and, for updates, Kind.
type Payload struct {
	Kind        UpdateKind  `json:"kind,omitempty"`
	Parent      string      `json:"parent,omitempty"`
	Priority    *int        `json:"priority,omitempty"`
	IssueID     string      `json:"issue_id,omitempty"`
	AgentID     string      `json:"agent_id,omitempty"`
	State       QueueState  `json:"state,omitempty"`
	BlockReason BlockReason `json:"block_reason,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	Revision    string      `json:"revision,omitempty"`
	At          string      `json:"at,omitempty"` // RFC 3339, UTC
	Dependents  []string    `json:"dependents,omitempty"`
}

// Canonical encodes p as canonical JSON. Zero fields are omitted so the
// encoding of a payload does not change when new optional fields are added.
func (p Payload) Canonical() ([]byte, error) {
	obj := map[string]any{}
	if p.Kind != "" {
		obj["kind"] = string(p.Kind)
	}
	if p.Parent != "" {
		obj["parent"] = p.Parent
	}
	if p.Priority != nil {
		obj["priority"] = *p.Priority
	}
	if p.IssueID != "" {
		obj["issue_id"] = p.IssueID
	}
	if p.AgentID != "" {
		obj["agent_id"] = p.AgentID
	}
	if p.State != "" {
		obj["state"] = string(p.State)
	}
	if p.BlockReason != "" {
		obj["block_reason"] = string(p.BlockReason)
	}
	if p.Detail != "" {
		obj["detail"] = p.Detail
	}
	if p.Revision != "" {
		obj["revision"] = p.Revision
	}
	if p.At != "" {
		obj["at"] = p.At
	}
	if len(p.Dependents) > 0 {
		deps := make([]any, len(p.Dependents))
		for i, d := range p.Dependents {
			deps[i] = d
		}
		obj["dependents"] = deps
	}
	return MarshalCanonical(obj)
}

// DecodePayload parses a stored payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// FormatTime renders t the way payloads store timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a payload timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
