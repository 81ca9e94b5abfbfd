package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainEvent prefixes event checksums. The version suffix allows the
// envelope format to change without colliding with old checksums.
const DomainEvent = "stacktrain/event/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventChecksum computes the checksum over an event envelope.
// CreatedAt and Checksum itself are excluded.
func EventChecksum(e Event) (string, error) {
	obj := map[string]any{
		"seq":        e.Seq,
		"command_id": e.CommandID,
		"op":         string(e.Op),
		"workspace":  e.Workspace,
		"payload":    string(e.Payload),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("EventChecksum: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}
