package consumer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/bus"
)

// IdentityFunc returns the stable identity of a delivery. It keys the lock,
// the retry counter and the dead-letter record.
type IdentityFunc func(subject string, data []byte, headers map[string]string) string

var payloadIDFields = []string{"id", "eventId", "_id"}

// DefaultIdentity uses the x-event-id header, then the first of the payload
// fields id, eventId and _id holding a string or number. Without either it
// falls back to a SHA-256 of subject and payload, so byte-identical
// redeliveries share an identity.
func DefaultIdentity(subject string, data []byte, headers map[string]string) string {
	if id := strings.TrimSpace(headers[bus.HeaderEventID]); id != "" {
		return id
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err == nil {
		for _, name := range payloadIDFields {
			if id := scalarID(fields[name]); id != "" {
				return id
			}
		}
	}

	sum := sha256.New()
	sum.Write([]byte(subject))
	sum.Write([]byte{0})
	sum.Write(data)

	return "sha256-" + hex.EncodeToString(sum.Sum(nil))
}

func scalarID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, convErr := strconv.ParseFloat(n.String(), 64); convErr == nil {
			return n.String()
		}
	}

	return ""
}
