package push

import (
	"encoding/json"
	"strings"
)

const (
	// MaxGroupFields caps attribute filters per audience group; the
	// backing store supports at most one bounded in-set filter per
	// query, and wider groups degrade into full in-memory scans.
	MaxGroupFields = 10

	// MaxSetValues caps allowed-value sets, matching the store's
	// value-in-set query bound.
	MaxSetValues = 10

	// MaxGroups caps independent audience groups per request.
	MaxGroups = 10
)

// Content is the immutable payload of one notification. Payload is
// opaque and passed through to devices untouched.
type Content struct {
	Title   string          `json:"title"`
	Body    string          `json:"body"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Group maps attribute names to their allowed values. A user matches a
// group when every attribute's value is in its allowed set.
type Group map[string][]string

// AudienceSpec selects who receives a notification. Exactly one of the
// three variants must be populated: attribute groups (users matching any
// group), explicit recipient IDs, or broadcast to every registered
// device.
type AudienceSpec struct {
	Groups     []Group
	Recipients []string
	Broadcast  bool
}

// Validate checks variant exclusivity and group shape. It runs before
// any I/O; an invalid spec never reaches the store.
func (s AudienceSpec) Validate() error {
	variants := 0
	if len(s.Groups) > 0 {
		variants++
	}
	if len(s.Recipients) > 0 {
		variants++
	}
	if s.Broadcast {
		variants++
	}
	if variants != 1 {
		return NewError(CodeInvalidArgument,
			"exactly one of audiences, recipients, or broadcast is allowed")
	}

	if len(s.Groups) > MaxGroups {
		return NewError(CodeInvalidArgument,
			"at most %d audience groups are allowed, got %d", MaxGroups, len(s.Groups))
	}

	for i, group := range s.Groups {
		if len(group) == 0 {
			return NewError(CodeInvalidArgument, "audience group %d is empty", i)
		}
		if len(group) > MaxGroupFields {
			return NewError(CodeInvalidArgument,
				"audience group %d has %d fields, at most %d are allowed", i, len(group), MaxGroupFields)
		}
		for field, values := range group {
			if field == "" {
				return NewError(CodeInvalidArgument, "audience group %d has an empty field name", i)
			}
			if len(values) == 0 {
				return NewError(CodeInvalidArgument,
					"audience group %d field %q has no allowed values", i, field)
			}
			if len(values) > MaxSetValues {
				return NewError(CodeInvalidArgument,
					"audience group %d field %q has %d values, at most %d are allowed",
					i, field, len(values), MaxSetValues)
			}
		}
	}

	for _, id := range s.Recipients {
		if strings.TrimSpace(id) == "" {
			return NewError(CodeInvalidArgument, "recipient ids must be non-empty strings")
		}
	}

	return nil
}
