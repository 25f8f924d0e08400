// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"encoding/json"
	"fmt"
)

// DefaultMetadataCap bounds the serialized size of event metadata
// crossing the trust boundary.
const DefaultMetadataCap = 8 << 10 // 8 KiB

// Metadata is a bounded key-value container attached to events. Only
// string, numeric and boolean values are permitted; nested structures
// are rejected so unbounded or recursive payloads never cross the
// trust boundary.
type Metadata map[string]interface{}

// Validate checks value types and the serialized byte size against the
// cap (DefaultMetadataCap when maxBytes is zero). All violations are
// collected, not just the first.
func (m Metadata) Validate(maxBytes int) error {
	if len(m) == 0 {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMetadataCap
	}

	var violations []string
	for key, value := range m {
		switch value.(type) {
		case string, bool,
			int, int32, int64,
			float32, float64,
			json.Number:
		default:
			violations = append(violations, fmt.Sprintf("metadata key %q: unsupported value type %T", key, value))
		}
	}

	raw, err := json.Marshal(m)
	if err != nil {
		violations = append(violations, "metadata is not serializable")
	} else if len(raw) > maxBytes {
		violations = append(violations, fmt.Sprintf("metadata size %d exceeds cap %d", len(raw), maxBytes))
	}

	if len(violations) > 0 {
		return &Error{
			Kind:       KindInvalidEvent,
			Message:    "invalid metadata",
			Violations: violations,
		}
	}
	return nil
}
