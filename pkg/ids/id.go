// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ids

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the identifier namespaces used across the pipeline.
type Kind string

const (
	KindEvent   Kind = "evt"
	KindClick   Kind = "clk"
	KindSession Kind = "ses"
	KindVisitor Kind = "vis"
)

// New returns an opaque identifier for the given kind. IDs carry a
// millisecond timestamp prefix so they sort roughly by creation time,
// followed by 80 bits of randomness. Uniqueness holds with overwhelming
// probability; monotonicity is not guaranteed.
func New(kind Kind) string {
	u := uuid.New()
	return fmt.Sprintf("%s_%012x%s", kind, time.Now().UnixMilli(), hex.EncodeToString(u[:10]))
}

// KindOf reports the kind encoded in an identifier.
func KindOf(id string) (Kind, bool) {
	idx := strings.IndexByte(id, '_')
	if idx <= 0 {
		return "", false
	}
	switch k := Kind(id[:idx]); k {
	case KindEvent, KindClick, KindSession, KindVisitor:
		return k, true
	}
	return "", false
}

// IsKind reports whether id belongs to the given namespace.
func IsKind(id string, kind Kind) bool {
	k, ok := KindOf(id)
	return ok && k == kind
}
