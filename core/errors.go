// Copyright (C) 2025, Growvia Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies pipeline failures. Structural kinds abort the
// pipeline and reach the caller as-is; fraud/business outcomes are
// terminal statuses on the event, not errors.
type ErrorKind string

const (
	KindInvalidEvent        ErrorKind = "INVALID_EVENT"
	KindInvalidOrganization ErrorKind = "INVALID_ORGANIZATION"
	KindInvalidCampaign     ErrorKind = "INVALID_CAMPAIGN"
	KindInvalidAffiliate    ErrorKind = "INVALID_AFFILIATE"
	KindFraudDetected       ErrorKind = "FRAUD_DETECTED"
	KindDuplicateEvent      ErrorKind = "DUPLICATE_EVENT"
	KindExpiredClick        ErrorKind = "EXPIRED_CLICK"
	KindValidationFailed    ErrorKind = "VALIDATION_FAILED"
	KindRateLimitExceeded   ErrorKind = "RATE_LIMIT_EXCEEDED"
	KindUnauthorized        ErrorKind = "UNAUTHORIZED"
)

// Error is a typed pipeline error. Violations lists every failed
// constraint when a validation function checks more than one.
type Error struct {
	Kind       ErrorKind
	Message    string
	Violations []string
}

func (e *Error) Error() string {
	if len(e.Violations) > 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, strings.Join(e.Violations, "; "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a typed error with the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, or empty for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
