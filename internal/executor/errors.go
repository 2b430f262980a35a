package executor

import (
	"context"
	"errors"
	"net"

	"github.com/kalambet/cadence/internal/cadence"
	"github.com/kalambet/cadence/internal/channel"
	"github.com/kalambet/cadence/internal/storage"
	"github.com/kalambet/cadence/internal/tracker"
)

var (
	// ErrNoContent is returned when the contact has no authored content for
	// the resolved variant.
	ErrNoContent = errors.New("no authored content")

	// ErrContactNotFound is returned when the touch's contact cannot be resolved.
	ErrContactNotFound = errors.New("contact not found")

	// ErrNoAddress is returned when an email touch's contact has no email address.
	ErrNoAddress = errors.New("contact has no email address")

	// ErrChannel wraps failures reported by a channel adapter.
	ErrChannel = errors.New("channel dispatch failed")
)

// Kind classifies an error for results and ledger metadata.
type Kind string

const (
	KindNone          Kind = ""
	KindValidation    Kind = "validation"
	KindTransient     Kind = "transient_channel"
	KindDataIntegrity Kind = "data_integrity"
	KindInternal      Kind = "internal"
)

// ErrorKind returns the class of err.
func ErrorKind(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, cadence.ErrUnknownCadence),
		errors.Is(err, cadence.ErrInvalidCadence),
		errors.Is(err, storage.ErrDuplicateActiveSequence),
		errors.Is(err, tracker.ErrInvalidOutcome),
		errors.Is(err, tracker.ErrInvalidVariant):
		return KindValidation
	case errors.Is(err, ErrNoContent),
		errors.Is(err, ErrContactNotFound),
		errors.Is(err, ErrNoAddress):
		return KindDataIntegrity
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrChannel),
		errors.Is(err, channel.ErrNotConfigured):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindInternal
}
