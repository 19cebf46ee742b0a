// Package ferrors defines the closed taxonomy of failures the coordinator
// and discovery layers can surface, so that every failure is a value
// instead of an exception and callers can branch on a stable Kind.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories the fabric can report to a
// caller. Kinds are stable strings so they round-trip through JSON
// responses and log fields unchanged.
type Kind string

const (
	// DiscoveryIncomplete means the expected shards were not all present
	// after the policy-allowed wait.
	DiscoveryIncomplete Kind = "DiscoveryIncomplete"
	// MissingEntryOrExit means the pipeline lacks shard 0 or shard N-1 and
	// the selected strategy requires both.
	MissingEntryOrExit Kind = "MissingEntryOrExit"
	// ShardNotLoaded means a discovered shard announces shard_loaded=false
	// past the load grace period.
	ShardNotLoaded Kind = "ShardNotLoaded"
	// HopTimeout means a single inter-shard command exceeded the hop
	// deadline.
	HopTimeout Kind = "HopTimeout"
	// ShardVanished means a shard stopped announcing mid-request.
	ShardVanished Kind = "ShardVanished"
	// NoCapableNode means FallbackToSingleNode found no peer meeting the
	// memory floor.
	NoCapableNode Kind = "NoCapableNode"
	// AllStrategiesExhausted means Adaptive tried every available
	// strategy and none succeeded.
	AllStrategiesExhausted Kind = "AllStrategiesExhausted"
	// InvalidAnnouncement means an announcement violated schema or
	// invariants; it was recorded and dropped.
	InvalidAnnouncement Kind = "InvalidAnnouncement"
	// InvalidRequest means request parameters violate validation rules.
	InvalidRequest Kind = "InvalidRequest"
	// TransportFailure means the underlying connection could not be
	// established or was reset.
	TransportFailure Kind = "TransportFailure"
	// SpawnFailure means the NodeSpawner reported failure or did not
	// announce in time.
	SpawnFailure Kind = "SpawnFailure"
)

// Error is the concrete error value carried for every Kind above. It wraps
// an optional cause so callers that need the underlying transport or
// encoding error can still retrieve it with errors.Unwrap/errors.As.
type Error struct {
	Cause   error
	Kind    Kind
	Message string
}

// New constructs an Error of the given Kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given Kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, ferrors.New(ferrors.HopTimeout, "")) works as a Kind test.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the Kind carried by err, if any, and reports whether one
// was found.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// HasKind reports whether err is (or wraps) an *Error with the given Kind.
func HasKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
