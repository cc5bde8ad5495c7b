package core

import "fmt"

// Kind is a stable, machine-parseable error category (spec.md §7).
type Kind string

const (
	KindChannelFull      Kind = "channel_full"
	KindPermissionDenied Kind = "permission_denied"
	KindNotPresent       Kind = "not_present"
	KindBusy             Kind = "busy"
	KindNoSession        Kind = "no_session"
	KindTooLarge         Kind = "too_large"
	KindTooOld           Kind = "too_old"
	KindInvalid          Kind = "invalid"
	KindNoSuchChannel    Kind = "no_such_channel"
	KindServerShutdown   Kind = "server_shutdown"
	KindInternal         Kind = "internal"
)

// Error is the broker's verb error type: a stable kind plus a human
// message. It never carries state-mutating side effects — by the time an
// Error is returned, the broker has changed nothing (spec.md §7).
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for any
// error that isn't a *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindInternal
}
