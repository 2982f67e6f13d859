package upload

import (
	"errors"
	"fmt"

	"xdao.co/w3car/bridge"
)

// Kind is a stable failure category for programmatic handling.
//
// Callers should branch on Kind (and Phase) rather than matching error
// strings. Use errors.As to extract *Error.
type Kind string

const (
	// KindConfiguration: credentials or endpoints are missing. No network
	// call was made.
	KindConfiguration Kind = "Configuration"
	// KindAuthorizationDenied: the bridge did not hand out a usable signed URL.
	KindAuthorizationDenied Kind = "AuthorizationDenied"
	// KindTransfer: the archive PUT to the signed URL failed. The
	// authorization has been discarded.
	KindTransfer Kind = "Transfer"
	// KindFinalization: registering the root failed after the archive was
	// stored. The bytes may already be retrievable.
	KindFinalization Kind = "Finalization"
	// KindEncoding: the payload could not be packed into an archive.
	KindEncoding Kind = "Encoding"
	// KindCanceled: the caller's context ended between phases.
	KindCanceled Kind = "Canceled"
)

// Phase names the protocol step an error belongs to.
type Phase string

const (
	PhaseConfigure Phase = "configure"
	PhaseEncode    Phase = "encode"
	PhaseAuthorize Phase = "authorize"
	PhaseTransfer  Phase = "transfer"
	PhaseFinalize  Phase = "finalize"
)

// Error is the structured error returned by Uploader.
//
// Remote, when set, is the bridge's untouched reply. Destination, when set,
// is the signed-URL destination's reply to a failed transfer. Message is for
// humans; do not match on it.
type Error struct {
	Kind        Kind
	Phase       Phase
	Session     string
	Message     string
	Remote      *bridge.Diagnostic
	Destination *bridge.Diagnostic
	Cause       error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("upload: %s: %s: %v", e.Phase, e.Message, e.Cause)
	}
	return fmt.Sprintf("upload: %s: %s", e.Phase, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newError(kind Kind, phase Phase, msg string, cause error) *Error {
	e := &Error{Kind: kind, Phase: phase, Message: msg, Cause: cause}
	var re *bridge.RemoteError
	if errors.As(cause, &re) {
		d := re.Diagnostic
		e.Remote = &d
	}
	var te *TransferError
	if errors.As(cause, &te) {
		d := te.Diagnostic
		e.Destination = &d
	}
	return e
}

// IsKind reports whether err is (or wraps) an *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the Kind of a structured error, or "" if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}
