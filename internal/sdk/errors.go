package sdk

import (
	"errors"
	"fmt"
)

// Kind classifies an error reported through Observer.ErrorOccurred.
type Kind int

const (
	// KindTransport wraps a failure from the BLE stack.
	KindTransport Kind = iota
	// KindSendFailed means a question or answer was not delivered. The cause
	// is often a *Rejection.
	KindSendFailed
	// KindUnknown is anything else.
	KindUnknown
)

// Slug returns the stable identifier a front-end uses for localized text.
func (k Kind) Slug() string {
	switch k {
	case KindTransport:
		return "ITCB-SDK-ERROR-BLUETOOTH"
	case KindSendFailed:
		return "ITCB-SDK-ERROR-SEND-FAILURE"
	default:
		return "ITCB-SDK-ERROR-UNKNOWN"
	}
}

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindSendFailed:
		return "send failed"
	default:
		return "unknown"
	}
}

// Error is the value delivered to observers when something goes wrong.
type Error struct {
	Kind Kind
	Err  error // may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "sdk: " + e.Kind.String()
	}
	return fmt.Sprintf("sdk: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind whose Err is nil, so callers
// can write errors.Is(err, &sdk.Error{Kind: sdk.KindSendFailed}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

func transportError(err error) *Error { return &Error{Kind: KindTransport, Err: err} }
func sendFailed(err error) *Error     { return &Error{Kind: KindSendFailed, Err: err} }

// Reason is why a remote device declined an interaction. Values travel as
// in-band rejection codes, so the order is fixed.
type Reason int

const (
	ReasonUnknown Reason = iota
	// ReasonDeviceOffline covers timeouts and unreachable devices.
	ReasonDeviceOffline
	// ReasonDeviceBusy means the remote is still handling another question.
	ReasonDeviceBusy
	// ReasonQuestionPlease means the text did not end with a question mark.
	ReasonQuestionPlease
	// ReasonPeripheralError is an opaque failure on the Peripheral.
	ReasonPeripheralError
)

// Slug returns the stable identifier a front-end uses for localized text.
func (r Reason) Slug() string {
	switch r {
	case ReasonDeviceOffline:
		return "ITCB-SDK-REJECT-OFFLINE"
	case ReasonDeviceBusy:
		return "ITCB-SDK-REJECT-BUSY"
	case ReasonQuestionPlease:
		return "ITCB-SDK-REJECT-NO-QUESTION-MARK"
	case ReasonPeripheralError:
		return "ITCB-SDK-REJECT-PERIPHERAL-ERROR"
	default:
		return "ITCB-SDK-REJECT-UNKNOWN"
	}
}

func (r Reason) String() string {
	switch r {
	case ReasonDeviceOffline:
		return "device offline"
	case ReasonDeviceBusy:
		return "device busy"
	case ReasonQuestionPlease:
		return "question must end with a question mark"
	case ReasonPeripheralError:
		return "peripheral error"
	default:
		return "unknown"
	}
}

// Rejection is a Reason with an optional underlying cause. Only
// ReasonPeripheralError and ReasonUnknown carry a cause.
type Rejection struct {
	Reason Reason
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return "rejected: " + r.Reason.String()
	}
	return fmt.Sprintf("rejected: %s: %v", r.Reason, r.Err)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Is matches any *Rejection with the same Reason, ignoring the cause.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

// Sentinels for errors.Is checks.
var (
	ErrDeviceOffline   = &Rejection{Reason: ReasonDeviceOffline}
	ErrDeviceBusy      = &Rejection{Reason: ReasonDeviceBusy}
	ErrQuestionPlease  = &Rejection{Reason: ReasonQuestionPlease}
	ErrPeripheralError = &Rejection{Reason: ReasonPeripheralError}
	ErrRejectedUnknown = &Rejection{Reason: ReasonUnknown}
)

// reasonFromCode maps an in-band rejection code back to a Reason.
func reasonFromCode(code byte) Reason {
	if r := Reason(code); r <= ReasonPeripheralError {
		return r
	}
	return ReasonUnknown
}

func reject(reason Reason, cause error) *Rejection {
	return &Rejection{Reason: reason, Err: cause}
}

// RejectionOf returns the Rejection inside err, if any.
func RejectionOf(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
