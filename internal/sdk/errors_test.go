package sdk

import (
	"errors"
	"fmt"
	"testing"

	"github.com/chaz8081/magic8ball/internal/ble"
)

func TestKindSlugs(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindTransport, "ITCB-SDK-ERROR-BLUETOOTH"},
		{KindSendFailed, "ITCB-SDK-ERROR-SEND-FAILURE"},
		{KindUnknown, "ITCB-SDK-ERROR-UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.kind.Slug(); got != tt.want {
			t.Errorf("%v.Slug() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestReasonSlugs(t *testing.T) {
	tests := []struct {
		reason Reason
		want   string
	}{
		{ReasonDeviceOffline, "ITCB-SDK-REJECT-OFFLINE"},
		{ReasonDeviceBusy, "ITCB-SDK-REJECT-BUSY"},
		{ReasonQuestionPlease, "ITCB-SDK-REJECT-NO-QUESTION-MARK"},
		{ReasonPeripheralError, "ITCB-SDK-REJECT-PERIPHERAL-ERROR"},
		{ReasonUnknown, "ITCB-SDK-REJECT-UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.reason.Slug(); got != tt.want {
			t.Errorf("%v.Slug() = %q, want %q", tt.reason, got, tt.want)
		}
	}
}

func TestRejectionMatchesSentinelIgnoringCause(t *testing.T) {
	err := sendFailed(reject(ReasonPeripheralError, errors.New("boom")))
	if !errors.Is(err, ErrPeripheralError) {
		t.Errorf("errors.Is(%v, ErrPeripheralError) = false", err)
	}
	if errors.Is(err, ErrDeviceBusy) {
		t.Errorf("errors.Is(%v, ErrDeviceBusy) = true", err)
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", transportError(errors.New("radio off")))
	if !errors.Is(err, &Error{Kind: KindTransport}) {
		t.Error("errors.Is should match on Kind")
	}
	if errors.Is(err, &Error{Kind: KindSendFailed}) {
		t.Error("errors.Is matched the wrong Kind")
	}
}

func TestErrorUnwrapReachesCause(t *testing.T) {
	cause := errors.New("link lost")
	err := transportError(cause)
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestRejectionOf(t *testing.T) {
	r, ok := RejectionOf(sendFailed(reject(ReasonDeviceOffline, nil)))
	if !ok || r.Reason != ReasonDeviceOffline {
		t.Errorf("RejectionOf() = %v, %v", r, ok)
	}
	if _, ok := RejectionOf(transportError(errors.New("x"))); ok {
		t.Error("RejectionOf() found a rejection that is not there")
	}
}

func TestSlugPrefersReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rejection inside send failure", sendFailed(reject(ReasonQuestionPlease, nil)), "ITCB-SDK-REJECT-NO-QUESTION-MARK"},
		{"bare transport", transportError(errors.New("off")), "ITCB-SDK-ERROR-BLUETOOTH"},
		{"foreign", errors.New("other"), "ITCB-SDK-ERROR-UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slug(tt.err); got != tt.want {
				t.Errorf("Slug() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRejectionFor(t *testing.T) {
	other := errors.New("radio hiccup")
	tests := []struct {
		name      string
		err       error
		want      Reason
		wantCause bool
	}{
		{"unlikely error means no question mark", ble.ATTUnlikelyError, ReasonQuestionPlease, false},
		{"wrapped unlikely error", fmt.Errorf("write: %w", ble.ATTUnlikelyError), ReasonQuestionPlease, false},
		{"other ATT error", ble.ATTWriteNotPermitted, ReasonPeripheralError, true},
		{"non-ATT error", other, ReasonUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rejectionFor(tt.err)
			if r.Reason != tt.want {
				t.Errorf("Reason = %v, want %v", r.Reason, tt.want)
			}
			if (r.Err != nil) != tt.wantCause {
				t.Errorf("Err = %v, wantCause %v", r.Err, tt.wantCause)
			}
		})
	}
}
