package protocol

import (
	"errors"
	"testing"
)

func TestRejectionRoundTrip(t *testing.T) {
	value := EncodeRejection(3)
	code, ok := DecodeRejection(value)
	if !ok || code != 3 {
		t.Errorf("DecodeRejection(%v) = %d, %v; want 3, true", value, code, ok)
	}
}

func TestDecodeRejectionIgnoresAnswers(t *testing.T) {
	for _, value := range [][]byte{
		[]byte("Yes"),
		[]byte("No"),
		{RejectionMarker},
		{RejectionMarker, 1, 2},
		nil,
	} {
		if _, ok := DecodeRejection(value); ok {
			t.Errorf("DecodeRejection(%v) should not match", value)
		}
	}
}

func TestEncodeAnswerRefusesRejectionMarker(t *testing.T) {
	_, err := EncodeAnswer("\x00\x03")
	if !errors.Is(err, ErrReserved) {
		t.Errorf("EncodeAnswer() error = %v, want ErrReserved", err)
	}
}
