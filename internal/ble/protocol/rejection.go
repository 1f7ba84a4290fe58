package protocol

// RejectionMarker starts an answer-characteristic value that carries a
// rejection instead of an answer. Stacks that acknowledge every write
// before the application sees it cannot return an ATT error, so the
// Peripheral notifies {RejectionMarker, code} instead.
const RejectionMarker byte = 0x00

// EncodeRejection builds the in-band rejection value for code.
func EncodeRejection(code byte) []byte {
	return []byte{RejectionMarker, code}
}

// DecodeRejection reports whether value is an in-band rejection and
// returns its code.
func DecodeRejection(value []byte) (byte, bool) {
	if len(value) != 2 || value[0] != RejectionMarker {
		return 0, false
	}
	return value[1], true
}
