package dkg

import (
	"fmt"
)

// Message kinds multiplexed over a single Transport. One byte of kind
// precedes every payload.
const (
	kindEncKey  byte = 1 // ephemeral encryption key announcement
	kindCommit  byte = 2 // commitment + encrypted share vector (broadcast)
	kindShare   byte = 3 // commitment + plaintext share (direct, base variant)
	kindCertSig byte = 4 // certeq signature
	kindCert    byte = 5 // certeq certificate
)

func frame(kind byte, parts ...[]byte) []byte {
	size := 1
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 1, size)
	out[0] = kind
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func splitFrame(payload []byte) (byte, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("empty message")
	}
	return payload[0], payload[1:], nil
}
