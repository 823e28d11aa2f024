package dkg

import "crypto/subtle"

// zeroBytes overwrites b with zeros in a way the compiler cannot optimize
// away.
func zeroBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
