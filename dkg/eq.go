package dkg

import (
	"context"
)

// Certificate is an ordered sequence of 64-byte signatures over the agreed
// transcript value, one per expected host identity, in canonical ascending-id
// order.
type Certificate []byte

const sigSize = 64

// CertificateSize returns the wire size of a certificate for n participants.
func CertificateSize(n int) int { return n * sigSize }

// Signature returns the i-th signature of the certificate.
func (c Certificate) Signature(i int) []byte {
	return c[i*sigSize : (i+1)*sigSize]
}

// Eq is the agreement abstraction a session drives its canonicalized
// transcript value through before trusting the result. Agree is evaluated
// once per session per participant.
//
// Implementations must provide:
//   - Integrity: if any honest participant observes Success, the transcript
//     values submitted by honest participants are all equal.
//   - Consistency: if any honest participant observes Success, no honest
//     participant observes Fail.
//   - Conditional termination: if any honest participant observes Success,
//     every other honest participant eventually observes Success.
//
// Full termination is not guaranteed; Indeterminate is a legitimate permanent
// state under message loss.
type Eq interface {
	Agree(ctx context.Context, x []byte) Outcome
}

type agreementStatus int

const (
	statusIndeterminate agreementStatus = iota
	statusSuccess
	statusFail
)

// Outcome is the tri-state result of the agreement check. The zero value is
// Indeterminate.
type Outcome struct {
	status agreementStatus
	cert   Certificate
}

// SuccessOutcome wraps a certificate proving that all expected participants
// endorsed the same transcript value.
func SuccessOutcome(cert Certificate) Outcome {
	return Outcome{status: statusSuccess, cert: cert}
}

// FailOutcome marks the agreement as definitively failed. It is the only
// outcome from which an EraseToken can be obtained.
func FailOutcome() Outcome {
	return Outcome{status: statusFail}
}

// IndeterminateOutcome marks the agreement as unresolved. Secret material
// must be retained: another honest participant may already consider the
// session successful.
func IndeterminateOutcome() Outcome {
	return Outcome{}
}

// Certificate returns the success certificate, if the outcome is Success.
func (o Outcome) Certificate() (Certificate, bool) {
	if o.status != statusSuccess {
		return nil, false
	}
	return o.cert, true
}

// Indeterminate reports whether the agreement is still unresolved.
func (o Outcome) Indeterminate() bool { return o.status == statusIndeterminate }

// Failed returns an EraseToken if and only if the agreement definitively
// failed. Holding a token is the only way to destroy a session's secret
// material.
func (o Outcome) Failed() (EraseToken, bool) {
	if o.status != statusFail {
		return EraseToken{}, false
	}
	return EraseToken{ok: true}, true
}

// EraseToken authorizes the destruction of a session's secret material. It
// can only be obtained from a Fail outcome, which structurally prevents
// erasing secrets while the outcome is Indeterminate.
type EraseToken struct {
	ok bool
}
