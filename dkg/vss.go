package dkg

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	tagCoefficient = []byte("chilldkg/coefficient")
	tagEvalPoint   = []byte("chilldkg/evalpoint")
	tagPoP         = []byte("chilldkg/pop")
)

// Polynomial over scalars, represented as a list of t coefficients.
// The constant term is in the first position and is the dealer's secret
// contribution to the shared key.
type Polynomial []*btcec.ModNScalar

// GeneratePolynomial derives the t coefficients of a secret polynomial
// deterministically from seed. The same seed and threshold always produce the
// same polynomial.
func GeneratePolynomial(seed [32]byte, t int) (Polynomial, error) {
	if t < 1 {
		return nil, ErrInvalidThreshold
	}

	p := make(Polynomial, t)
	for i := range p {
		var idx [8]byte
		binary.BigEndian.PutUint32(idx[0:4], uint32(i))

		s := new(btcec.ModNScalar)
		for ctr := uint32(0); ; ctr++ {
			binary.BigEndian.PutUint32(idx[4:8], ctr)
			h := chainhash.TaggedHash(tagCoefficient, seed[:], idx[:])
			s.SetBytes((*[32]byte)(h))
			if !s.IsZero() {
				break
			}
		}
		p[i] = s
	}

	return p, nil
}

// Evaluate evaluates the polynomial p at point x using Horner's method.
func (p Polynomial) Evaluate(x *btcec.ModNScalar) *btcec.ModNScalar {
	// since value is an accumulator and starts with 0, we can skip multiplying by x, and start from the end
	value := new(btcec.ModNScalar).Set(p[len(p)-1])
	for i := len(p) - 2; i >= 0; i-- {
		value = value.Mul(x).Add(p[i])
	}

	return value
}

// EvalPoint maps a participant id to its polynomial evaluation point via a
// fixed domain-separated hash.
func EvalPoint(id ParticipantID) *btcec.ModNScalar {
	h := chainhash.TaggedHash(tagEvalPoint, id[:])
	s := new(btcec.ModNScalar)
	s.SetBytes((*[32]byte)(h))
	return s
}

// ShareFor evaluates the polynomial at the evaluation point of id, producing
// the secret share the dealer owes that recipient.
func (p Polynomial) ShareFor(id ParticipantID) *btcec.ModNScalar {
	return p.Evaluate(EvalPoint(id))
}

// Commitment is a verifiable secret sharing commitment to a polynomial: one
// group element per coefficient, plus a proof-of-knowledge signature over the
// constant-term commitment made with the constant term itself as signing key.
type Commitment struct {
	Points []*btcec.JacobianPoint
	PoK    [64]byte
}

func popMessage() []byte {
	// the proof of knowledge signs the empty message under its own tag
	h := chainhash.TaggedHash(tagPoP, nil)
	return h[:]
}

// Commit builds the commitment to each of the polynomial's coefficients and
// attaches the proof of knowledge of the constant term.
func Commit(p Polynomial) (*Commitment, error) {
	c := &Commitment{Points: make([]*btcec.JacobianPoint, len(p))}
	for i, coeff := range p {
		pt := &btcec.JacobianPoint{}
		btcec.ScalarBaseMultNonConst(coeff, pt)
		pt.ToAffine()
		c.Points[i] = pt
	}

	sig, err := schnorr.Sign(btcec.PrivKeyFromScalar(p[0]), popMessage())
	if err != nil {
		return nil, fmt.Errorf("failed to sign proof of knowledge: %w", err)
	}
	copy(c.PoK[:], sig.Serialize())

	return c, nil
}

// Threshold returns the threshold t the commitment was built for.
func (c *Commitment) Threshold() int { return len(c.Points) }

// evalExponent evaluates the committed polynomial "in the exponent" at point
// x: a weighted sum of the commitment points with the powers of x, i.e. the
// public image of the polynomial's value at x.
func (c *Commitment) evalExponent(x *btcec.ModNScalar) *btcec.JacobianPoint {
	value := new(btcec.JacobianPoint)
	value.Set(c.Points[len(c.Points)-1])
	for i := len(c.Points) - 2; i >= 0; i-- {
		next := new(btcec.JacobianPoint)
		btcec.ScalarMultNonConst(x, value, next)
		btcec.AddNonConst(next, c.Points[i], value)
	}
	value.ToAffine()
	return value
}

// verifyPoK checks the proof-of-knowledge signature against the constant-term
// commitment.
func (c *Commitment) verifyPoK() bool {
	sig, err := schnorr.ParseSignature(c.PoK[:])
	if err != nil {
		return false
	}
	pub, err := schnorr.ParsePubKey(c.Points[0].X.Bytes()[:])
	if err != nil {
		return false
	}
	return sig.Verify(popMessage(), pub)
}

// VerifyShare checks that share is a valid evaluation of the polynomial that
// sender committed to, at the evaluation point of recipient, and that the
// commitment carries a valid proof of knowledge. Any failure is attributed to
// the sender.
func VerifyShare(sender ParticipantID, c *Commitment, recipient ParticipantID, share *btcec.ModNScalar) error {
	if !c.verifyPoK() {
		return &BadParticipantError{ID: sender, Reason: "invalid proof of knowledge on commitment"}
	}

	expected := c.evalExponent(EvalPoint(recipient))

	got := new(btcec.JacobianPoint)
	btcec.ScalarBaseMultNonConst(share, got)
	got.ToAffine()

	if !expected.X.Equals(&got.X) || !expected.Y.Equals(&got.Y) {
		return &BadParticipantError{ID: sender, Reason: "share does not match commitment"}
	}
	return nil
}

// VerifyCommitment checks structural validity of a received commitment: the
// expected threshold, valid non-identity points and a valid proof of
// knowledge.
func VerifyCommitment(sender ParticipantID, c *Commitment, t int) error {
	if len(c.Points) != t {
		return &BadParticipantError{ID: sender, Reason: fmt.Sprintf("commitment has %d elements, expected %d", len(c.Points), t)}
	}
	for _, pt := range c.Points {
		if pt == nil || (pt.X.IsZero() && pt.Y.IsZero()) {
			return &BadParticipantError{ID: sender, Reason: "commitment contains the point at infinity"}
		}
	}
	if !c.verifyPoK() {
		return &BadParticipantError{ID: sender, Reason: "invalid proof of knowledge on commitment"}
	}
	return nil
}

// AggregateKey sums the constant-term commitments of all dealers, yielding
// the shared public key.
func AggregateKey(commitments []*Commitment) *btcec.JacobianPoint {
	sum := new(btcec.JacobianPoint)
	for _, c := range commitments {
		btcec.AddNonConst(sum, c.Points[0], sum)
	}
	sum.ToAffine()
	return sum
}

// MemberKey computes the individual public key of id: the sum over all
// dealers of their commitment evaluated in the exponent at id's evaluation
// point. It is the public image of id's final secret share.
func MemberKey(commitments []*Commitment, id ParticipantID) *btcec.JacobianPoint {
	x := EvalPoint(id)
	sum := new(btcec.JacobianPoint)
	for _, c := range commitments {
		btcec.AddNonConst(sum, c.evalExponent(x), sum)
	}
	sum.ToAffine()
	return sum
}

// commitmentSize is the wire size of a commitment for threshold t.
func commitmentSize(t int) int { return 33*t + 64 }

// Encode serializes c as t compressed points followed by the 64-byte proof of
// knowledge.
func (c *Commitment) Encode() []byte {
	out := make([]byte, commitmentSize(len(c.Points)))
	for i, pt := range c.Points {
		writePointTo(out[i*33:(i+1)*33], pt)
	}
	copy(out[len(c.Points)*33:], c.PoK[:])
	return out
}

// Decode deserializes the compact encoding produced by Encode for a known
// threshold t.
func (c *Commitment) Decode(in []byte, t int) error {
	if t < 1 {
		return ErrInvalidThreshold
	}
	if len(in) != commitmentSize(t) {
		return fmt.Errorf("commitment encoding has %d bytes, expected %d", len(in), commitmentSize(t))
	}

	c.Points = make([]*btcec.JacobianPoint, t)
	for i := range c.Points {
		pk, err := secp256k1.ParsePubKey(in[i*33 : (i+1)*33])
		if err != nil {
			return fmt.Errorf("failed to decode commitment element %d: %w", i, err)
		}
		c.Points[i] = new(btcec.JacobianPoint)
		pk.AsJacobian(c.Points[i])
	}
	copy(c.PoK[:], in[t*33:])

	return nil
}

func writePointTo(out []byte, pt *btcec.JacobianPoint) {
	if pt.Y.IsOdd() {
		out[0] = secp256k1.PubKeyFormatCompressedOdd
	} else {
		out[0] = secp256k1.PubKeyFormatCompressedEven
	}
	pt.X.PutBytesUnchecked(out[1:])
}

func pointID(pt *btcec.JacobianPoint) ParticipantID {
	var id ParticipantID
	writePointTo(id[:], pt)
	return id
}
