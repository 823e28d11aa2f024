package dkg

import (
	"github.com/btcsuite/btcd/btcec/v2"
)

// computeLambda derives the Lagrange interpolating coefficient at zero for
// the evaluation point of id among the evaluation points of participants.
// This function is not public to protect its usage, as the following
// conditions MUST be met.
// - id is a member of participants.
// - there are no duplicates in participants.
func computeLambda(id ParticipantID, participants []ParticipantID) *btcec.ModNScalar {
	xi := EvalPoint(id)
	numerator := new(btcec.ModNScalar).SetInt(1)
	denominator := new(btcec.ModNScalar).SetInt(1)

	for _, part := range participants {
		if part == id {
			continue
		}

		xj := EvalPoint(part)
		numerator.Mul(xj)
		denominator.Mul(new(btcec.ModNScalar).Set(xj).Add(new(btcec.ModNScalar).NegateVal(xi)))
	}

	return numerator.Mul(denominator.InverseNonConst())
}

// InterpolateAtZero combines the secret shares of any t participants into the
// value of the underlying joint polynomial at zero. The public image of the
// result is the shared public key. Callers must pass at least t distinct
// entries; extra entries are harmless.
func InterpolateAtZero(shares map[ParticipantID]*btcec.ModNScalar) *btcec.ModNScalar {
	ids := make([]ParticipantID, 0, len(shares))
	for id := range shares {
		ids = append(ids, id)
	}

	sum := new(btcec.ModNScalar)
	for id, share := range shares {
		term := computeLambda(id, ids)
		term.Mul(share)
		sum.Add(term)
	}
	return sum
}
