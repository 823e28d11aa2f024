package dkg

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Output is the result of a successful session: this participant's secret
// share (never persisted in plaintext), the shared public key, and every
// participant's individual public key. It is the only artifact meant for
// long-term retention.
type Output struct {
	SecretShare *btcec.ModNScalar
	GroupKey    *btcec.JacobianPoint
	MemberKeys  map[ParticipantID]*btcec.JacobianPoint
}

type sessionState int

const (
	stateInit sessionState = iota
	stateCommitmentsExchanged
	stateAgreed
)

// BaseSession is the session variant that assumes authenticated
// point-to-point channels are provided externally. Participants exchange
// (commitment, share) pairs directly, verify everything received, and submit
// the canonicalized transcript to an Eq implementation.
type BaseSession struct {
	t       int
	self    ParticipantID
	members []ParticipantID

	poly       Polynomial
	commitment *Commitment
	shareSum   *btcec.ModNScalar
	transcript *Transcript
	state      sessionState
	erased     bool
}

// validateMembers rejects malformed thresholds and duplicate ids before any
// round begins, and checks that self is one of the members.
func validateMembers(t int, self ParticipantID, members []ParticipantID) error {
	if t < 1 || t > len(members) {
		return ErrInvalidThreshold
	}

	found := false
	for i, m := range members {
		for _, prev := range members[:i] {
			if prev == m {
				return ErrDuplicateParticipant
			}
		}
		if m == self {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("own id %s is not among the session members", self)
	}
	return nil
}

// NewBaseSession derives this participant's polynomial from seed and prepares
// the session. The id list must contain self and no duplicates.
func NewBaseSession(seed [32]byte, t int, self ParticipantID, members []ParticipantID) (*BaseSession, error) {
	if err := validateMembers(t, self, members); err != nil {
		return nil, err
	}

	poly, err := GeneratePolynomial(seed, t)
	if err != nil {
		return nil, err
	}
	commitment, err := Commit(poly)
	if err != nil {
		return nil, err
	}

	s := &BaseSession{
		t:          t,
		self:       self,
		members:    members,
		poly:       poly,
		commitment: commitment,
		shareSum:   poly.ShareFor(self),
		transcript: NewTranscript(),
	}
	s.transcript.Add(self, commitment)

	return s, nil
}

// Commitment returns this participant's own commitment, to be sent to every
// other member alongside their share.
func (s *BaseSession) Commitment() *Commitment { return s.commitment }

// ShareFor evaluates this participant's polynomial for the given recipient.
func (s *BaseSession) ShareFor(id ParticipantID) *btcec.ModNScalar {
	return s.poly.ShareFor(id)
}

func (s *BaseSession) isMember(id ParticipantID) bool {
	for _, m := range s.members {
		if m == id {
			return true
		}
	}
	return false
}

// Handle verifies and accumulates the (commitment, share) pair received from
// another member. Verification failures are attributed to the sender; they
// are locally fatal to the session since there is no way to exclude a bad
// dealer and continue. Duplicate deliveries are ignored.
func (s *BaseSession) Handle(from ParticipantID, c *Commitment, share *btcec.ModNScalar) error {
	if s.state != stateInit {
		return ErrSessionState
	}
	if !s.isMember(from) || from == s.self {
		return ErrUnknownParticipant
	}
	if s.transcript.Has(from) {
		return nil
	}

	if err := VerifyCommitment(from, c, s.t); err != nil {
		return err
	}
	if err := VerifyShare(from, c, s.self, share); err != nil {
		return err
	}

	s.transcript.Add(from, c)
	s.shareSum.Add(share)
	return nil
}

// Complete reports whether a pair from every member has been accumulated.
func (s *BaseSession) Complete() bool {
	return s.transcript.Len() == len(s.members)
}

// EqInput returns the canonicalized transcript value to be driven through the
// agreement check.
func (s *BaseSession) EqInput() ([]byte, error) {
	if !s.Complete() {
		return nil, ErrSessionState
	}
	return s.transcript.Canonical(), nil
}

func (s *BaseSession) output() *Output {
	cs := s.transcript.Commitments()
	members := make(map[ParticipantID]*btcec.JacobianPoint, len(s.members))
	for _, id := range s.members {
		members[id] = MemberKey(cs, id)
	}
	return &Output{
		SecretShare: new(btcec.ModNScalar).Set(s.shareSum),
		GroupKey:    AggregateKey(cs),
		MemberKeys:  members,
	}
}

// Finalize submits the transcript value to eq and, on a definitive Success,
// emits the session output. On Indeterminate the output is withheld but all
// secret material is retained; on Fail the caller obtains an EraseToken from
// the outcome and should call Erase.
func (s *BaseSession) Finalize(ctx context.Context, eq Eq) (*Output, Outcome, error) {
	input, err := s.EqInput()
	if err != nil {
		return nil, IndeterminateOutcome(), err
	}
	s.state = stateCommitmentsExchanged

	outcome := eq.Agree(ctx, input)
	if _, ok := outcome.Certificate(); !ok {
		return nil, outcome, nil
	}

	s.state = stateAgreed
	return s.output(), outcome, nil
}

// Erase irrecoverably destroys the session's secret material. It requires an
// EraseToken, which only a Fail outcome yields: secrets must never be erased
// while the outcome is Indeterminate, because another honest participant may
// already consider the session successful.
func (s *BaseSession) Erase(tok EraseToken) {
	if !tok.ok || s.erased {
		return
	}
	for _, coeff := range s.poly {
		coeff.Zero()
	}
	s.shareSum.Zero()
	s.erased = true
}

// Run drives a full base session over tr: it sends every member its
// (commitment, share) pair, accumulates the pairs received, and finalizes
// through eq.
func (s *BaseSession) Run(ctx context.Context, tr Transport, eq Eq) (*Output, Outcome, error) {
	for _, m := range s.members {
		if m == s.self {
			continue
		}
		share := s.ShareFor(m).Bytes()
		if err := tr.Send(ctx, m, frame(kindShare, s.commitment.Encode(), share[:])); err != nil {
			return nil, IndeterminateOutcome(), err
		}
	}

	for !s.Complete() {
		from, payload, err := tr.Receive(ctx)
		if err != nil {
			return nil, IndeterminateOutcome(), err
		}
		kind, body, err := splitFrame(payload)
		if err != nil || kind != kindShare {
			continue
		}

		c, share, err := decodeSharePair(body, s.t)
		if err != nil {
			return nil, IndeterminateOutcome(), &BadParticipantError{ID: from, Reason: "malformed share message", Err: err}
		}
		if err := s.Handle(from, c, share); err != nil {
			return nil, IndeterminateOutcome(), err
		}
	}

	return s.Finalize(ctx, eq)
}

func decodeSharePair(body []byte, t int) (*Commitment, *btcec.ModNScalar, error) {
	if len(body) != commitmentSize(t)+32 {
		return nil, nil, fmt.Errorf("share message has %d bytes, expected %d", len(body), commitmentSize(t)+32)
	}
	c := new(Commitment)
	if err := c.Decode(body[:commitmentSize(t)], t); err != nil {
		return nil, nil, err
	}
	share := new(btcec.ModNScalar)
	share.SetByteSlice(body[commitmentSize(t):])
	return c, share, nil
}
