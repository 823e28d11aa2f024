package dkg

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var tagDecKey = []byte("chilldkg/deckey")

// deriveKey derives a secret scalar from a root seed under a domain
// separation tag, with optional extra context bound in.
func deriveKey(tag []byte, seed [32]byte, extra []byte) *btcec.ModNScalar {
	s := new(btcec.ModNScalar)
	for ctr := uint32(0); ; ctr++ {
		var cb [4]byte
		binary.BigEndian.PutUint32(cb[:], ctr)
		h := chainhash.TaggedHash(tag, seed[:], extra, cb[:])
		s.SetBytes((*[32]byte)(h))
		if !s.IsZero() {
			return s
		}
	}
}

// EncSession is the encrypted-channel session variant. It wraps a BaseSession
// with a preliminary round exchanging ephemeral encryption public keys, and
// encrypts every share individually to its recipient. The ephemeral key
// exchange is unauthenticated at this layer; authenticity is established by
// the agreement check over the transcript, which binds these keys.
type EncSession struct {
	root    [32]byte
	t       int
	self    ParticipantID
	members []ParticipantID
	context []byte

	encSec   *btcec.ModNScalar
	encKey   EncryptionKey
	peerKeys map[ParticipantID]EncryptionKey

	inner   *BaseSession
	vectors map[ParticipantID][]EncryptedShare
	erased  bool
}

// NewEncSession prepares an encrypted-channel session, deriving the ephemeral
// encryption keypair from the root seed. The polynomial seed is derived later,
// once all ephemeral keys are known.
func NewEncSession(root [32]byte, t int, self ParticipantID, members []ParticipantID) (*EncSession, error) {
	return newEncSession(root, t, self, members, deriveKey(tagDecKey, root, nil), nil)
}

func newEncSession(root [32]byte, t int, self ParticipantID, members []ParticipantID, encSec *btcec.ModNScalar, context []byte) (*EncSession, error) {
	if err := validateMembers(t, self, members); err != nil {
		return nil, err
	}

	pub := new(btcec.JacobianPoint)
	btcec.ScalarBaseMultNonConst(encSec, pub)
	pub.ToAffine()

	s := &EncSession{
		root:     root,
		t:        t,
		self:     self,
		members:  members,
		context:  context,
		encSec:   encSec,
		peerKeys: make(map[ParticipantID]EncryptionKey, len(members)),
		vectors:  make(map[ParticipantID][]EncryptedShare, len(members)),
	}
	writePointTo(s.encKey[:], pub)
	s.peerKeys[self] = s.encKey

	return s, nil
}

// EncryptionKey returns this participant's ephemeral encryption public key,
// to be announced to all members before the commitment round.
func (s *EncSession) EncryptionKey() EncryptionKey { return s.encKey }

// HandleEncryptionKey records the ephemeral key announced by another member.
func (s *EncSession) HandleEncryptionKey(from ParticipantID, key EncryptionKey) error {
	if s.inner != nil {
		return ErrSessionState
	}
	if !s.isMember(from) || from == s.self {
		return ErrUnknownParticipant
	}
	if _, ok := s.peerKeys[from]; ok {
		return nil
	}
	if _, err := parsePoint(key[:]); err != nil {
		return &BadParticipantError{ID: from, Reason: "invalid ephemeral encryption key", Err: err}
	}
	s.peerKeys[from] = key
	return nil
}

func (s *EncSession) isMember(id ParticipantID) bool {
	for _, m := range s.members {
		if m == id {
			return true
		}
	}
	return false
}

// KeysComplete reports whether every member's ephemeral key is known.
func (s *EncSession) KeysComplete() bool {
	return len(s.peerKeys) == len(s.members)
}

func (s *EncSession) orderedKeys() []EncryptionKey {
	keys := make([]EncryptionKey, len(s.members))
	for i, m := range s.members {
		keys[i] = s.peerKeys[m]
	}
	return keys
}

func (s *EncSession) memberIndex(id ParticipantID) int {
	for i, m := range s.members {
		if m == id {
			return i
		}
	}
	return -1
}

// Round1 derives the polynomial seed from the root seed and all announced
// ephemeral keys, builds the commitment, and encrypts one share per member.
// The returned vector is ordered like the member list and is broadcast as a
// whole; each recipient decrypts only its own entry.
func (s *EncSession) Round1() (*Commitment, []EncryptedShare, error) {
	if s.inner != nil {
		return nil, nil, ErrSessionState
	}
	if !s.KeysComplete() {
		return nil, nil, fmt.Errorf("still waiting for ephemeral keys from %d members", len(s.members)-len(s.peerKeys))
	}

	seed := SessionSeed(s.root, s.t, s.members, s.orderedKeys(), s.context)
	inner, err := NewBaseSession(seed, s.t, s.self, s.members)
	if err != nil {
		return nil, nil, err
	}
	s.inner = inner

	vector := make([]EncryptedShare, len(s.members))
	for i, m := range s.members {
		enc, err := EncryptShare(s.encSec, s.encKey, s.peerKeys[m], inner.ShareFor(m))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encrypt share for %s: %w", m, err)
		}
		vector[i] = enc
	}
	s.vectors[s.self] = vector

	return inner.Commitment(), vector, nil
}

// Handle decrypts this participant's entry of the sender's share vector and
// verifies it against the sender's commitment.
func (s *EncSession) Handle(from ParticipantID, c *Commitment, vector []EncryptedShare) error {
	if s.inner == nil {
		return ErrSessionState
	}
	if !s.isMember(from) || from == s.self {
		return ErrUnknownParticipant
	}
	if _, ok := s.vectors[from]; ok {
		return nil
	}
	if len(vector) != len(s.members) {
		return &BadParticipantError{ID: from, Reason: fmt.Sprintf("share vector has %d entries, expected %d", len(vector), len(s.members))}
	}

	share, err := DecryptShare(s.encSec, s.encKey, s.peerKeys[from], from, vector[s.memberIndex(s.self)])
	if err != nil {
		return err
	}

	if err := s.inner.Handle(from, c, share); err != nil {
		return err
	}
	s.vectors[from] = vector
	return nil
}

// Complete reports whether commitments and shares from every member have
// been accumulated.
func (s *EncSession) Complete() bool {
	return s.inner != nil && s.inner.Complete()
}

// EqInput extends the base transcript with the ordered ephemeral key list and
// every sender's ciphertext vector, so that agreement also covers key
// distribution and the data needed for recovery.
func (s *EncSession) EqInput() ([]byte, error) {
	if !s.Complete() {
		return nil, ErrSessionState
	}
	for _, m := range s.members {
		if _, ok := s.vectors[m]; !ok {
			return nil, ErrSessionState
		}
	}

	input, err := s.inner.EqInput()
	if err != nil {
		return nil, err
	}
	for _, key := range s.orderedKeys() {
		input = append(input, key[:]...)
	}
	for _, m := range s.members {
		for _, enc := range s.vectors[m] {
			input = append(input, enc.Encode()...)
		}
	}
	return input, nil
}

// Finalize submits the extended transcript to eq and emits the output on
// Success, exactly like the base variant.
func (s *EncSession) Finalize(ctx context.Context, eq Eq) (*Output, Outcome, error) {
	input, err := s.EqInput()
	if err != nil {
		return nil, IndeterminateOutcome(), err
	}
	s.inner.state = stateCommitmentsExchanged

	outcome := eq.Agree(ctx, input)
	if _, ok := outcome.Certificate(); !ok {
		return nil, outcome, nil
	}

	s.inner.state = stateAgreed
	return s.inner.output(), outcome, nil
}

// Erase destroys the session's secret material: the inner polynomial and
// share sum, the ephemeral decryption key and the root seed copy. Requires a
// token from a Fail outcome.
func (s *EncSession) Erase(tok EraseToken) {
	if !tok.ok || s.erased {
		return
	}
	if s.inner != nil {
		s.inner.Erase(tok)
	}
	s.encSec.Zero()
	zeroBytes(s.root[:])
	s.erased = true
}

// pendingFrame buffers a commitment message from a member that finished the
// key round before us, to be replayed once our own round 1 is done.
type pendingFrame struct {
	from ParticipantID
	body []byte
}

// commitRound broadcasts this participant's commitment and ciphertext vector
// and accumulates everyone else's, starting with the frames buffered during
// the preceding key round. Both the encrypted and the deterministic variant
// drive their commit round through here.
func (s *EncSession) commitRound(ctx context.Context, tr Transport, pending []pendingFrame) error {
	_, vector, err := s.Round1()
	if err != nil {
		return err
	}
	if err := tr.Broadcast(ctx, frame(kindCommit, s.inner.Commitment().Encode(), encodeShareVector(vector))); err != nil {
		return err
	}

	handleCommit := func(from ParticipantID, body []byte) error {
		c, vector, err := decodeCommitMsg(body, s.t, len(s.members))
		if err != nil {
			return &BadParticipantError{ID: from, Reason: "malformed commitment message", Err: err}
		}
		return s.Handle(from, c, vector)
	}

	for _, p := range pending {
		if err := handleCommit(p.from, p.body); err != nil {
			return err
		}
	}
	for !s.Complete() {
		from, payload, err := tr.Receive(ctx)
		if err != nil {
			return err
		}
		kind, body, err := splitFrame(payload)
		if err != nil || kind != kindCommit {
			continue
		}
		if err := handleCommit(from, body); err != nil {
			return err
		}
	}
	return nil
}

// Run drives a full encrypted-channel session over tr.
func (s *EncSession) Run(ctx context.Context, tr Transport, eq Eq) (*Output, Outcome, error) {
	if err := tr.Broadcast(ctx, frame(kindEncKey, s.encKey[:])); err != nil {
		return nil, IndeterminateOutcome(), err
	}

	var pending []pendingFrame
	for !s.KeysComplete() {
		from, payload, err := tr.Receive(ctx)
		if err != nil {
			return nil, IndeterminateOutcome(), err
		}
		kind, body, err := splitFrame(payload)
		if err != nil {
			continue
		}
		switch kind {
		case kindEncKey:
			if len(body) != 33 {
				return nil, IndeterminateOutcome(), &BadParticipantError{ID: from, Reason: "malformed encryption key announcement"}
			}
			var key EncryptionKey
			copy(key[:], body)
			if err := s.HandleEncryptionKey(from, key); err != nil {
				return nil, IndeterminateOutcome(), err
			}
		case kindCommit:
			pending = append(pending, pendingFrame{from, body})
		}
	}

	if err := s.commitRound(ctx, tr, pending); err != nil {
		return nil, IndeterminateOutcome(), err
	}

	return s.Finalize(ctx, eq)
}

func encodeShareVector(vector []EncryptedShare) []byte {
	out := make([]byte, 0, len(vector)*EncryptedShareSize)
	for i := range vector {
		out = append(out, vector[i].Encode()...)
	}
	return out
}

func decodeCommitMsg(body []byte, t, n int) (*Commitment, []EncryptedShare, error) {
	if len(body) != commitmentSize(t)+n*EncryptedShareSize {
		return nil, nil, fmt.Errorf("commitment message has %d bytes, expected %d", len(body), commitmentSize(t)+n*EncryptedShareSize)
	}
	c := new(Commitment)
	if err := c.Decode(body[:commitmentSize(t)], t); err != nil {
		return nil, nil, err
	}
	vector := make([]EncryptedShare, n)
	for i := range vector {
		off := commitmentSize(t) + i*EncryptedShareSize
		if err := vector[i].Decode(body[off : off+EncryptedShareSize]); err != nil {
			return nil, nil, err
		}
	}
	return c, vector, nil
}
