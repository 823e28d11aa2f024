package dkg

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rs/zerolog"
)

var (
	tagHostKey    = []byte("chilldkg/hostseckey")
	tagSetupID    = []byte("chilldkg/setupid")
	tagKeyBinding = []byte("chilldkg/keybinding")
)

// ErrInvalidRecoveryData is returned when recovery data is malformed or does
// not match the provided seed.
var ErrInvalidRecoveryData = errors.New("invalid recovery data")

// HostIdentity is a participant's long-term identity, derived entirely from a
// single 32-byte root seed. The public half doubles as the ParticipantID. All
// of a participant's secret material in every session is rederivable from
// the seed, so the seed is the only thing that must be backed up.
type HostIdentity struct {
	seed [32]byte
	sec  *btcec.PrivateKey
	id   ParticipantID
}

// NewHostIdentity derives the long-term signing keypair from seed.
func NewHostIdentity(seed [32]byte) *HostIdentity {
	sec := btcec.PrivKeyFromScalar(deriveKey(tagHostKey, seed, nil))
	pub := new(btcec.JacobianPoint)
	sec.PubKey().AsJacobian(pub)
	return &HostIdentity{seed: seed, sec: sec, id: pointID(pub)}
}

// ID returns the host public key, which serves as this participant's id.
func (h *HostIdentity) ID() ParticipantID { return h.id }

// HostID computes the host public key for a seed without keeping the
// identity around.
func HostID(seed [32]byte) ParticipantID { return NewHostIdentity(seed).id }

// SetupParams are the common parameters of a session: the ordered host
// public keys of all participants, the threshold, and free-form application
// context. Every participant must be given an identical tuple.
type SetupParams struct {
	Hosts     []ParticipantID
	Threshold int
	Context   []byte
}

// Validate checks threshold bounds, host key validity and id distinctness.
func (p *SetupParams) Validate() error {
	if p.Threshold < 1 || p.Threshold > len(p.Hosts) {
		return ErrInvalidThreshold
	}
	for i, h := range p.Hosts {
		if !h.valid() {
			return &BadParticipantError{ID: h, Reason: "invalid host public key"}
		}
		for _, prev := range p.Hosts[:i] {
			if prev == h {
				return ErrDuplicateParticipant
			}
		}
	}
	return nil
}

// SetupID returns the collision-resistant fingerprint of the parameters. It
// is compared out of band before any secret material is generated, and is
// the domain separator for all of the session's derivations.
func (p *SetupParams) SetupID() ([32]byte, error) {
	if err := p.Validate(); err != nil {
		return [32]byte{}, err
	}

	buf := make([]byte, 0, 4+33*len(p.Hosts)+len(p.Context))
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.Threshold))
	for _, h := range p.Hosts {
		buf = append(buf, h[:]...)
	}
	buf = append(buf, p.Context...)

	return *chainhash.TaggedHash(tagSetupID, buf), nil
}

// KeyAnnouncement carries an ephemeral encryption key signed with the
// announcing participant's long-term key, binding the ephemeral key to a
// durable identity so a relaying coordinator cannot substitute it.
type KeyAnnouncement struct {
	Key EncryptionKey
	Sig [64]byte
}

func keyBindingMsg(setupID [32]byte, key EncryptionKey) []byte {
	h := chainhash.TaggedHash(tagKeyBinding, setupID[:], key[:])
	return h[:]
}

// Session is the deterministic, recoverable session variant. Every secret it
// uses (signing key, ephemeral encryption key, polynomial seed) is derived by
// domain-separated key derivation from the root seed and the SetupID, so a
// participant holding only its seed and the public transcript of a completed
// session can reconstruct all of its own secret material.
type Session struct {
	host    *HostIdentity
	params  SetupParams
	setupID [32]byte
	enc     *EncSession
	log     zerolog.Logger
}

// NewSession validates params, computes the SetupID and confirms it through
// the out-of-band comparison hook before deriving any secret. A nil compare
// hook skips the check and is only acceptable when the host keys were
// obtained over authenticated channels.
func NewSession(host *HostIdentity, params SetupParams, compare func(setupID [32]byte) bool, log zerolog.Logger) (*Session, error) {
	setupID, err := params.SetupID()
	if err != nil {
		return nil, err
	}
	if compare != nil && !compare(setupID) {
		return nil, ErrSetupMismatch
	}

	encSec := deriveKey(tagDecKey, host.seed, setupID[:])
	enc, err := newEncSession(host.seed, params.Threshold, host.id, params.Hosts, encSec, setupID[:])
	if err != nil {
		return nil, err
	}

	return &Session{
		host:    host,
		params:  params,
		setupID: setupID,
		enc:     enc,
		log:     log,
	}, nil
}

// SetupID returns the fingerprint participants compare out of band.
func (s *Session) SetupID() [32]byte { return s.setupID }

// Announcement returns this participant's signed ephemeral key announcement
// for round 1.
func (s *Session) Announcement() (KeyAnnouncement, error) {
	var ann KeyAnnouncement
	ann.Key = s.enc.EncryptionKey()

	sig, err := schnorr.Sign(s.host.sec, keyBindingMsg(s.setupID, ann.Key))
	if err != nil {
		return ann, fmt.Errorf("failed to sign ephemeral key: %w", err)
	}
	copy(ann.Sig[:], sig.Serialize())
	return ann, nil
}

// HandleAnnouncement verifies the announcement's signature against the
// sender's long-term identity before accepting the ephemeral key.
func (s *Session) HandleAnnouncement(from ParticipantID, ann KeyAnnouncement) error {
	if !verifyHostSig(from, keyBindingMsg(s.setupID, ann.Key), ann.Sig[:]) {
		return &BadParticipantError{ID: from, Reason: "invalid signature on ephemeral key announcement"}
	}
	return s.enc.HandleEncryptionKey(from, ann.Key)
}

// Round2 delegates to the encrypted variant's commitment round once all
// announcements have been verified.
func (s *Session) Round2() (*Commitment, []EncryptedShare, error) {
	return s.enc.Round1()
}

// Handle accumulates another member's commitment and encrypted share vector.
func (s *Session) Handle(from ParticipantID, c *Commitment, vector []EncryptedShare) error {
	return s.enc.Handle(from, c, vector)
}

// KeysComplete reports whether all announcement have been received.
func (s *Session) KeysComplete() bool { return s.enc.KeysComplete() }

// Complete reports whether all commitments and shares have been received.
func (s *Session) Complete() bool { return s.enc.Complete() }

// Finalize runs the certifying agreement protocol over tr, keyed by the
// long-term host identities with the SetupID as bound context. On Success it
// returns the session output together with the recovery data that allows any
// participant to later reconstruct its result from its seed alone.
func (s *Session) Finalize(ctx context.Context, tr Transport) (*Output, RecoveryData, Outcome, error) {
	eq := NewCertEq(s.host.sec, s.params.Hosts, s.setupID[:], tr, s.log)

	out, outcome, err := s.enc.Finalize(ctx, eq)
	if err != nil {
		return nil, nil, outcome, err
	}

	cert, ok := outcome.Certificate()
	if !ok {
		return nil, nil, outcome, nil
	}
	return out, s.recoveryData(cert), outcome, nil
}

// Erase destroys the session's secret material. The long-term host identity
// is not touched; only per-session secrets are erased.
func (s *Session) Erase(tok EraseToken) { s.enc.Erase(tok) }

// Run drives a complete session over tr: announcement round, commitment
// round, then the agreement check. It blocks until the session resolves or
// ctx expires; expiry yields an Indeterminate outcome with all secret
// material retained.
func (s *Session) Run(ctx context.Context, tr Transport) (*Output, RecoveryData, Outcome, error) {
	ann, err := s.Announcement()
	if err != nil {
		return nil, nil, IndeterminateOutcome(), err
	}
	if err := tr.Broadcast(ctx, frame(kindEncKey, ann.Key[:], ann.Sig[:])); err != nil {
		return nil, nil, IndeterminateOutcome(), err
	}

	var pending []pendingFrame
	for !s.KeysComplete() {
		from, payload, err := tr.Receive(ctx)
		if err != nil {
			return nil, nil, IndeterminateOutcome(), err
		}
		kind, body, err := splitFrame(payload)
		if err != nil {
			continue
		}
		switch kind {
		case kindEncKey:
			if len(body) != 33+64 {
				return nil, nil, IndeterminateOutcome(), &BadParticipantError{ID: from, Reason: "malformed key announcement"}
			}
			var recv KeyAnnouncement
			copy(recv.Key[:], body[:33])
			copy(recv.Sig[:], body[33:])
			if err := s.HandleAnnouncement(from, recv); err != nil {
				return nil, nil, IndeterminateOutcome(), err
			}
		case kindCommit:
			pending = append(pending, pendingFrame{from, body})
		}
	}

	if err := s.enc.commitRound(ctx, tr, pending); err != nil {
		return nil, nil, IndeterminateOutcome(), err
	}

	return s.Finalize(ctx, tr)
}

// RecoveryData is the public transcript of a completed session plus its
// certificate. Together with the root seed it suffices to reconstruct the
// session's output; it contains no secret material and may be stored
// anywhere, or obtained later from any other participant.
type RecoveryData []byte

func (s *Session) recoveryData(cert Certificate) RecoveryData {
	n := len(s.params.Hosts)
	t := s.params.Threshold

	out := make([]byte, 0, 12+len(s.params.Context)+n*66+n*commitmentSize(t)+n*n*EncryptedShareSize+len(cert))
	out = binary.BigEndian.AppendUint32(out, uint32(t))
	out = binary.BigEndian.AppendUint32(out, uint32(n))
	out = binary.BigEndian.AppendUint32(out, uint32(len(s.params.Context)))
	out = append(out, s.params.Context...)
	for _, h := range s.params.Hosts {
		out = append(out, h[:]...)
	}
	for _, key := range s.enc.orderedKeys() {
		out = append(out, key[:]...)
	}
	for _, h := range s.params.Hosts {
		out = append(out, s.enc.inner.transcript.Commitment(h).Encode()...)
	}
	for _, h := range s.params.Hosts {
		out = append(out, encodeShareVector(s.enc.vectors[h])...)
	}
	out = append(out, cert...)
	return out
}

// Recover reconstructs the DKG output of a completed session from the root
// seed and the session's recovery data. It serves both to convert a
// participant that was left Indeterminate once another participant's
// recovery data surfaces, and to restore outputs on a new device from a seed
// backup.
func Recover(seed [32]byte, rec RecoveryData) (*Output, SetupParams, error) {
	var params SetupParams

	rest := []byte(rec)
	if len(rest) < 12 {
		return nil, params, fmt.Errorf("%w: truncated header", ErrInvalidRecoveryData)
	}
	t := int(binary.BigEndian.Uint32(rest[0:4]))
	n := int(binary.BigEndian.Uint32(rest[4:8]))
	ctxLen := int(binary.BigEndian.Uint32(rest[8:12]))
	rest = rest[12:]

	if t < 1 || n < 1 || t > n || n > 1<<16 || ctxLen > len(rest) {
		return nil, params, fmt.Errorf("%w: implausible dimensions", ErrInvalidRecoveryData)
	}

	expect := ctxLen + n*66 + n*commitmentSize(t) + n*n*EncryptedShareSize + CertificateSize(n)
	if len(rest) != expect {
		return nil, params, fmt.Errorf("%w: have %d bytes, expected %d", ErrInvalidRecoveryData, len(rest), expect)
	}

	params.Threshold = t
	params.Context = append([]byte(nil), rest[:ctxLen]...)
	rest = rest[ctxLen:]

	params.Hosts = make([]ParticipantID, n)
	for i := range params.Hosts {
		copy(params.Hosts[i][:], rest[i*33:(i+1)*33])
	}
	rest = rest[n*33:]

	encKeys := make([]EncryptionKey, n)
	for i := range encKeys {
		copy(encKeys[i][:], rest[i*33:(i+1)*33])
	}
	rest = rest[n*33:]

	setupID, err := params.SetupID()
	if err != nil {
		return nil, params, fmt.Errorf("%w: %w", ErrInvalidRecoveryData, err)
	}

	transcript := NewTranscript()
	for i := 0; i < n; i++ {
		c := new(Commitment)
		if err := c.Decode(rest[i*commitmentSize(t):(i+1)*commitmentSize(t)], t); err != nil {
			return nil, params, fmt.Errorf("%w: %w", ErrInvalidRecoveryData, err)
		}
		transcript.Add(params.Hosts[i], c)
	}
	rest = rest[n*commitmentSize(t):]

	vectors := make([][]EncryptedShare, n)
	for i := range vectors {
		vectors[i] = make([]EncryptedShare, n)
		for j := range vectors[i] {
			off := (i*n + j) * EncryptedShareSize
			if err := vectors[i][j].Decode(rest[off : off+EncryptedShareSize]); err != nil {
				return nil, params, fmt.Errorf("%w: %w", ErrInvalidRecoveryData, err)
			}
		}
	}
	rest = rest[n*n*EncryptedShareSize:]

	cert := Certificate(rest)

	// rebuild the transcript value exactly as the live session did and check
	// the certificate against it
	eqInput := transcript.Canonical()
	for _, key := range encKeys {
		eqInput = append(eqInput, key[:]...)
	}
	for i := range vectors {
		eqInput = append(eqInput, encodeShareVector(vectors[i])...)
	}
	if !VerifyCertificate(params.Hosts, setupID[:], eqInput, cert) {
		return nil, params, fmt.Errorf("%w: certificate does not verify", ErrInvalidRecoveryData)
	}

	host := NewHostIdentity(seed)
	idx := -1
	for i, h := range params.Hosts {
		if h == host.id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, params, fmt.Errorf("%w: seed does not belong to any session participant", ErrInvalidRecoveryData)
	}

	encSec := deriveKey(tagDecKey, seed, setupID[:])
	shareSum := new(btcec.ModNScalar)
	for j := 0; j < n; j++ {
		share, err := DecryptShare(encSec, encKeys[idx], encKeys[j], params.Hosts[j], vectors[j][idx])
		if err != nil {
			return nil, params, fmt.Errorf("%w: %w", ErrInvalidRecoveryData, err)
		}
		shareSum.Add(share)
	}

	cs := transcript.Commitments()
	members := make(map[ParticipantID]*btcec.JacobianPoint, n)
	for _, h := range params.Hosts {
		members[h] = MemberKey(cs, h)
	}

	image := new(btcec.JacobianPoint)
	btcec.ScalarBaseMultNonConst(shareSum, image)
	image.ToAffine()
	expected := members[host.id]
	if !image.X.Equals(&expected.X) || !image.Y.Equals(&expected.Y) {
		return nil, params, fmt.Errorf("%w: recovered share does not match its public image", ErrInvalidRecoveryData)
	}

	return &Output{
		SecretShare: shareSum,
		GroupKey:    AggregateKey(cs),
		MemberKeys:  members,
	}, params, nil
}
