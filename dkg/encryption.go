package dkg

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	tagSessionSeed = []byte("chilldkg/sessionseed")
	tagEncKey      = []byte("chilldkg/enckey")
)

// EncryptionKey is a compressed ephemeral encryption public key.
type EncryptionKey [33]byte

// EncryptedShare is the authenticated encryption of a single secret share
// under a key derived from an ephemeral Diffie-Hellman exchange with its
// recipient. Wire layout: 12-byte nonce, 16-byte tag, 32-byte ciphertext.
type EncryptedShare struct {
	Nonce   [chacha20poly1305.NonceSize]byte
	Tag     [16]byte
	Payload [32]byte
}

// EncryptedShareSize is the wire size of an EncryptedShare.
const EncryptedShareSize = chacha20poly1305.NonceSize + 16 + 32

func (e *EncryptedShare) Encode() []byte {
	out := make([]byte, EncryptedShareSize)
	copy(out[0:12], e.Nonce[:])
	copy(out[12:28], e.Tag[:])
	copy(out[28:60], e.Payload[:])
	return out
}

func (e *EncryptedShare) Decode(in []byte) error {
	if len(in) != EncryptedShareSize {
		return fmt.Errorf("encrypted share has %d bytes, expected %d", len(in), EncryptedShareSize)
	}
	copy(e.Nonce[:], in[0:12])
	copy(e.Tag[:], in[12:28])
	copy(e.Payload[:], in[28:60])
	return nil
}

// SessionSeed re-derives the polynomial generation seed for one session from
// the root seed, the threshold, the ordered id list, the ordered ephemeral
// public key list and any extra session context. Retried sessions that differ
// in any of these derive unrelated polynomials, so failed attempts cannot be
// correlated to recover shares.
func SessionSeed(root [32]byte, t int, ids []ParticipantID, encKeys []EncryptionKey, context []byte) [32]byte {
	var tb [4]byte
	binary.BigEndian.PutUint32(tb[:], uint32(t))

	buf := make([]byte, 0, 4+33*len(ids)+33*len(encKeys)+len(context))
	buf = append(buf, tb[:]...)
	for _, id := range ids {
		buf = append(buf, id[:]...)
	}
	for _, ek := range encKeys {
		buf = append(buf, ek[:]...)
	}
	buf = append(buf, context...)

	return *chainhash.TaggedHash(tagSessionSeed, root[:], buf)
}

// sharedKey derives the symmetric key for one (sender, recipient) pair from
// the Diffie-Hellman point and both ephemeral public keys.
func sharedKey(sec *btcec.ModNScalar, pub *btcec.JacobianPoint, senderKey, recipientKey EncryptionKey) [32]byte {
	pt := new(btcec.JacobianPoint)
	btcec.ScalarMultNonConst(sec, pub, pt)
	pt.ToAffine()

	var shared [33]byte
	writePointTo(shared[:], pt)

	return *chainhash.TaggedHash(tagEncKey, shared[:], senderKey[:], recipientKey[:])
}

// EncryptShare encrypts share to the recipient's ephemeral public key using
// the sender's ephemeral secret key.
func EncryptShare(senderSec *btcec.ModNScalar, senderKey, recipientKey EncryptionKey, share *btcec.ModNScalar) (EncryptedShare, error) {
	var enc EncryptedShare

	recipientPub, err := parsePoint(recipientKey[:])
	if err != nil {
		return enc, fmt.Errorf("invalid recipient encryption key: %w", err)
	}

	key := sharedKey(senderSec, recipientPub, senderKey, recipientKey)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return enc, err
	}

	if _, err := rand.Read(enc.Nonce[:]); err != nil {
		return enc, fmt.Errorf("failed to generate nonce: %w", err)
	}

	plain := share.Bytes()
	sealed := aead.Seal(nil, enc.Nonce[:], plain[:], nil)
	copy(enc.Payload[:], sealed[0:32])
	copy(enc.Tag[:], sealed[32:48])

	return enc, nil
}

// DecryptShare decrypts a share received from sender. A failed decryption is
// attributed to the sender as a BadParticipantError.
func DecryptShare(recipientSec *btcec.ModNScalar, recipientKey, senderKey EncryptionKey, sender ParticipantID, enc EncryptedShare) (*btcec.ModNScalar, error) {
	senderPub, err := parsePoint(senderKey[:])
	if err != nil {
		return nil, &BadParticipantError{ID: sender, Reason: "invalid ephemeral encryption key", Err: err}
	}

	key := sharedKey(recipientSec, senderPub, senderKey, recipientKey)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, 48)
	sealed = append(sealed, enc.Payload[:]...)
	sealed = append(sealed, enc.Tag[:]...)

	plain, err := aead.Open(nil, enc.Nonce[:], sealed, nil)
	if err != nil {
		return nil, &BadParticipantError{ID: sender, Reason: "share decryption failed", Err: err}
	}

	share := new(btcec.ModNScalar)
	share.SetByteSlice(plain)
	return share, nil
}

func parsePoint(b []byte) (*btcec.JacobianPoint, error) {
	pk, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, err
	}
	pt := new(btcec.JacobianPoint)
	pk.AsJacobian(pt)
	return pt, nil
}
