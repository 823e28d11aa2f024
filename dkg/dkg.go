// Package dkg implements a distributed key generation protocol for threshold
// Schnorr signing on secp256k1. A group of n mutually distrustful participants
// jointly derive a shared public key and individual secret shares such that any
// t of them can later sign, without the shared secret key ever existing in one
// place.
//
// The package is layered: a Pedersen VSS engine at the bottom, an
// authenticated-channel session on top of it, an encrypted-channel session
// wrapping that, and a deterministic recoverable session (with long-term host
// identities and out-of-band parameter confirmation) at the top. Sessions
// confirm a consistent view of the protocol transcript through the Eq
// agreement abstraction before trusting any result.
package dkg

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ParticipantID identifies a participant within a session. It is an opaque
// 33-byte value (a compressed group element); ids are not positional indexes
// and are only required to be mutually distinct among honest participants.
type ParticipantID [33]byte

func (id ParticipantID) String() string {
	return hex.EncodeToString(id[:8])
}

// Hex returns the full hex representation of the id.
func (id ParticipantID) Hex() string {
	return hex.EncodeToString(id[:])
}

// ParticipantIDFromHex parses a 33-byte hex-encoded id.
func ParticipantIDFromHex(s string) (ParticipantID, error) {
	var id ParticipantID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid participant id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid participant id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// valid reports whether the id parses as a compressed curve point.
func (id ParticipantID) valid() bool {
	_, err := secp256k1.ParsePubKey(id[:])
	return err == nil
}

func compareIDs(a, b ParticipantID) int {
	return bytes.Compare(a[:], b[:])
}

var (
	// ErrInvalidThreshold is returned when a threshold t does not satisfy
	// 1 <= t <= n. It is always detected before any network interaction.
	ErrInvalidThreshold = errors.New("threshold must satisfy 1 <= t <= n")

	// ErrDuplicateParticipant is returned when a session is configured with
	// two identical participant ids. Detected before round 1 begins.
	ErrDuplicateParticipant = errors.New("duplicate participant id")

	// ErrSetupMismatch is returned when the out-of-band comparison of the
	// setup fingerprint fails. No secret material has been generated yet
	// when this happens.
	ErrSetupMismatch = errors.New("setup id mismatch, aborting before secret generation")

	// ErrUnknownParticipant is returned when a message arrives from an id
	// that is not part of the session.
	ErrUnknownParticipant = errors.New("message from unknown participant")

	// ErrSessionState is returned when a round entry point is called out of
	// order.
	ErrSessionState = errors.New("operation not valid in current session state")
)

// BadParticipantError reports that a specific peer's commitment, share or
// signature failed verification. There is no way to exclude the peer and
// continue; the enclosing session must decide to abort.
type BadParticipantError struct {
	ID     ParticipantID
	Reason string
	Err    error
}

func (e *BadParticipantError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("participant %s: %s: %v", e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("participant %s: %s", e.ID, e.Reason)
}

func (e *BadParticipantError) Unwrap() error { return e.Err }

// Transport is the message relay collaborator. Implementations may reorder,
// delay or drop messages; they are trusted not to forge signatures or decrypt
// encrypted payloads. Session logic never assumes ordering or reliability
// beyond eventual delivery.
type Transport interface {
	Send(ctx context.Context, to ParticipantID, payload []byte) error
	Broadcast(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) (from ParticipantID, payload []byte, err error)
}
