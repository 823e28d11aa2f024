package dkg

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type sessionResult struct {
	out     *Output
	rec     RecoveryData
	outcome Outcome
	err     error
}

func runFullSessions(t *testing.T, seeds [][32]byte, params SetupParams) []sessionResult {
	t.Helper()
	net := newTestNet()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make([]sessionResult, len(seeds))
	var wg sync.WaitGroup
	for i, seed := range seeds {
		i := i
		host := NewHostIdentity(seed)
		port := net.join(host.ID())
		session, err := NewSession(host, params, nil, zerolog.Nop())
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			var r sessionResult
			r.out, r.rec, r.outcome, r.err = session.Run(ctx, port)
			results[i] = r
		}()
	}
	wg.Wait()
	return results
}

func testSetup(t *testing.T, n, threshold int) ([][32]byte, SetupParams) {
	t.Helper()
	seeds := make([][32]byte, n)
	params := SetupParams{Threshold: threshold, Context: []byte("test session")}
	for i := range seeds {
		seeds[i] = testSeed(byte(0x50 + i))
		params.Hosts = append(params.Hosts, HostID(seeds[i]))
	}
	return seeds, params
}

func TestSessionEndToEnd(t *testing.T) {
	seeds, params := testSetup(t, 3, 2)
	results := runFullSessions(t, seeds, params)

	group := results[0].out.GroupKey
	shares := make(map[ParticipantID]*btcec.ModNScalar)
	for i, r := range results {
		require.NoError(t, r.err, "participant %d failed", i)
		cert, ok := r.outcome.Certificate()
		require.True(t, ok, "participant %d did not certify", i)
		require.NotEmpty(t, r.rec)

		require.True(t, r.out.GroupKey.X.Equals(&group.X) && r.out.GroupKey.Y.Equals(&group.Y))
		require.Len(t, cert, CertificateSize(3))
		shares[params.Hosts[i]] = r.out.SecretShare
	}

	// threshold many shares reconstruct the secret behind the group key
	delete(shares, params.Hosts[1])
	secret := InterpolateAtZero(shares)
	image := new(btcec.JacobianPoint)
	btcec.ScalarBaseMultNonConst(secret, image)
	image.ToAffine()
	require.True(t, image.X.Equals(&group.X) && image.Y.Equals(&group.Y))
}

// the whole session is a deterministic function of seeds and parameters, so
// rerunning the exact same setup produces the exact same key material
func TestSessionDeterminism(t *testing.T) {
	seeds, params := testSetup(t, 3, 2)

	first := runFullSessions(t, seeds, params)
	second := runFullSessions(t, seeds, params)
	for i := range first {
		require.NoError(t, first[i].err)
		require.NoError(t, second[i].err)
		require.True(t, first[i].out.GroupKey.X.Equals(&second[i].out.GroupKey.X))
		require.True(t, first[i].out.SecretShare.Equals(second[i].out.SecretShare))
	}

	// while any change to the parameters yields an unrelated key
	perturbed := params
	perturbed.Context = []byte("another session")
	third := runFullSessions(t, seeds, perturbed)
	require.NoError(t, third[0].err)
	require.False(t, first[0].out.GroupKey.X.Equals(&third[0].out.GroupKey.X))
}

func TestSetupIDBinding(t *testing.T) {
	_, params := testSetup(t, 3, 2)

	base, err := params.SetupID()
	require.NoError(t, err)

	again, err := params.SetupID()
	require.NoError(t, err)
	require.Equal(t, base, again)

	p := params
	p.Threshold = 3
	changed, err := p.SetupID()
	require.NoError(t, err)
	require.NotEqual(t, base, changed)

	p = params
	p.Context = []byte("something else")
	changed, err = p.SetupID()
	require.NoError(t, err)
	require.NotEqual(t, base, changed)

	p = params
	p.Hosts = []ParticipantID{params.Hosts[1], params.Hosts[0], params.Hosts[2]}
	changed, err = p.SetupID()
	require.NoError(t, err)
	require.NotEqual(t, base, changed)
}

func TestSetupParamsValidation(t *testing.T) {
	_, params := testSetup(t, 3, 2)

	p := params
	p.Threshold = 4
	require.ErrorIs(t, p.Validate(), ErrInvalidThreshold)

	p = params
	p.Hosts = append([]ParticipantID{params.Hosts[0]}, params.Hosts...)
	require.ErrorIs(t, p.Validate(), ErrDuplicateParticipant)

	p = params
	p.Hosts = append([]ParticipantID{{}}, params.Hosts[1:]...)
	var bad *BadParticipantError
	require.ErrorAs(t, p.Validate(), &bad)
}

func TestSessionSetupMismatch(t *testing.T) {
	seeds, params := testSetup(t, 3, 2)
	host := NewHostIdentity(seeds[0])

	_, err := NewSession(host, params, func(setupID [32]byte) bool { return false }, zerolog.Nop())
	require.ErrorIs(t, err, ErrSetupMismatch)

	confirmed := false
	_, err = NewSession(host, params, func(setupID [32]byte) bool { confirmed = true; return true }, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, confirmed)
}

func TestRecoverFromRecoveryData(t *testing.T) {
	seeds, params := testSetup(t, 3, 2)
	results := runFullSessions(t, seeds, params)
	require.NoError(t, results[0].err)

	// every participant can reconstruct its own output from any
	// participant's recovery data, since the data holds no secrets
	for i, seed := range seeds {
		out, recovered, err := Recover(seed, results[0].rec)
		require.NoError(t, err)
		require.Equal(t, params.Hosts, recovered.Hosts)
		require.Equal(t, params.Threshold, recovered.Threshold)
		require.True(t, out.SecretShare.Equals(results[i].out.SecretShare))
		require.True(t, out.GroupKey.X.Equals(&results[i].out.GroupKey.X))
		for _, h := range params.Hosts {
			require.True(t, out.MemberKeys[h].X.Equals(&results[i].out.MemberKeys[h].X))
		}
	}

	// a seed that belongs to nobody in the session is rejected
	_, _, err := Recover(testSeed(0xde), results[0].rec)
	require.ErrorIs(t, err, ErrInvalidRecoveryData)

	// any tampering invalidates the certificate or the decryption
	for _, idx := range []int{0, 30, len(results[0].rec) / 2, len(results[0].rec) - 10} {
		tampered := make(RecoveryData, len(results[0].rec))
		copy(tampered, results[0].rec)
		tampered[idx] ^= 0x01
		_, _, err := Recover(seeds[0], tampered)
		require.ErrorIs(t, err, ErrInvalidRecoveryData, "flip at %d went undetected", idx)
	}

	_, _, err = Recover(seeds[0], results[0].rec[:40])
	require.ErrorIs(t, err, ErrInvalidRecoveryData)
}

// a participant cut off from the network must end up indeterminate and keep
// its secret material, never fail
func TestSessionIndeterminateOnSilence(t *testing.T) {
	seeds, params := testSetup(t, 3, 2)
	host := NewHostIdentity(seeds[0])
	net := newTestNet()
	port := net.join(host.ID())

	session, err := NewSession(host, params, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	out, rec, outcome, err := session.Run(ctx, port)
	require.Error(t, err)
	require.Nil(t, out)
	require.Nil(t, rec)
	require.True(t, outcome.Indeterminate())
	_, failed := outcome.Failed()
	require.False(t, failed)
}

func TestSessionEraseGating(t *testing.T) {
	seeds, params := testSetup(t, 2, 2)
	host := NewHostIdentity(seeds[0])

	session, err := NewSession(host, params, nil, zerolog.Nop())
	require.NoError(t, err)

	// a forged zero-value token does nothing
	session.Erase(EraseToken{})
	require.False(t, session.enc.encSec.IsZero())

	// a token from a definitive failure erases the session secrets but
	// leaves the long-term identity intact
	tok, ok := FailOutcome().Failed()
	require.True(t, ok)
	session.Erase(tok)
	require.True(t, session.enc.encSec.IsZero())
	require.Equal(t, host.ID(), session.host.ID())
}

func TestHostIdentityDerivation(t *testing.T) {
	h1 := NewHostIdentity(testSeed(0x11))
	h2 := NewHostIdentity(testSeed(0x11))
	require.Equal(t, h1.ID(), h2.ID())
	require.Equal(t, h1.ID(), HostID(testSeed(0x11)))

	h3 := NewHostIdentity(testSeed(0x12))
	require.NotEqual(t, h1.ID(), h3.ID())

	// ids are valid compressed points and survive the hex roundtrip
	require.True(t, h1.ID().valid())
	parsed, err := ParticipantIDFromHex(h1.ID().Hex())
	require.NoError(t, err)
	require.Equal(t, h1.ID(), parsed)
}

func TestKeyAnnouncementAuthentication(t *testing.T) {
	seeds, params := testSetup(t, 2, 2)
	alice := NewHostIdentity(seeds[0])
	bob := NewHostIdentity(seeds[1])

	sa, err := NewSession(alice, params, nil, zerolog.Nop())
	require.NoError(t, err)
	sb, err := NewSession(bob, params, nil, zerolog.Nop())
	require.NoError(t, err)

	ann, err := sa.Announcement()
	require.NoError(t, err)
	require.NoError(t, sb.HandleAnnouncement(alice.ID(), ann))

	// a key substituted by a relay fails the binding signature
	forged := ann
	forged.Key = sb.enc.EncryptionKey()
	var bad *BadParticipantError
	require.ErrorAs(t, sb.HandleAnnouncement(alice.ID(), forged), &bad)
	require.Equal(t, alice.ID(), bad.ID)

	// as does a signature replayed under another identity
	require.ErrorAs(t, sb.HandleAnnouncement(bob.ID(), ann), &bad)
}
