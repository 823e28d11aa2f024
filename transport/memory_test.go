package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"fiatjaf.com/chilldkg/dkg"
)

func testSeed(fill byte) [32]byte {
	var seed [32]byte
	for i := range seed {
		seed[i] = fill
	}
	return seed
}

func TestHubDelivery(t *testing.T) {
	hub := NewHub()
	a := dkg.HostID(testSeed(1))
	b := dkg.HostID(testSeed(2))
	c := dkg.HostID(testSeed(3))

	ma := hub.Join(a)
	mb := hub.Join(b)
	mc := hub.Join(c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, ma.Send(ctx, b, []byte("direct")))
	from, payload, err := mb.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, a, from)
	require.Equal(t, []byte("direct"), payload)

	// broadcast reaches everyone but the sender
	require.NoError(t, ma.Broadcast(ctx, []byte("all")))
	_, payload, err = mb.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("all"), payload)
	_, payload, err = mc.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("all"), payload)

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, _, err = ma.Receive(short)
	require.Error(t, err)
}

func TestHubIsolation(t *testing.T) {
	hub := NewHub()
	a := dkg.HostID(testSeed(1))
	b := dkg.HostID(testSeed(2))

	ma := hub.Join(a)
	mb := hub.Join(b)

	ctx := context.Background()
	hub.Isolate(b)

	require.NoError(t, ma.Send(ctx, b, []byte("lost")))
	require.NoError(t, mb.Send(ctx, a, []byte("lost too")))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, _, err := mb.Receive(short)
	require.Error(t, err, "message crossed into an isolated partition")

	short2, cancel2 := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel2()
	_, _, err = ma.Receive(short2)
	require.Error(t, err, "message crossed out of an isolated partition")
}

// full protocol run over the hub: three participants, threshold two
func TestSessionOverHub(t *testing.T) {
	hub := NewHub()

	seeds := [][32]byte{testSeed(0x61), testSeed(0x62), testSeed(0x63)}
	params := dkg.SetupParams{Threshold: 2, Context: []byte("hub run")}
	for _, seed := range seeds {
		params.Hosts = append(params.Hosts, dkg.HostID(seed))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outputs := make([]*dkg.Output, len(seeds))
	outcomes := make([]dkg.Outcome, len(seeds))
	errs := make([]error, len(seeds))

	var wg sync.WaitGroup
	for i, seed := range seeds {
		i := i
		host := dkg.NewHostIdentity(seed)
		mb := hub.Join(host.ID())
		session, err := dkg.NewSession(host, params, nil, zerolog.Nop())
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			outputs[i], _, outcomes[i], errs[i] = session.Run(ctx, mb)
		}()
	}
	wg.Wait()

	group := outputs[0].GroupKey
	for i := range seeds {
		require.NoError(t, errs[i], "participant %d failed", i)
		_, ok := outcomes[i].Certificate()
		require.True(t, ok, "participant %d did not certify", i)
		require.True(t, outputs[i].GroupKey.X.Equals(&group.X))
	}
}

// with one participant cut off, the others must neither succeed nor fail:
// they stay indeterminate until their deadline and keep their secrets
func TestSessionOverHubWithPartition(t *testing.T) {
	hub := NewHub()

	seeds := [][32]byte{testSeed(0x71), testSeed(0x72), testSeed(0x73)}
	params := dkg.SetupParams{Threshold: 2}
	for _, seed := range seeds {
		params.Hosts = append(params.Hosts, dkg.HostID(seed))
	}

	hub.Isolate(params.Hosts[2])

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	outcomes := make([]dkg.Outcome, len(seeds))
	var wg sync.WaitGroup
	for i, seed := range seeds {
		i := i
		host := dkg.NewHostIdentity(seed)
		mb := hub.Join(host.ID())
		session, err := dkg.NewSession(host, params, nil, zerolog.Nop())
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, outcomes[i], _ = session.Run(ctx, mb)
		}()
	}
	wg.Wait()

	for i := range seeds {
		require.True(t, outcomes[i].Indeterminate(), "participant %d resolved inside a partition", i)
		_, failed := outcomes[i].Failed()
		require.False(t, failed)
	}
}
