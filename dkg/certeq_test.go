package dkg

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type netMsg struct {
	from    ParticipantID
	payload []byte
}

// testNet is a minimal in-process transport for driving protocol instances
// against each other inside a single test.
type testNet struct {
	mu    sync.Mutex
	boxes map[ParticipantID]chan netMsg
	deaf  map[ParticipantID]bool
}

func newTestNet() *testNet {
	return &testNet{
		boxes: make(map[ParticipantID]chan netMsg),
		deaf:  make(map[ParticipantID]bool),
	}
}

func (n *testNet) join(id ParticipantID) *testPort {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.boxes[id] = make(chan netMsg, 256)
	return &testPort{net: n, id: id}
}

// deafen makes the net drop everything addressed to id while still carrying
// its outbound messages, simulating one-directional loss.
func (n *testNet) deafen(id ParticipantID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deaf[id] = true
}

func (n *testNet) deliver(from, to ParticipantID, payload []byte) {
	n.mu.Lock()
	box, ok := n.boxes[to]
	if n.deaf[to] {
		ok = false
	}
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case box <- netMsg{from: from, payload: payload}:
	default:
	}
}

type testPort struct {
	net *testNet
	id  ParticipantID
}

func (p *testPort) Send(ctx context.Context, to ParticipantID, payload []byte) error {
	p.net.deliver(p.id, to, payload)
	return nil
}

func (p *testPort) Broadcast(ctx context.Context, payload []byte) error {
	p.net.mu.Lock()
	targets := make([]ParticipantID, 0, len(p.net.boxes))
	for id := range p.net.boxes {
		if id != p.id {
			targets = append(targets, id)
		}
	}
	p.net.mu.Unlock()
	for _, to := range targets {
		p.net.deliver(p.id, to, payload)
	}
	return nil
}

func (p *testPort) Receive(ctx context.Context) (ParticipantID, []byte, error) {
	p.net.mu.Lock()
	box := p.net.boxes[p.id]
	p.net.mu.Unlock()
	select {
	case msg := <-box:
		return msg.from, msg.payload, nil
	case <-ctx.Done():
		return ParticipantID{}, nil, ctx.Err()
	}
}

func testHosts(t *testing.T, n int) []*HostIdentity {
	t.Helper()
	hosts := make([]*HostIdentity, n)
	for i := range hosts {
		hosts[i] = NewHostIdentity(testSeed(byte(0x40 + i)))
	}
	return hosts
}

func hostIDs(hosts []*HostIdentity) []ParticipantID {
	ids := make([]ParticipantID, len(hosts))
	for i, h := range hosts {
		ids[i] = h.ID()
	}
	return ids
}

func TestCertEqAllAgree(t *testing.T) {
	hosts := testHosts(t, 3)
	ids := hostIDs(hosts)
	net := newTestNet()
	x := []byte("the agreed transcript value")
	sessionCtx := []byte("session context")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcomes := make([]Outcome, len(hosts))
	var wg sync.WaitGroup
	for i, h := range hosts {
		i, h := i, h
		port := net.join(h.ID())
		wg.Add(1)
		go func() {
			defer wg.Done()
			eq := NewCertEq(h.sec, ids, sessionCtx, port, zerolog.Nop())
			outcomes[i] = eq.Agree(ctx, x)
		}()
	}
	wg.Wait()

	var first Certificate
	for i, outcome := range outcomes {
		cert, ok := outcome.Certificate()
		require.True(t, ok, "host %d did not reach success", i)
		require.True(t, VerifyCertificate(ids, sessionCtx, x, cert))
		if first == nil {
			first = cert
		} else {
			require.Equal(t, first, cert, "host %d assembled a different certificate", i)
		}
	}

	// a certificate over one value says nothing about another
	require.False(t, VerifyCertificate(ids, sessionCtx, []byte("something else"), first))
	require.False(t, VerifyCertificate(ids, []byte("other context"), x, first))
}

// a participant whose transcript value diverges can never be certified, and
// its signatures must not poison anybody else's collection
func TestCertEqDivergentValue(t *testing.T) {
	hosts := testHosts(t, 3)
	ids := hostIDs(hosts)
	net := newTestNet()
	sessionCtx := []byte("s")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	values := [][]byte{[]byte("honest"), []byte("honest"), []byte("divergent")}
	outcomes := make([]Outcome, len(hosts))
	var wg sync.WaitGroup
	for i, h := range hosts {
		i, h := i, h
		port := net.join(h.ID())
		wg.Add(1)
		go func() {
			defer wg.Done()
			eq := NewCertEq(h.sec, ids, sessionCtx, port, zerolog.Nop())
			outcomes[i] = eq.Agree(ctx, values[i])
		}()
	}
	wg.Wait()

	for i, outcome := range outcomes {
		require.True(t, outcome.Indeterminate(), "host %d resolved despite divergence", i)
		_, failed := outcome.Failed()
		require.False(t, failed, "agreement must never fail on its own")
	}
}

func TestCertEqMissingParticipant(t *testing.T) {
	hosts := testHosts(t, 3)
	ids := hostIDs(hosts)
	net := newTestNet()
	x := []byte("x")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	// the third host never shows up
	outcomes := make([]Outcome, 2)
	var wg sync.WaitGroup
	for i, h := range hosts[:2] {
		i, h := i, h
		port := net.join(h.ID())
		wg.Add(1)
		go func() {
			defer wg.Done()
			eq := NewCertEq(h.sec, ids, nil, port, zerolog.Nop())
			outcomes[i] = eq.Agree(ctx, x)
		}()
	}
	wg.Wait()

	for i, outcome := range outcomes {
		require.True(t, outcome.Indeterminate(), "host %d resolved without the missing signature", i)
	}
}

// a valid certificate received from anywhere resolves the agreement, even for
// a participant that collected no signatures at all, and is re-broadcast
// exactly once
func TestCertEqCertificateConvinces(t *testing.T) {
	hosts := testHosts(t, 3)
	ids := hostIDs(hosts)
	x := []byte("value")

	// first assemble a real certificate through a normal run
	net := newTestNet()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcomes := make([]Outcome, len(hosts))
	var wg sync.WaitGroup
	for i, h := range hosts {
		i, h := i, h
		port := net.join(h.ID())
		wg.Add(1)
		go func() {
			defer wg.Done()
			eq := NewCertEq(h.sec, ids, nil, port, zerolog.Nop())
			outcomes[i] = eq.Agree(ctx, x)
		}()
	}
	wg.Wait()
	cert, ok := outcomes[0].Certificate()
	require.True(t, ok)

	// now a fresh network where host 0 only ever hears the certificate
	net = newTestNet()
	port0 := net.join(hosts[0].ID())
	observer := net.join(hosts[1].ID())

	done := make(chan Outcome, 1)
	go func() {
		eq := NewCertEq(hosts[0].sec, ids, nil, port0, zerolog.Nop())
		done <- eq.Agree(ctx, x)
	}()

	// wait for host 0's own signature, then answer with the certificate
	_, payload, err := observer.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, kindCertSig, payload[0])
	require.NoError(t, observer.Broadcast(ctx, frame(kindCert, cert)))

	outcome := <-done
	got, ok := outcome.Certificate()
	require.True(t, ok)
	require.Equal(t, cert, got)

	// host 0 must have re-broadcast the certificate exactly once
	certFrames := 0
	flush := time.After(200 * time.Millisecond)
	for {
		select {
		case msg := <-net.boxes[hosts[1].ID()]:
			if msg.payload[0] == kindCert {
				certFrames++
			}
		case <-flush:
			require.Equal(t, 1, certFrames)
			return
		}
	}
}

func TestCertEqIgnoresInvalidSignatures(t *testing.T) {
	hosts := testHosts(t, 2)
	ids := hostIDs(hosts)
	x := []byte("value")

	net := newTestNet()
	port0 := net.join(hosts[0].ID())
	port1 := net.join(hosts[1].ID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		eq := NewCertEq(hosts[0].sec, ids, nil, port0, zerolog.Nop())
		done <- eq.Agree(ctx, x)
	}()

	// garbage from a session member is ignored, not fatal
	require.NoError(t, port1.Broadcast(ctx, frame(kindCertSig, make([]byte, sigSize))))

	// garbage from an identity outside the session is ignored too
	stranger := net.join(HostID(testSeed(0xee)))
	require.NoError(t, stranger.Broadcast(ctx, frame(kindCertSig, make([]byte, sigSize))))

	// then the real signature arrives and the agreement completes
	eq1 := NewCertEq(hosts[1].sec, ids, nil, port1, zerolog.Nop())
	outcome1 := eq1.Agree(ctx, x)

	outcome0 := <-done
	_, ok := outcome0.Certificate()
	require.True(t, ok)
	_, ok = outcome1.Certificate()
	require.True(t, ok)
}

// conditional termination: a participant that hears nothing stays suspended
// while everyone else, who did collect its signature, reaches success
func TestCertEqConditionalTermination(t *testing.T) {
	hosts := testHosts(t, 3)
	ids := hostIDs(hosts)
	net := newTestNet()
	x := []byte("x")

	ports := make([]*testPort, len(hosts))
	for i, h := range hosts {
		ports[i] = net.join(h.ID())
	}
	net.deafen(hosts[2].ID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deafCtx, cancelDeaf := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancelDeaf()

	outcomes := make([]Outcome, len(hosts))
	var wg sync.WaitGroup
	for i, h := range hosts {
		i, h := i, h
		runCtx := ctx
		if i == 2 {
			runCtx = deafCtx
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			eq := NewCertEq(h.sec, ids, nil, ports[i], zerolog.Nop())
			outcomes[i] = eq.Agree(runCtx, x)
		}()
	}
	wg.Wait()

	for i, outcome := range outcomes[:2] {
		cert, ok := outcome.Certificate()
		require.True(t, ok, "connected host %d did not reach success", i)
		require.True(t, VerifyCertificate(ids, nil, x, cert))
	}
	require.True(t, outcomes[2].Indeterminate())
	_, failed := outcomes[2].Failed()
	require.False(t, failed, "silence must never turn into failure")
}

func TestVerifyCertificateRejects(t *testing.T) {
	hosts := testHosts(t, 3)
	ids := hostIDs(hosts)
	x := []byte("value")

	net := newTestNet()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcomes := make([]Outcome, len(hosts))
	var wg sync.WaitGroup
	for i, h := range hosts {
		i, h := i, h
		port := net.join(h.ID())
		wg.Add(1)
		go func() {
			defer wg.Done()
			eq := NewCertEq(h.sec, ids, nil, port, zerolog.Nop())
			outcomes[i] = eq.Agree(ctx, x)
		}()
	}
	wg.Wait()
	cert, ok := outcomes[0].Certificate()
	require.True(t, ok)
	require.True(t, VerifyCertificate(ids, nil, x, cert))

	tampered := make(Certificate, len(cert))
	copy(tampered, cert)
	tampered[10] ^= 0x01
	require.False(t, VerifyCertificate(ids, nil, x, tampered))

	require.False(t, VerifyCertificate(ids, nil, x, cert[:len(cert)-1]))
	require.False(t, VerifyCertificate(ids[:2], nil, x, cert))
}
