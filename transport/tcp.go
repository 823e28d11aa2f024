package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"fiatjaf.com/chilldkg/dkg"
)

// Wire protocol spoken with relayd: after connecting, the client writes its
// 33-byte id, then length-prefixed frames. Outbound frames start with an op
// byte; inbound frames carry the 33-byte sender id followed by the payload.
const (
	OpSend      byte = 1 // op ‖ recipient id ‖ payload
	OpBroadcast byte = 2 // op ‖ payload

	// MaxFrameSize bounds a single relayed message.
	MaxFrameSize = 1 << 20
)

// WriteFrame writes a single length-prefixed frame.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(body))
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(body)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads a single length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Conn is a dkg.Transport backed by a TCP connection to a relayd instance.
type Conn struct {
	id    dkg.ParticipantID
	conn  net.Conn
	wmu   sync.Mutex
	w     *bufio.Writer
	inbox chan envelope

	mu      sync.Mutex
	readErr error
}

// Dial connects to relayd at addr and registers id with it.
func Dial(ctx context.Context, addr string, id dkg.ParticipantID) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay at %s: %w", addr, err)
	}

	if _, err := conn.Write(id[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to register with relay: %w", err)
	}

	t := &Conn{
		id:    id,
		conn:  conn,
		w:     bufio.NewWriter(conn),
		inbox: make(chan envelope, mailboxSize),
	}
	go t.readLoop()
	return t, nil
}

func (t *Conn) readLoop() {
	r := bufio.NewReader(t.conn)
	for {
		body, err := ReadFrame(r)
		if err != nil {
			t.mu.Lock()
			t.readErr = err
			t.mu.Unlock()
			close(t.inbox)
			return
		}
		if len(body) < 33 {
			continue
		}
		var from dkg.ParticipantID
		copy(from[:], body[:33])
		select {
		case t.inbox <- envelope{from: from, payload: body[33:]}:
		default:
			// inbox full, drop like any lossy network would
		}
	}
}

func (t *Conn) write(body []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := WriteFrame(t.w, body); err != nil {
		return err
	}
	return t.w.Flush()
}

func (t *Conn) Send(ctx context.Context, to dkg.ParticipantID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body := make([]byte, 0, 1+33+len(payload))
	body = append(body, OpSend)
	body = append(body, to[:]...)
	body = append(body, payload...)
	return t.write(body)
}

func (t *Conn) Broadcast(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body := make([]byte, 0, 1+len(payload))
	body = append(body, OpBroadcast)
	body = append(body, payload...)
	return t.write(body)
}

func (t *Conn) Receive(ctx context.Context) (dkg.ParticipantID, []byte, error) {
	select {
	case env, ok := <-t.inbox:
		if !ok {
			t.mu.Lock()
			err := t.readErr
			t.mu.Unlock()
			return dkg.ParticipantID{}, nil, fmt.Errorf("relay connection lost: %w", err)
		}
		return env.from, env.payload, nil
	case <-ctx.Done():
		return dkg.ParticipantID{}, nil, fmt.Errorf("receive interrupted: %w", ctx.Err())
	}
}

func (t *Conn) Close() error {
	return t.conn.Close()
}
