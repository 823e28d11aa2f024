// relayd is the semi-trusted message relay DKG participants connect to. It
// forwards directed and broadcast frames between connected participants and
// is trusted for nothing else: it cannot forge signatures or read encrypted
// shares, and any tampering it attempts is caught by the participants'
// agreement check.
package main

import (
	"bufio"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"fiatjaf.com/chilldkg/dkg"
	"fiatjaf.com/chilldkg/transport"
)

type Settings struct {
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port string `envconfig:"PORT" default:"9630"`
}

var (
	s       Settings
	log     = zerolog.New(os.Stderr).Output(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	clients = xsync.NewMapOf[dkg.ParticipantID, *client]()
)

type client struct {
	id   dkg.ParticipantID
	conn net.Conn
	wmu  sync.Mutex
	w    *bufio.Writer
}

func (c *client) forward(from dkg.ParticipantID, payload []byte) {
	body := make([]byte, 0, 33+len(payload))
	body = append(body, from[:]...)
	body = append(body, payload...)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := transport.WriteFrame(c.w, body); err == nil {
		c.w.Flush()
	}
}

func main() {
	err := envconfig.Process("", &s)
	if err != nil {
		log.Fatal().Err(err).Msg("couldn't process envconfig")
		return
	}

	addr := net.JoinHostPort(s.Host, s.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("failed to listen")
		return
	}
	log.Info().Str("addr", addr).Msg("relay listening")

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		log.Info().Msg("shutting down")
		ln.Close()
		os.Exit(0)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Error().Err(err).Msg("accept failed")
			return
		}
		go serve(conn)
	}
}

func serve(conn net.Conn) {
	defer conn.Close()

	var id dkg.ParticipantID
	if _, err := io.ReadFull(conn, id[:]); err != nil {
		log.Warn().Err(err).Msg("client failed to register")
		return
	}

	c := &client{id: id, conn: conn, w: bufio.NewWriter(conn)}
	clients.Store(id, c)
	defer clients.Delete(id)
	log.Info().Stringer("id", id).Msg("participant connected")

	r := bufio.NewReader(conn)
	for {
		body, err := transport.ReadFrame(r)
		if err != nil {
			if err != io.EOF {
				log.Warn().Err(err).Stringer("id", id).Msg("read failed")
			}
			log.Info().Stringer("id", id).Msg("participant disconnected")
			return
		}
		if len(body) < 1 {
			continue
		}

		switch body[0] {
		case transport.OpSend:
			if len(body) < 1+33 {
				continue
			}
			var to dkg.ParticipantID
			copy(to[:], body[1:34])
			if peer, ok := clients.Load(to); ok {
				peer.forward(id, body[34:])
			}

		case transport.OpBroadcast:
			payload := body[1:]
			clients.Range(func(peerID dkg.ParticipantID, peer *client) bool {
				if peerID != id {
					peer.forward(id, payload)
				}
				return true
			})

		default:
			log.Warn().Stringer("id", id).Uint8("op", body[0]).Msg("unknown op")
		}
	}
}
