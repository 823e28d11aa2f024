// Package transport provides message relay implementations for DKG sessions:
// an in-process hub for tests and local multi-party setups, and a TCP client
// for the relayd daemon. Both satisfy the dkg.Transport interface and provide
// eventual delivery only; sessions tolerate reordering, delay and loss.
package transport

import (
	"fiatjaf.com/chilldkg/dkg"
)

type envelope struct {
	from    dkg.ParticipantID
	payload []byte
}

// mailboxSize bounds how many undelivered messages a recipient can have
// queued before senders start dropping, which the protocol tolerates.
const mailboxSize = 256
