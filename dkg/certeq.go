package dkg

import (
	"context"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rs/zerolog"
)

var tagCertEq = []byte("chilldkg/certeq")

// CertEq is the certifying implementation of the Eq agreement protocol. Each
// participant signs the transcript value with its long-term key and sends the
// signature to every peer; once a valid signature from every expected
// identity has been collected the participant outputs Success and broadcasts
// the assembled certificate. A valid certificate received from any source is
// equally convincing and is re-broadcast at most once.
//
// CertEq has no Fail transition. The caller applies a deadline through the
// context to downgrade a perpetual Indeterminate to an operational decision;
// expiry of the context never destroys secret material.
type CertEq struct {
	sec     *btcec.PrivateKey
	self    ParticipantID
	hosts   []ParticipantID // canonical ascending order
	context []byte          // extra bound context, e.g. the setup id
	tr      Transport
	log     zerolog.Logger
}

// NewCertEq builds a CertEq instance for the expected host identities. The
// hosts list must contain the identity belonging to sec; context is bound
// into every signature so that certificates cannot be replayed across
// sessions.
func NewCertEq(sec *btcec.PrivateKey, hosts []ParticipantID, context []byte, tr Transport, log zerolog.Logger) *CertEq {
	sorted := make([]ParticipantID, len(hosts))
	copy(sorted, hosts)
	sort.Slice(sorted, func(i, j int) bool { return compareIDs(sorted[i], sorted[j]) < 0 })

	var self ParticipantID
	pub := new(btcec.JacobianPoint)
	sec.PubKey().AsJacobian(pub)
	self = pointID(pub)

	return &CertEq{
		sec:     sec,
		self:    self,
		hosts:   sorted,
		context: context,
		tr:      tr,
		log:     log,
	}
}

func (e *CertEq) message(x []byte) []byte {
	h := chainhash.TaggedHash(tagCertEq, e.context, x)
	return h[:]
}

func (e *CertEq) hostIndex(id ParticipantID) int {
	for i, h := range e.hosts {
		if h == id {
			return i
		}
	}
	return -1
}

func verifyHostSig(id ParticipantID, msg, sig []byte) bool {
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	pub, err := schnorr.ParsePubKey(id[1:33])
	if err != nil {
		return false
	}
	return parsed.Verify(msg, pub)
}

// VerifyCertificate checks every signature of cert against the expected host
// identities, the transcript value x and the bound context, in canonical
// ascending-id order. It is also usable standalone, e.g. when validating
// recovery data long after a session completed.
func VerifyCertificate(hosts []ParticipantID, context, x []byte, cert Certificate) bool {
	if len(cert) != CertificateSize(len(hosts)) {
		return false
	}
	sorted := make([]ParticipantID, len(hosts))
	copy(sorted, hosts)
	sort.Slice(sorted, func(i, j int) bool { return compareIDs(sorted[i], sorted[j]) < 0 })

	msg := chainhash.TaggedHash(tagCertEq, context, x)
	for i, id := range sorted {
		if !verifyHostSig(id, msg[:], cert.Signature(i)) {
			return false
		}
	}
	return true
}

// VerifyCertificate checks a certificate against this instance's expected
// identities and bound context.
func (e *CertEq) VerifyCertificate(x []byte, cert Certificate) bool {
	return VerifyCertificate(e.hosts, e.context, x, cert)
}

// Agree signs x, exchanges signatures with all peers and blocks until either
// a full certificate is assembled or the context expires. It never returns a
// Fail outcome; downgrading Indeterminate to Fail is an external policy
// decision.
func (e *CertEq) Agree(ctx context.Context, x []byte) Outcome {
	msg := e.message(x)

	ownSig, err := schnorr.Sign(e.sec, msg)
	if err != nil {
		e.log.Error().Err(err).Msg("certeq: failed to sign transcript value")
		return IndeterminateOutcome()
	}

	sigs := make(map[ParticipantID][]byte, len(e.hosts))
	sigs[e.self] = ownSig.Serialize()

	if err := e.tr.Broadcast(ctx, frame(kindCertSig, sigs[e.self])); err != nil {
		return IndeterminateOutcome()
	}

	rebroadcast := false

	for len(sigs) < len(e.hosts) {
		from, payload, err := e.tr.Receive(ctx)
		if err != nil {
			// transport non-delivery is not a protocol failure, it only
			// prolongs the suspension; all we can report here is that the
			// session is unresolved
			return IndeterminateOutcome()
		}

		kind, body, err := splitFrame(payload)
		if err != nil {
			continue
		}

		switch kind {
		case kindCertSig:
			if e.hostIndex(from) < 0 {
				e.log.Warn().Stringer("from", from).Msg("certeq: signature from unexpected identity")
				continue
			}
			if _, ok := sigs[from]; ok {
				continue
			}
			if len(body) != sigSize || !verifyHostSig(from, msg, body) {
				e.log.Warn().Stringer("from", from).Msg("certeq: invalid signature, ignoring")
				continue
			}
			sigs[from] = body

		case kindCert:
			cert := Certificate(body)
			if !e.VerifyCertificate(x, cert) {
				e.log.Warn().Stringer("from", from).Msg("certeq: invalid certificate, ignoring")
				continue
			}
			if !rebroadcast {
				rebroadcast = true
				_ = e.tr.Broadcast(ctx, frame(kindCert, cert))
			}
			return SuccessOutcome(cert)

		default:
			// stray round message from a slower peer
		}
	}

	cert := make(Certificate, 0, CertificateSize(len(e.hosts)))
	for _, id := range e.hosts {
		cert = append(cert, sigs[id]...)
	}

	_ = e.tr.Broadcast(ctx, frame(kindCert, cert))
	return SuccessOutcome(cert)
}
