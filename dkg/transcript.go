package dkg

import (
	"sort"
)

// Transcript accumulates, per sender, the commitment (with its proof of
// knowledge) each participant observed during a session. Entries arrive in
// whatever order the transport delivers them, so the transcript is keyed by
// id and canonicalized by sorting before it is hashed or compared.
type Transcript struct {
	entries map[ParticipantID]*Commitment
}

func NewTranscript() *Transcript {
	return &Transcript{entries: make(map[ParticipantID]*Commitment)}
}

// Add records the commitment received from id. It returns false if an entry
// for id already exists.
func (tr *Transcript) Add(id ParticipantID, c *Commitment) bool {
	if _, ok := tr.entries[id]; ok {
		return false
	}
	tr.entries[id] = c
	return true
}

func (tr *Transcript) Has(id ParticipantID) bool {
	_, ok := tr.entries[id]
	return ok
}

func (tr *Transcript) Len() int { return len(tr.entries) }

// IDs returns the recorded sender ids sorted ascending by their byte value.
func (tr *Transcript) IDs() []ParticipantID {
	ids := make([]ParticipantID, 0, len(tr.entries))
	for id := range tr.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return compareIDs(ids[i], ids[j]) < 0 })
	return ids
}

// Commitments returns the commitments in the canonical id order.
func (tr *Transcript) Commitments() []*Commitment {
	ids := tr.IDs()
	cs := make([]*Commitment, len(ids))
	for i, id := range ids {
		cs[i] = tr.entries[id]
	}
	return cs
}

// Commitment returns the commitment recorded for id, or nil.
func (tr *Transcript) Commitment(id ParticipantID) *Commitment {
	return tr.entries[id]
}

// Canonical serializes the transcript as the deterministically sorted
// sequence of (id, commitment, proof) entries. Two honest participants that
// received the same messages produce identical bytes regardless of arrival
// order.
func (tr *Transcript) Canonical() []byte {
	ids := tr.IDs()
	var out []byte
	for _, id := range ids {
		out = append(out, id[:]...)
		out = append(out, tr.entries[id].Encode()...)
	}
	return out
}
