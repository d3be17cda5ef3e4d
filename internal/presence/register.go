// Package presence tracks which participants are in the session and what
// they are doing.
//
// Records are created by JOIN or UPDATE, replaced wholesale by every later
// UPDATE and deleted by LEAVE. A departed id stays departed until it sends
// a fresh JOIN; late UPDATE and HEARTBEAT envelopes for it are ignored. The register never compares timestamps: the
// last envelope processed wins, whatever order the medium delivered them in.
package presence

import (
	"sort"
	"sync"
	"time"

	"collabtext/internal/protocol"
)

// Transition describes what an envelope did to the register.
type Transition int

const (
	// Ignored means the envelope did not touch the register: it was a
	// self-echo, a snapshot, a heartbeat or leave for an unknown id, or an
	// update or heartbeat from a departed id.
	Ignored Transition = iota
	// Arrived means a record was created for a previously unknown id.
	Arrived
	// Replaced means an existing record was overwritten.
	Replaced
	// Touched means a heartbeat refreshed LastSeen of a known id.
	Touched
	// Departed means a record was deleted.
	Departed
)

func (t Transition) String() string {
	switch t {
	case Ignored:
		return "ignored"
	case Arrived:
		return "arrived"
	case Replaced:
		return "replaced"
	case Touched:
		return "touched"
	case Departed:
		return "departed"
	default:
		return "unknown"
	}
}

// Entry is a participant record plus the local time it was last heard from.
type Entry struct {
	Participant protocol.Participant
	LastSeen    time.Time
}

// Register maps participant ids to their latest presence record. It is
// safe for concurrent use.
type Register struct {
	mu       sync.RWMutex
	self     string
	entries  map[string]Entry
	departed map[string]struct{}
}

// NewRegister creates a register that ignores envelopes from selfID.
func NewRegister(selfID string) *Register {
	return &Register{
		self:     selfID,
		entries:  make(map[string]Entry),
		departed: make(map[string]struct{}),
	}
}

// SetSelf changes the id treated as this process. Any record already held
// for that id is dropped.
func (r *Register) SetSelf(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = id
	delete(r.entries, id)
}

// Apply folds one envelope into the register. now is the local receive
// time recorded as LastSeen.
func (r *Register) Apply(env protocol.Envelope, now time.Time) Transition {
	sender := protocol.SenderID(env)
	if sender == "" {
		return Ignored
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sender == r.self {
		return Ignored
	}

	switch e := env.(type) {
	case protocol.Join:
		delete(r.departed, sender)
		return r.put(e.Participant, now)
	case protocol.Update:
		if _, gone := r.departed[sender]; gone {
			return Ignored
		}
		return r.put(e.Participant, now)
	case protocol.Heartbeat:
		entry, ok := r.entries[e.ParticipantID]
		if !ok {
			return Ignored
		}
		entry.LastSeen = now
		r.entries[e.ParticipantID] = entry
		return Touched
	case protocol.Leave:
		r.departed[e.ParticipantID] = struct{}{}
		if _, ok := r.entries[e.ParticipantID]; !ok {
			return Ignored
		}
		delete(r.entries, e.ParticipantID)
		return Departed
	default:
		return Ignored
	}
}

func (r *Register) put(participant protocol.Participant, now time.Time) Transition {
	_, existed := r.entries[participant.ID]
	r.entries[participant.ID] = Entry{Participant: participant.Clone(), LastSeen: now}
	if existed {
		return Replaced
	}
	return Arrived
}

// Get returns the record for id.
func (r *Register) Get(id string) (protocol.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return protocol.Participant{}, false
	}
	return entry.Participant.Clone(), true
}

// Len returns the number of known participants, excluding this process.
func (r *Register) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Entries returns every record ordered by display name, then id.
func (r *Register) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entry.Participant = entry.Participant.Clone()
		out = append(out, entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Participant, out[j].Participant
		if a.DisplayName != b.DisplayName {
			return a.DisplayName < b.DisplayName
		}
		return a.ID < b.ID
	})
	return out
}

// EditorsOf returns the participants whose active file is path.
func (r *Register) EditorsOf(path string) []protocol.Participant {
	var out []protocol.Participant
	for _, entry := range r.Entries() {
		if entry.Participant.ActiveFilePath == path {
			out = append(out, entry.Participant)
		}
	}
	return out
}

// Stale returns the participants not heard from within after. Nothing is
// removed; the caller decides what to do with silent peers.
func (r *Register) Stale(now time.Time, after time.Duration) []protocol.Participant {
	var out []protocol.Participant
	for _, entry := range r.Entries() {
		if now.Sub(entry.LastSeen) > after {
			out = append(out, entry.Participant)
		}
	}
	return out
}
