// Package topic holds a single topic's membership, symmetric key material,
// and hash-chained content state machine. A State is
// mutated only by its owning Device, under that device's serializer
// — this package performs no locking of its own.
package topic

import (
	"bytes"
	"sort"

	"github.com/rs/zerolog"

	"github.com/rendezvous-labs/rendezvous/internal/rverrors"
	"github.com/rendezvous-labs/rendezvous/pkg/crypto"
	"github.com/rendezvous-labs/rendezvous/pkg/keys"
	"github.com/rendezvous-labs/rendezvous/pkg/protocol"
)

// DefaultMaxPending bounds the pending-update queue: a flooding or
// misbehaving server cannot grow a topic's pending queue without bound.
const DefaultMaxPending = 256

// pendingEntry pairs a not-yet-verified update with its arrival order, so
// State can evict the oldest arrival first when the queue is full.
type pendingEntry struct {
	update protocol.Update
	seq    uint64
}

// State is one topic's mutable chain-verification state, minus the
// wire-level fields already captured by protocol.Topic.
type State struct {
	TopicID      [protocol.TopicIDSize]byte
	CreationTime int64
	Timestamp    int64
	Members      []protocol.TopicMember
	MessageKey   []byte
	SigningPriv  keys.SigningPrivateKey
	EncPriv      keys.AgreementPrivateKey

	ChainIndex     uint32
	VerifiedOutput []byte

	pending            []pendingEntry
	nextSeq            uint64
	reportedUnverified map[uint32]bool
	maxPending         int
	logger             zerolog.Logger
}

// New builds the initial state for a topic the device just created or was
// just admitted into: chain_index = 0, verified_output = topic_id.
func New(wire protocol.Topic, signingPriv keys.SigningPrivateKey, encPriv keys.AgreementPrivateKey, messageKey []byte, logger zerolog.Logger) *State {
	return &State{
		TopicID:            wire.TopicID,
		CreationTime:       wire.CreationTime,
		Timestamp:          wire.Timestamp,
		Members:            append([]protocol.TopicMember(nil), wire.Members...),
		MessageKey:         append([]byte(nil), messageKey...),
		SigningPriv:        signingPriv,
		EncPriv:            encPriv,
		ChainIndex:         0,
		VerifiedOutput:     append([]byte(nil), wire.TopicID[:]...),
		reportedUnverified: make(map[uint32]bool),
		maxPending:         DefaultMaxPending,
		logger:             logger.With().Str("component", "topic").Logger(),
	}
}

// PendingUpdate pairs a not-yet-verified update with whether it has
// already been reported to the delegate as unverified, for persistence.
type PendingUpdate struct {
	Update     protocol.Update
	Unverified bool
}

// Snapshot returns the current pending queue in arrival order, for
// persistence alongside ChainIndex and VerifiedOutput.
func (s *State) Snapshot() []PendingUpdate {
	ordered := append([]pendingEntry(nil), s.pending...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	out := make([]PendingUpdate, 0, len(ordered))
	for _, p := range ordered {
		out = append(out, PendingUpdate{Update: p.update, Unverified: s.reportedUnverified[p.update.ChainIndex]})
	}
	return out
}

// Restore repopulates the pending queue from a persisted snapshot, in
// arrival order. The updates already passed signature/decrypt verification
// once in IngestUpdate; restoring them only makes them eligible again for
// the drain triggered by the next incoming update.
func (s *State) Restore(pending []PendingUpdate) {
	s.pending = s.pending[:0]
	for _, p := range pending {
		s.pending = append(s.pending, pendingEntry{update: p.Update, seq: s.nextSeq})
		s.nextSeq++
		if p.Unverified {
			s.reportedUnverified[p.Update.ChainIndex] = true
		}
	}
}

// MemberIndex returns the index of userKey in Members, or -1.
func (s *State) MemberIndex(userKey keys.SigningPublicKey) int {
	for i, m := range s.Members {
		if m.UserKey == userKey {
			return i
		}
	}
	return -1
}

// DrainEvent reports the outcome of ingesting one content update, for
// either the update that was just submitted or an older pending update
// resolved as a side effect of the same drain.
type DrainEvent struct {
	ChainIndex uint32
	Update     protocol.Update
	// Verified is true once the update's signature has been checked
	// against the verified chain output.
	Verified bool
	// Late is true when Verified is true but an earlier drain already
	// reported this same chain index as unverified.
	Late bool
	// Invalid is true when the update's output does not match the
	// expected chain fold; the chain does not advance past it.
	Invalid bool
}

// IngestUpdate verifies an incoming update's signature and sender, decrypts
// its metadata, and reconciles it against the chain. It always produces
// exactly one DrainEvent for chainIndex, plus zero or more additional
// events for older pending updates the drain resolves.
func (s *State) IngestUpdate(chainIndex uint32, output [32]byte, metadata []byte, files []protocol.FileDescriptor, signature [64]byte, senderIndex int) ([]DrainEvent, error) {
	if senderIndex < 0 || senderIndex >= len(s.Members) {
		return nil, rverrors.New(rverrors.KindUnknown, "update sender index out of bounds")
	}
	sender := s.Members[senderIndex]

	unsigned := protocol.UpdateUpload{TopicID: s.TopicID, SenderIndex: senderIndex, Metadata: metadata, Files: files}
	if !sender.SignatureKey.Verify(signature, unsigned.SignedBytes()) {
		return nil, rverrors.New(rverrors.KindInvalidSignature, "update signature invalid")
	}

	plaintext, err := crypto.OpenGCMCombined(s.MessageKey, metadata)
	if err != nil {
		return nil, rverrors.Wrap(rverrors.KindUnknown, "decrypt update metadata", err)
	}

	update := protocol.Update{
		ChainIndex:    chainIndex,
		Output:        output,
		Metadata:      plaintext,
		Files:         files,
		Signature:     signature,
		SenderUserKey: sender.UserKey,
		SenderIndex:   senderIndex,
		TopicID:       s.TopicID,
	}
	return s.enqueueAndDrain(update), nil
}

func (s *State) enqueueAndDrain(update protocol.Update) []DrainEvent {
	incoming := update.ChainIndex

	s.pending = append(s.pending, pendingEntry{update: update, seq: s.nextSeq})
	s.nextSeq++
	s.evictOverflow()

	sort.Slice(s.pending, func(i, j int) bool {
		return s.pending[i].update.ChainIndex > s.pending[j].update.ChainIndex
	})

	var events []DrainEvent
	incomingHandled := false

	for len(s.pending) > 0 {
		tail := s.pending[len(s.pending)-1].update
		if tail.ChainIndex != s.ChainIndex+1 {
			break
		}

		fold := crypto.SHA256(append(append([]byte(nil), s.VerifiedOutput...), tail.Signature[:]...))
		if !bytes.Equal(fold[:], tail.Output[:]) {
			events = append(events, DrainEvent{ChainIndex: tail.ChainIndex, Update: tail, Invalid: true})
			if tail.ChainIndex == incoming {
				incomingHandled = true
			}
			break
		}

		s.ChainIndex = tail.ChainIndex
		s.VerifiedOutput = append([]byte(nil), fold[:]...)
		s.pending = s.pending[:len(s.pending)-1]

		wasUnverified := s.reportedUnverified[tail.ChainIndex]
		delete(s.reportedUnverified, tail.ChainIndex)

		if tail.ChainIndex == incoming {
			incomingHandled = true
			events = append(events, DrainEvent{ChainIndex: tail.ChainIndex, Update: tail, Verified: true})
		} else {
			events = append(events, DrainEvent{ChainIndex: tail.ChainIndex, Update: tail, Verified: true, Late: wasUnverified})
		}
	}

	if !incomingHandled {
		s.reportedUnverified[incoming] = true
		events = append(events, DrainEvent{ChainIndex: incoming, Update: lookupPending(s.pending, incoming)})
	}

	return events
}

func lookupPending(pending []pendingEntry, chainIndex uint32) protocol.Update {
	for _, p := range pending {
		if p.update.ChainIndex == chainIndex {
			return p.update
		}
	}
	return protocol.Update{}
}

// evictOverflow drops the oldest-arrived pending update once the queue
// exceeds maxPending, logging a warning.
func (s *State) evictOverflow() {
	max := s.maxPending
	if max <= 0 {
		max = DefaultMaxPending
	}
	for len(s.pending) > max {
		oldest := 0
		for i := 1; i < len(s.pending); i++ {
			if s.pending[i].seq < s.pending[oldest].seq {
				oldest = i
			}
		}
		dropped := s.pending[oldest]
		s.pending = append(s.pending[:oldest], s.pending[oldest+1:]...)
		s.logger.Warn().
			Uint32("chain_index", dropped.update.ChainIndex).
			Int("max_pending", max).
			Msg("dropping oldest pending update, queue overflow")
	}
}
