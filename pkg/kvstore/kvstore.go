// Package kvstore persists LogState to an embedded key-value store: the
// signed event at each sequence number, plus the current IdentifierState
// snapshot. Persistence is optional — the agent runs fine on an in-memory
// LogState — but recovers a prior KEL across restarts when a store is
// supplied.
//
// CONCURRENCY: Store assumes single-writer access, called only from
// LogState's append path while its mutex is held. If used from multiple
// goroutines independently, wrap it with your own synchronization.
package kvstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tdalabs/tda/pkg/derivation"
	"github.com/tdalabs/tda/pkg/event"
	"github.com/tdalabs/tda/pkg/identifier"
)

// ErrStateNotFound is returned by LoadState when no state has been
// persisted yet (fresh start).
var ErrStateNotFound = errors.New("kvstore: no persisted state")

// KV is the minimal interface a storage backend must provide. pkg/kvdb's
// KVAdapter implements it over cometbft-db.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

var (
	keyEventPrefix = []byte("tda:event:") // + big-endian sn -> json(SignedMessage)
	keyState       = []byte("tda:state")  // -> json(identifier.State)
)

func eventKey(sn uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, sn)
	return append(append([]byte{}, keyEventPrefix...), b...)
}

// Store wraps a KV backend with the agent's event/state key layout.
type Store struct {
	kv KV
}

// New wraps kv in a Store.
func New(kv KV) *Store {
	return &Store{kv: kv}
}

// SaveEvent persists the signed event at its sequence number. Call this
// once per append, inside the same critical section as the in-memory
// append, so the KV store and the in-memory log never diverge.
func (s *Store) SaveEvent(sn uint64, msg event.SignedMessage) error {
	eventBytes, err := msg.Message.Serialize()
	if err != nil {
		return fmt.Errorf("kvstore: serialize event for sn %d: %w", sn, err)
	}
	blob, err := json.Marshal(signedMessageBlob{
		Event:      eventBytes,
		Signatures: msg.Signatures,
	})
	if err != nil {
		return fmt.Errorf("kvstore: marshal signed event for sn %d: %w", sn, err)
	}
	if err := s.kv.Set(eventKey(sn), blob); err != nil {
		return fmt.Errorf("kvstore: write event for sn %d: %w", sn, err)
	}
	return nil
}

// LoadEvent returns the signed event persisted at sn, or an error if
// absent or corrupt.
func (s *Store) LoadEvent(sn uint64) (event.SignedMessage, error) {
	b, err := s.kv.Get(eventKey(sn))
	if err != nil {
		return event.SignedMessage{}, fmt.Errorf("kvstore: read event for sn %d: %w", sn, err)
	}
	if len(b) == 0 {
		return event.SignedMessage{}, fmt.Errorf("kvstore: no event persisted for sn %d", sn)
	}
	var blob signedMessageBlob
	if err := json.Unmarshal(b, &blob); err != nil {
		return event.SignedMessage{}, fmt.Errorf("kvstore: unmarshal event for sn %d: %w", sn, err)
	}
	var ev event.Event
	if err := json.Unmarshal(blob.Event, &ev); err != nil {
		return event.SignedMessage{}, fmt.Errorf("kvstore: unmarshal event data for sn %d: %w", sn, err)
	}
	return event.SignedMessage{
		Message:    event.Message{Event: ev},
		Signatures: blob.Signatures,
	}, nil
}

// SaveState persists the current IdentifierState snapshot, overwriting any
// prior snapshot.
func (s *Store) SaveState(st identifier.State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("kvstore: marshal state: %w", err)
	}
	if err := s.kv.Set(keyState, b); err != nil {
		return fmt.Errorf("kvstore: write state: %w", err)
	}
	return nil
}

// LoadState returns the persisted IdentifierState snapshot, or
// ErrStateNotFound on a fresh store.
func (s *Store) LoadState() (identifier.State, error) {
	b, err := s.kv.Get(keyState)
	if err != nil {
		return identifier.State{}, fmt.Errorf("kvstore: read state: %w", err)
	}
	if len(b) == 0 {
		return identifier.State{}, ErrStateNotFound
	}
	var st identifier.State
	if err := json.Unmarshal(b, &st); err != nil {
		return identifier.State{}, fmt.Errorf("kvstore: unmarshal state: %w", err)
	}
	return st, nil
}

type signedMessageBlob struct {
	Event      json.RawMessage              `json:"event"`
	Signatures []derivation.IndexedSignature `json:"signatures"`
}
