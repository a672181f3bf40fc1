package kvstore

import (
	"errors"
	"testing"

	"github.com/tdalabs/tda/pkg/derivation"
	"github.com/tdalabs/tda/pkg/event"
	"github.com/tdalabs/tda/pkg/identifier"
)

// memKV is a trivial in-memory KV backend for exercising Store without an
// actual embedded database.
type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key []byte) ([]byte, error) { return m.data[string(key)], nil }

func (m *memKV) Set(key, value []byte) error {
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func sampleSignedMessage() event.SignedMessage {
	icp := event.IcpData{
		KeyConfig: event.KeyConfig{
			Threshold:          1,
			PublicKeys:         []derivation.Prefix{derivation.FromPublicKey(make([]byte, 32))},
			ThresholdKeyDigest: derivation.FromDigest([]byte("next")),
		},
		WitnessConfig:          []string{},
		InceptionConfiguration: []string{},
	}
	return event.SignedMessage{
		Message:    event.Message{Event: event.Event{Prefix: "Eprefix", Sn: 0, Data: icp}},
		Signatures: []derivation.IndexedSignature{{Index: 0, Sig: derivation.FromSignature(make([]byte, 64))}},
	}
}

func TestSaveLoadEventRoundTrip(t *testing.T) {
	s := New(newMemKV())
	msg := sampleSignedMessage()

	if err := s.SaveEvent(0, msg); err != nil {
		t.Fatalf("save event: %v", err)
	}
	got, err := s.LoadEvent(0)
	if err != nil {
		t.Fatalf("load event: %v", err)
	}
	if got.Message.Event.Prefix != msg.Message.Event.Prefix || got.Message.Event.Sn != msg.Message.Event.Sn {
		t.Fatalf("round trip mismatch: got %+v", got.Message.Event)
	}
}

func TestLoadEventMissingReturnsError(t *testing.T) {
	s := New(newMemKV())
	if _, err := s.LoadEvent(42); err == nil {
		t.Fatalf("expected an error loading a never-saved sn")
	}
}

func TestSaveLoadStateRoundTrip(t *testing.T) {
	s := New(newMemKV())
	st := identifier.State{
		Prefix: "Eprefix",
		Sn:     3,
		Last:   []byte("last event bytes"),
		CurrentKeys: event.KeyConfig{
			Threshold:          1,
			PublicKeys:         []derivation.Prefix{derivation.FromPublicKey(make([]byte, 32))},
			ThresholdKeyDigest: derivation.FromDigest([]byte("next")),
		},
		NextKeysDigest: derivation.FromDigest([]byte("next")),
	}

	if err := s.SaveState(st); err != nil {
		t.Fatalf("save state: %v", err)
	}
	got, err := s.LoadState()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if got.Prefix != st.Prefix || got.Sn != st.Sn {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestLoadStateOnFreshStoreReturnsNotFound(t *testing.T) {
	s := New(newMemKV())
	if _, err := s.LoadState(); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}
