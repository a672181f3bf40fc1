package event

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/tdalabs/tda/pkg/derivation"
)

func sampleKeyConfig() KeyConfig {
	return KeyConfig{
		Threshold:          1,
		PublicKeys:         []derivation.Prefix{derivation.FromPublicKey(make([]byte, 32))},
		ThresholdKeyDigest: derivation.FromDigest([]byte("next key")),
	}
}

func TestEventMarshalUnmarshalIcp(t *testing.T) {
	d := IcpData{
		KeyConfig:              sampleKeyConfig(),
		WitnessConfig:          []string{},
		InceptionConfiguration: []string{},
	}
	ev := Event{Prefix: "EabcDigest", Sn: 0, Data: d}

	b, err := ev.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Event
	if err := out.UnmarshalJSON(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Prefix != ev.Prefix || out.Sn != ev.Sn {
		t.Fatalf("round trip mismatch: got %+v", out)
	}
	if _, ok := out.Data.(IcpData); !ok {
		t.Fatalf("expected IcpData, got %T", out.Data)
	}
}

func TestCanonicalFormIsStable(t *testing.T) {
	d := IcpData{KeyConfig: sampleKeyConfig(), WitnessConfig: []string{}, InceptionConfiguration: []string{}}
	a, err := CanonicalInceptionData(d)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	b, err := CanonicalInceptionData(d)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("canonical serialization not stable: %s != %s", a, b)
	}
	if bytes.Contains(a, []byte("\n")) {
		t.Fatalf("canonical bytes contain a newline: %q", a)
	}
}

func TestUnmarshalRejectsUnknownFields(t *testing.T) {
	raw := []byte(`{"i":"E123","s":0,"t":"icp","d":{"key_config":{"threshold":1,"public_keys":[],"threshold_key_digest":"EAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},"witness_config":[],"inception_configuration":[],"unexpected":true}}`)
	var ev Event
	if err := ev.UnmarshalJSON(raw); err == nil {
		t.Fatalf("expected an error for an unknown field")
	}
}

func TestSignedMessageEncodeDecodeStream(t *testing.T) {
	icp := Event{Prefix: "Eprefix", Sn: 0, Data: IcpData{
		KeyConfig:              sampleKeyConfig(),
		WitnessConfig:          []string{},
		InceptionConfiguration: []string{},
	}}
	ixn := Event{Prefix: "Eprefix", Sn: 1, Data: IxnData{
		PreviousEventHash: derivation.FromDigest([]byte("prev")),
		Data:              []DigestSeal{{Digest: derivation.FromDigest([]byte("payload"))}},
	}}

	msgs := []SignedMessage{
		{Message: Message{Event: icp}, Signatures: []derivation.IndexedSignature{{Index: 0, Sig: derivation.FromSignature(make([]byte, 64))}}},
		{Message: Message{Event: ixn}, Signatures: []derivation.IndexedSignature{{Index: 0, Sig: derivation.FromSignature(make([]byte, 64))}}},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	dec := NewDecoder(&buf)
	var got []SignedMessage
	for {
		m, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, m)
	}

	if len(got) != len(msgs) {
		t.Fatalf("expected %d messages, got %d", len(msgs), len(got))
	}
	for i := range got {
		if got[i].Message.Event.Sn != msgs[i].Message.Event.Sn {
			t.Fatalf("message %d sn mismatch: got %d want %d", i, got[i].Message.Event.Sn, msgs[i].Message.Event.Sn)
		}
	}
}
