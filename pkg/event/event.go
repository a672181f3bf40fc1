// Package event defines the KERI-style event model: the tagged event
// variants (inception, rotation, interaction, receipt), key configurations
// and seals, and canonical JSON serialization. Canonical form is what gets
// hashed and signed, so the encoder is deterministic: field order follows
// struct declaration order, separators are compact, and HTML-escaping is
// disabled so that two semantically equal events always serialize to
// byte-identical output.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tdalabs/tda/pkg/derivation"
)

// Type tags an EventData variant.
type Type string

const (
	Icp Type = "icp"
	Rot Type = "rot"
	Ixn Type = "ixn"
	Vrc Type = "vrc"
)

// ErrDeserialization is returned when bytes cannot be parsed as a canonical
// event, or carry fields outside the canonical grammar.
var ErrDeserialization = errors.New("event: deserialization error")

// KeyConfig carries the signing authority for an identifier at a given
// establishment event, plus the pre-rotation commitment to the next key set.
type KeyConfig struct {
	Threshold          uint64              `json:"threshold"`
	PublicKeys         []derivation.Prefix `json:"public_keys"`
	ThresholdKeyDigest derivation.Prefix   `json:"threshold_key_digest"`
}

// EventSeal identifies an establishment event of some identifier.
type EventSeal struct {
	Prefix      string            `json:"prefix"`
	EventDigest derivation.Prefix `json:"event_digest"`
}

// DigestSeal anchors arbitrary payload bytes by their digest.
type DigestSeal struct {
	Digest derivation.Prefix `json:"digest"`
}

// IcpData is the inception variant's payload: sn is always 0.
type IcpData struct {
	KeyConfig              KeyConfig `json:"key_config"`
	WitnessConfig          []string  `json:"witness_config"`
	InceptionConfiguration []string  `json:"inception_configuration"`
}

func (IcpData) Kind() Type { return Icp }

// RotData is the rotation variant's payload: sn >= 1.
type RotData struct {
	PreviousEventHash derivation.Prefix `json:"previous_event_hash"`
	KeyConfig         KeyConfig         `json:"key_config"`
	WitnessConfig     []string          `json:"witness_config"`
	Data              []DigestSeal      `json:"data"`
}

func (RotData) Kind() Type { return Rot }

// IxnData is the interaction variant's payload: sn >= 1, keys unchanged.
type IxnData struct {
	PreviousEventHash derivation.Prefix `json:"previous_event_hash"`
	Data              []DigestSeal      `json:"data"`
}

func (IxnData) Kind() Type { return Ixn }

// VrcData is the receipt variant's payload: a validator's attestation of
// some event in another identifier's log.
type VrcData struct {
	ReceiptedEventDigest  derivation.Prefix `json:"receipted_event_digest"`
	ValidatorLocationSeal EventSeal         `json:"validator_location_seal"`
}

func (VrcData) Kind() Type { return Vrc }

// Data is implemented by Icp/Rot/Ixn/VrcData.
type Data interface {
	Kind() Type
}

// Event is { prefix, sn, event_data }. Canonical JSON emits fields in this
// declaration order: i (prefix), s (sn), t (type), d (data).
type Event struct {
	Prefix string
	Sn     uint64
	Data   Data
}

// wireEvent is the canonical on-the-wire shape. Field order here IS the
// canonical field order: changing it changes every digest in the system.
type wireEvent struct {
	Prefix string          `json:"i"`
	Sn     uint64          `json:"s"`
	Type   Type            `json:"t"`
	Data   json.RawMessage `json:"d"`
}

// MarshalJSON renders e in canonical form.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("%w: nil event data", ErrDeserialization)
	}
	d, err := marshalCanonical(e.Data)
	if err != nil {
		return nil, err
	}
	return marshalCanonical(wireEvent{Prefix: e.Prefix, Sn: e.Sn, Type: e.Data.Kind(), Data: d})
}

// UnmarshalJSON parses canonical form, rejecting unknown fields at every
// level so that digests computed on the receiving side match the sender's.
func (e *Event) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var w wireEvent
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	data, err := decodeData(w.Type, w.Data)
	if err != nil {
		return err
	}
	e.Prefix = w.Prefix
	e.Sn = w.Sn
	e.Data = data
	return nil
}

func decodeData(t Type, raw json.RawMessage) (Data, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	switch t {
	case Icp:
		var d IcpData
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("%w: icp: %v", ErrDeserialization, err)
		}
		return d, nil
	case Rot:
		var d RotData
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("%w: rot: %v", ErrDeserialization, err)
		}
		return d, nil
	case Ixn:
		var d IxnData
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("%w: ixn: %v", ErrDeserialization, err)
		}
		return d, nil
	case Vrc:
		var d VrcData
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("%w: vrc: %v", ErrDeserialization, err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrDeserialization, t)
	}
}

// marshalCanonical serializes v as compact JSON with HTML-escaping
// disabled, no trailing newline.
func marshalCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Message pairs an Event with its canonical serialization (JSON in this
// core; the format tag is implicit since only one format is supported).
type Message struct {
	Event Event
}

// Serialize returns the canonical bytes that get hashed and signed.
func (m Message) Serialize() ([]byte, error) {
	return marshalCanonical(m.Event)
}

// CanonicalInceptionData serializes only the Icp payload (key_config,
// witness_config, inception_configuration) without the enclosing
// {prefix, sn, ...} envelope. The inception identifier is derived by
// digesting exactly these bytes: the envelope cannot be hashed first
// because it would need to already contain the prefix being derived.
func CanonicalInceptionData(d IcpData) ([]byte, error) {
	return marshalCanonical(d)
}

// SignedMessage is an EventMessage with its attached signatures. Signatures
// cover the exact bytes of Message.Serialize() — the event is signed
// standalone, before it is ever wrapped for the wire.
type SignedMessage struct {
	Message    Message
	Signatures []derivation.IndexedSignature
}

// wireSignedMessage is the on-the-wire envelope: the event's own canonical
// bytes nested as a field, alongside its indexed signatures. A TCP payload
// carries these concatenated back-to-back; json.Decoder.Decode, called
// repeatedly over the same stream, finds each boundary by brace balance
// without needing a separate length prefix.
type wireSignedMessage struct {
	Event      json.RawMessage               `json:"event"`
	Signatures []derivation.IndexedSignature `json:"signatures"`
}

// MarshalJSON renders the signed message as its wire envelope.
func (m SignedMessage) MarshalJSON() ([]byte, error) {
	eventBytes, err := m.Message.Serialize()
	if err != nil {
		return nil, err
	}
	return marshalCanonical(wireSignedMessage{Event: eventBytes, Signatures: m.Signatures})
}

// UnmarshalJSON parses a signed message from its wire envelope.
func (m *SignedMessage) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var w wireSignedMessage
	if err := dec.Decode(&w); err != nil {
		return fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	var ev Event
	if err := json.Unmarshal(w.Event, &ev); err != nil {
		return err
	}
	m.Message = Message{Event: ev}
	m.Signatures = w.Signatures
	return nil
}

// Encoder writes a stream of concatenated canonical SignedMessages to w.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc}
}

// Encode writes msg's wire envelope to the stream.
func (e *Encoder) Encode(msg SignedMessage) error {
	return e.enc.Encode(msg)
}

// Decoder reads a stream of concatenated canonical SignedMessages, each
// delimited from the next by ordinary JSON brace balance.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// More reports whether there is another signed message to decode.
func (d *Decoder) More() bool {
	return d.dec.More()
}

// Decode reads the next signed message from the stream. Returns io.EOF
// (unwrapped, checkable with errors.Is) when the stream ends cleanly
// between messages.
func (d *Decoder) Decode() (SignedMessage, error) {
	var msg SignedMessage
	if err := d.dec.Decode(&msg); err != nil {
		if errors.Is(err, io.EOF) {
			return SignedMessage{}, err
		}
		return SignedMessage{}, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	return msg, nil
}
