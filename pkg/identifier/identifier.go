// Package identifier implements the per-peer replay state: the pure
// verify_and_apply transition function that validates an incoming signed
// event against the current IdentifierState and produces the next state,
// enforcing sequence monotonicity, hash chaining and the pre-rotation
// commitment.
package identifier

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tdalabs/tda/pkg/crypto"
	"github.com/tdalabs/tda/pkg/derivation"
	"github.com/tdalabs/tda/pkg/event"
)

// Error kinds named by spec §7. Crypto/semantic/malformed failures are all
// wrapped with one of these sentinels so callers can classify without
// string matching.
var (
	ErrCrypto         = errors.New("crypto error")
	ErrSemantic       = errors.New("semantic error")
	ErrMalformed      = errors.New("malformed prefix")
	ErrDeserialization = errors.New("deserialization error")
)

// State is the per-identifier replay state mirrored for a remote peer (or,
// inside LogState, the agent's own tip).
type State struct {
	Prefix          string
	Sn              uint64
	Last            []byte // canonical bytes of the last applied establishment-or-interaction event
	CurrentKeys     event.KeyConfig
	NextKeysDigest  derivation.Prefix
	Witnesses       []string
	Tally           uint64
}

// IsZero reports whether s is the initial, pre-inception state.
func (s State) IsZero() bool {
	return s.Prefix == "" && s.Sn == 0 && s.Last == nil
}

func semanticf(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSemantic, fmt.Sprintf(format, a...))
}

// VerifyAndApply validates msg against state and returns the next state, or
// a typed error. It never mutates state; on error the caller's existing
// state remains valid.
func VerifyAndApply(state State, msg event.SignedMessage) (State, error) {
	switch d := msg.Message.Event.Data.(type) {
	case event.IcpData:
		return applyIcp(state, msg, d)
	case event.RotData:
		return applyRot(state, msg, d)
	case event.IxnData:
		return applyIxn(state, msg, d)
	case event.VrcData:
		return State{}, semanticf("not an establishment event")
	default:
		return State{}, fmt.Errorf("%w: unknown event data type %T", ErrDeserialization, d)
	}
}

func applyIcp(state State, msg event.SignedMessage, d event.IcpData) (State, error) {
	if !state.IsZero() {
		return State{}, semanticf("icp on an already-established identifier")
	}
	inceptionBytes, err := event.CanonicalInceptionData(d)
	if err != nil {
		return State{}, err
	}
	pref := derivation.FromDigest(inceptionBytes)
	if msg.Message.Event.Prefix != pref.String() {
		return State{}, semanticf("inception prefix does not match digest of inception data")
	}
	if len(d.KeyConfig.PublicKeys) == 0 {
		return State{}, semanticf("icp key_config has no public keys")
	}
	serialized, err := msg.Message.Serialize()
	if err != nil {
		return State{}, err
	}
	sig, err := singleSignatureAtIndex(msg, 0)
	if err != nil {
		return State{}, err
	}
	if err := verifySignature(d.KeyConfig.PublicKeys[0], serialized, sig); err != nil {
		return State{}, err
	}
	return State{
		Prefix:         pref.String(),
		Sn:             0,
		Last:           serialized,
		CurrentKeys:    d.KeyConfig,
		NextKeysDigest: d.KeyConfig.ThresholdKeyDigest,
		Witnesses:      append([]string(nil), d.WitnessConfig...),
	}, nil
}

func applyRot(state State, msg event.SignedMessage, d event.RotData) (State, error) {
	if state.IsZero() {
		return State{}, semanticf("rot on an unestablished identifier")
	}
	if msg.Message.Event.Prefix != state.Prefix {
		return State{}, semanticf("rot prefix does not match current state")
	}
	if msg.Message.Event.Sn != state.Sn+1 {
		return State{}, semanticf("rot sn %d is not state.sn+1 (%d)", msg.Message.Event.Sn, state.Sn+1)
	}
	wantPrev := crypto.DigestBlake3(state.Last)
	if !bytes.Equal(d.PreviousEventHash.Raw, wantPrev[:]) || d.PreviousEventHash.Code != derivation.SelfAddressing {
		return State{}, semanticf("rot previous_event_hash does not chain from state.last")
	}
	if len(d.KeyConfig.PublicKeys) == 0 {
		return State{}, semanticf("rot key_config has no public keys")
	}
	newKeyDigest := derivation.FromDigest([]byte(d.KeyConfig.PublicKeys[0].String()))
	if newKeyDigest.String() != state.NextKeysDigest.String() {
		return State{}, semanticf("pre-rotation check failed: new key does not match committed next_keys_digest")
	}
	serialized, err := msg.Message.Serialize()
	if err != nil {
		return State{}, err
	}
	sig, err := singleSignatureAtIndex(msg, 0)
	if err != nil {
		return State{}, err
	}
	if err := verifySignature(d.KeyConfig.PublicKeys[0], serialized, sig); err != nil {
		return State{}, err
	}
	next := state
	next.Sn = msg.Message.Event.Sn
	next.Last = serialized
	next.CurrentKeys = d.KeyConfig
	next.NextKeysDigest = d.KeyConfig.ThresholdKeyDigest
	next.Witnesses = append([]string(nil), d.WitnessConfig...)
	return next, nil
}

func applyIxn(state State, msg event.SignedMessage, d event.IxnData) (State, error) {
	if state.IsZero() {
		return State{}, semanticf("ixn on an unestablished identifier")
	}
	if msg.Message.Event.Prefix != state.Prefix {
		return State{}, semanticf("ixn prefix does not match current state")
	}
	if msg.Message.Event.Sn != state.Sn+1 {
		return State{}, semanticf("ixn sn %d is not state.sn+1 (%d)", msg.Message.Event.Sn, state.Sn+1)
	}
	wantPrev := crypto.DigestBlake3(state.Last)
	if !bytes.Equal(d.PreviousEventHash.Raw, wantPrev[:]) || d.PreviousEventHash.Code != derivation.SelfAddressing {
		return State{}, semanticf("ixn previous_event_hash does not chain from state.last")
	}
	if len(state.CurrentKeys.PublicKeys) == 0 {
		return State{}, semanticf("ixn on identifier with no current keys")
	}
	serialized, err := msg.Message.Serialize()
	if err != nil {
		return State{}, err
	}
	sig, err := singleSignatureAtIndex(msg, 0)
	if err != nil {
		return State{}, err
	}
	if err := verifySignature(state.CurrentKeys.PublicKeys[0], serialized, sig); err != nil {
		return State{}, err
	}
	next := state
	next.Sn = msg.Message.Event.Sn
	next.Last = serialized
	return next, nil
}

func singleSignatureAtIndex(msg event.SignedMessage, index int) (derivation.IndexedSignature, error) {
	for _, s := range msg.Signatures {
		if s.Index == index {
			return s, nil
		}
	}
	return derivation.IndexedSignature{}, semanticf("no attached signature at index %d", index)
}

func verifySignature(pub derivation.Prefix, data []byte, sig derivation.IndexedSignature) error {
	if pub.Code != derivation.Basic {
		return fmt.Errorf("%w: signing key prefix is not a basic ed25519 key", ErrMalformed)
	}
	if !crypto.Verify(pub.Raw, data, sig.Sig.Raw) {
		return fmt.Errorf("%w: signature verification failed", ErrCrypto)
	}
	return nil
}
