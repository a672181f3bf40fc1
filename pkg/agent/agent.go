// Package agent implements LogState: the agent's own Key Event Log, its
// current and pre-rotated keypairs, the receipt map, the out-of-order
// receipt escrow, and the five operations that mutate them:
// incept/rotate/interact/make_receipt/ingest_receipt.
package agent

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tdalabs/tda/pkg/crypto"
	"github.com/tdalabs/tda/pkg/derivation"
	"github.com/tdalabs/tda/pkg/event"
	"github.com/tdalabs/tda/pkg/identifier"
	"github.com/tdalabs/tda/pkg/kvstore"
)

var (
	// ErrAlreadyIncepted is returned by Incept if the log is non-empty.
	ErrAlreadyIncepted = errors.New("agent: identifier already incepted")
	// ErrNotIncepted is returned by operations that require an established log.
	ErrNotIncepted = errors.New("agent: identifier not yet incepted")
	// ErrUnknownSn is returned when a receipt names an sn we have no event for.
	ErrUnknownSn = errors.New("agent: incorrect receipt sn")
)

// escrowEntry bounds how many times a stuck receipt is retried, per the
// Open Question in spec.md §9: escrow has no TTL specified but
// implementations SHOULD bound it.
type escrowEntry struct {
	receipt event.SignedMessage
	tries   int
}

// maxEscrowRetries bounds the number of ReevaluateEscrow passes that retry a
// single escrowed receipt: one that still does not bind on its
// maxEscrowRetries-th pass is dropped.
const maxEscrowRetries = 16

// LogState is the agent's own KEL: the append-only log, the receipt map
// indexed by sequence number, the escrow, the replay state, and the
// keypairs that sign future events.
type LogState struct {
	mu sync.Mutex

	log      []event.SignedMessage
	receipts map[uint64][]event.SignedMessage
	escrow   []escrowEntry

	state identifier.State

	keypair     crypto.KeyPair // currently-authoritative signing key
	nextKeypair crypto.KeyPair // pre-rotation commitment; only key allowed to sign the next rotation

	store *kvstore.Store // optional; nil means in-memory only
}

// New returns an empty, uninitialized LogState. Call Incept or Restore
// before use.
func New() *LogState {
	return &LogState{
		receipts: make(map[uint64][]event.SignedMessage),
	}
}

// SetStore attaches a persistence backend. Every subsequent append (Incept,
// Rotate, Interact) writes through to store inside the same critical
// section as the in-memory append. The event and the state snapshot are
// two separate store writes, not one atomic transaction: a failure between
// them leaves the event persisted without the matching state. A nil store
// disables persistence.
func (l *LogState) SetStore(store *kvstore.Store) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store = store
}

// Restore rebuilds a LogState from a persisted store: replays every event
// sn=0.. it holds through VerifyAndApply to reconstruct the in-memory log
// and state, then attaches currentKeypair/nextKeypair (the store does not
// persist private keys; the caller loads them separately, e.g. from the
// path in pkg/config). Returns an empty, freshly-Incept-able LogState with
// the store attached if nothing has been persisted yet.
func Restore(store *kvstore.Store, currentKeypair, nextKeypair crypto.KeyPair) (*LogState, error) {
	l := New()
	l.store = store

	for sn := uint64(0); ; sn++ {
		msg, err := store.LoadEvent(sn)
		if err != nil {
			break
		}
		next, err := identifier.VerifyAndApply(l.state, msg)
		if err != nil {
			return nil, fmt.Errorf("agent: restore: replaying sn %d: %w", sn, err)
		}
		l.log = append(l.log, msg)
		l.state = next
	}

	if len(l.log) > 0 {
		l.keypair = currentKeypair
		l.nextKeypair = nextKeypair
	}
	return l, nil
}

// persistLocked writes the just-appended event and the resulting state to
// the store, if one is attached. Called with l.mu held.
func (l *LogState) persistLocked(sn uint64, msg event.SignedMessage) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.SaveEvent(sn, msg); err != nil {
		return fmt.Errorf("agent: persist event: %w", err)
	}
	if err := l.store.SaveState(l.state); err != nil {
		return fmt.Errorf("agent: persist state: %w", err)
	}
	return nil
}

// State returns a copy of the current replay state.
func (l *LogState) State() identifier.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Keys returns the current and next keypairs, for the caller to persist to
// disk (pkg/agent never writes private keys itself; see Restore).
func (l *LogState) Keys() (current, next crypto.KeyPair) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.keypair, l.nextKeypair
}

// Log returns the events appended so far, in order. The slice is a copy.
func (l *LogState) Log() []event.SignedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.SignedMessage, len(l.log))
	copy(out, l.log)
	return out
}

// Last returns the most recently appended event, or an error if the log
// is empty.
func (l *LogState) Last() (event.SignedMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.log) == 0 {
		return event.SignedMessage{}, ErrNotIncepted
	}
	return l.log[len(l.log)-1], nil
}

// Receipts returns a copy of the receipts stored under sn.
func (l *LogState) Receipts(sn uint64) []event.SignedMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	rs := l.receipts[sn]
	out := make([]event.SignedMessage, len(rs))
	copy(out, rs)
	return out
}

func sign(kp crypto.KeyPair, data []byte, index int) derivation.IndexedSignature {
	sig := crypto.Sign(kp.Private, data)
	return derivation.IndexedSignature{Index: index, Sig: derivation.FromSignature(sig)}
}

// Incept generates a fresh current and next Ed25519 keypair, builds and
// signs the inception event, applies it to the zero state, and appends it
// to the log. Fails if the log is already non-empty.
func (l *LogState) Incept() (event.SignedMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.log) != 0 {
		return event.SignedMessage{}, ErrAlreadyIncepted
	}

	current, err := crypto.GenerateKeyPair()
	if err != nil {
		return event.SignedMessage{}, fmt.Errorf("incept: generate current keypair: %w", err)
	}
	next, err := crypto.GenerateKeyPair()
	if err != nil {
		return event.SignedMessage{}, fmt.Errorf("incept: generate next keypair: %w", err)
	}

	nextPrefix := derivation.FromPublicKey(next.Public)
	keyConfig := event.KeyConfig{
		Threshold:          1,
		PublicKeys:         []derivation.Prefix{derivation.FromPublicKey(current.Public)},
		ThresholdKeyDigest: derivation.FromDigest([]byte(nextPrefix.String())),
	}
	icpData := event.IcpData{
		KeyConfig:              keyConfig,
		WitnessConfig:          []string{},
		InceptionConfiguration: []string{},
	}
	inceptionBytes, err := event.CanonicalInceptionData(icpData)
	if err != nil {
		return event.SignedMessage{}, err
	}
	pref := derivation.FromDigest(inceptionBytes)

	msg := event.SignedMessage{
		Message: event.Message{Event: event.Event{Prefix: pref.String(), Sn: 0, Data: icpData}},
	}
	serialized, err := msg.Message.Serialize()
	if err != nil {
		return event.SignedMessage{}, err
	}
	msg.Signatures = []derivation.IndexedSignature{sign(current, serialized, 0)}

	next2, err := identifier.VerifyAndApply(l.state, msg)
	if err != nil {
		return event.SignedMessage{}, fmt.Errorf("incept: self-verification failed: %w", err)
	}

	l.log = append(l.log, msg)
	l.state = next2
	l.keypair = current
	l.nextKeypair = next
	if err := l.persistLocked(0, msg); err != nil {
		return event.SignedMessage{}, err
	}
	return msg, nil
}

// Rotate promotes nextKeypair to current, generates a fresh next keypair,
// builds and signs a Rot event with the newly-promoted key, applies it,
// and only swaps the stored keypairs after successful application.
func (l *LogState) Rotate() (event.SignedMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.IsZero() {
		return event.SignedMessage{}, ErrNotIncepted
	}

	promoted := l.nextKeypair
	freshNext, err := crypto.GenerateKeyPair()
	if err != nil {
		return event.SignedMessage{}, fmt.Errorf("rotate: generate next keypair: %w", err)
	}

	freshNextPrefix := derivation.FromPublicKey(freshNext.Public)
	prevHash := crypto.DigestBlake3(l.state.Last)
	keyConfig := event.KeyConfig{
		Threshold:          1,
		PublicKeys:         []derivation.Prefix{derivation.FromPublicKey(promoted.Public)},
		ThresholdKeyDigest: derivation.FromDigest([]byte(freshNextPrefix.String())),
	}
	rotData := event.RotData{
		PreviousEventHash: derivation.Prefix{Code: derivation.SelfAddressing, Raw: prevHash[:]},
		KeyConfig:          keyConfig,
		WitnessConfig:      []string{},
		Data:               []event.DigestSeal{},
	}
	msg := event.SignedMessage{
		Message: event.Message{Event: event.Event{Prefix: l.state.Prefix, Sn: l.state.Sn + 1, Data: rotData}},
	}
	serialized, err := msg.Message.Serialize()
	if err != nil {
		return event.SignedMessage{}, err
	}
	msg.Signatures = []derivation.IndexedSignature{sign(promoted, serialized, 0)}

	next, err := identifier.VerifyAndApply(l.state, msg)
	if err != nil {
		return event.SignedMessage{}, fmt.Errorf("rotate: self-verification failed: %w", err)
	}

	l.log = append(l.log, msg)
	l.state = next
	l.keypair = promoted
	l.nextKeypair = freshNext
	if err := l.persistLocked(msg.Message.Event.Sn, msg); err != nil {
		return event.SignedMessage{}, err
	}
	return msg, nil
}

// Interact builds an Ixn event anchoring payload's digest, signs it with
// the current key, applies it, and appends it to the log.
func (l *LogState) Interact(payload []byte) (event.SignedMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.IsZero() {
		return event.SignedMessage{}, ErrNotIncepted
	}

	prevHash := crypto.DigestBlake3(l.state.Last)
	ixnData := event.IxnData{
		PreviousEventHash: derivation.Prefix{Code: derivation.SelfAddressing, Raw: prevHash[:]},
		Data:              []event.DigestSeal{{Digest: derivation.FromDigest(payload)}},
	}
	msg := event.SignedMessage{
		Message: event.Message{Event: event.Event{Prefix: l.state.Prefix, Sn: l.state.Sn + 1, Data: ixnData}},
	}
	serialized, err := msg.Message.Serialize()
	if err != nil {
		return event.SignedMessage{}, err
	}
	msg.Signatures = []derivation.IndexedSignature{sign(l.keypair, serialized, 0)}

	next, err := identifier.VerifyAndApply(l.state, msg)
	if err != nil {
		return event.SignedMessage{}, fmt.Errorf("interact: self-verification failed: %w", err)
	}

	l.log = append(l.log, msg)
	l.state = next
	if err := l.persistLocked(msg.Message.Event.Sn, msg); err != nil {
		return event.SignedMessage{}, err
	}
	return msg, nil
}

// MakeReceipt produces a Vrc attesting to receiptedEvent, signed over the
// receipted event's own canonical bytes (not the Vrc's) so the signature
// travels with the receipted event when forwarded.
func (l *LogState) MakeReceipt(receiptedEvent event.Message) (event.SignedMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.IsZero() {
		return event.SignedMessage{}, ErrNotIncepted
	}

	receiptedBytes, err := receiptedEvent.Serialize()
	if err != nil {
		return event.SignedMessage{}, err
	}
	receiptedDigest := crypto.DigestBlake3(receiptedBytes)
	tipDigest := crypto.DigestBlake3(l.state.Last)

	vrcData := event.VrcData{
		ReceiptedEventDigest: derivation.Prefix{Code: derivation.SelfAddressing, Raw: receiptedDigest[:]},
		ValidatorLocationSeal: event.EventSeal{
			Prefix:      l.state.Prefix,
			EventDigest: derivation.Prefix{Code: derivation.SelfAddressing, Raw: tipDigest[:]},
		},
	}
	vrcMsg := event.SignedMessage{
		Message: event.Message{Event: event.Event{
			Prefix: receiptedEvent.Event.Prefix,
			Sn:     receiptedEvent.Event.Sn,
			Data:   vrcData,
		}},
		Signatures: []derivation.IndexedSignature{sign(l.keypair, receiptedBytes, 0)},
	}
	return vrcMsg, nil
}

// IngestReceipt validates a Vrc naming one of our own events, binding it
// to validatorState (our mirror of the issuing validator's replay state).
// On success the receipt is either committed under receipts[sn] (the
// validator's seal matches its observed tip) or pushed into escrow (the
// seal names a tip we have not yet seen) — either is a non-error outcome;
// only a malformed or wrongly-bound receipt returns an error.
func (l *LogState) IngestReceipt(validatorState identifier.State, signedReceipt event.SignedMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ingestReceiptLocked(validatorState, signedReceipt)
}

// receiptOutcome classifies a binding check's result.
type receiptOutcome int

const (
	outcomeCommit receiptOutcome = iota
	outcomeEscrow
)

// checkReceiptBinding runs every binding check in spec.md §4.5 and reports
// whether the receipt should be committed or escrowed. It performs no
// mutation; callers decide where the receipt goes.
func (l *LogState) checkReceiptBinding(validatorState identifier.State, signedReceipt event.SignedMessage) (receiptOutcome, []byte, error) {
	r, ok := signedReceipt.Message.Event.Data.(event.VrcData)
	if !ok {
		return 0, nil, fmt.Errorf("%w: not a receipt", identifier.ErrSemantic)
	}

	sn := signedReceipt.Message.Event.Sn
	if sn >= uint64(len(l.log)) {
		return 0, nil, fmt.Errorf("%w", ErrUnknownSn)
	}
	receiptedEvent := l.log[sn]

	if signedReceipt.Message.Event.Prefix != l.state.Prefix {
		return 0, nil, fmt.Errorf("%w: incorrect receipt binding", identifier.ErrSemantic)
	}

	receiptedBytes, err := receiptedEvent.Message.Serialize()
	if err != nil {
		return 0, nil, err
	}
	wantDigest := crypto.DigestBlake3(receiptedBytes)
	if string(r.ReceiptedEventDigest.Raw) != string(wantDigest[:]) {
		return 0, nil, fmt.Errorf("%w: receipted event digest mismatch", identifier.ErrSemantic)
	}

	if r.ValidatorLocationSeal.Prefix != validatorState.Prefix {
		return 0, nil, fmt.Errorf("%w: validator seal names a different validator", identifier.ErrSemantic)
	}

	tipDigest := crypto.DigestBlake3(validatorState.Last)
	if string(r.ValidatorLocationSeal.EventDigest.Raw) != string(tipDigest[:]) {
		// Validator seal references a tip we have not yet observed.
		return outcomeEscrow, receiptedBytes, nil
	}

	if len(validatorState.CurrentKeys.PublicKeys) == 0 {
		return 0, nil, fmt.Errorf("%w: validator state has no current keys", identifier.ErrSemantic)
	}
	if len(signedReceipt.Signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: receipt carries no signature", identifier.ErrSemantic)
	}
	pub := validatorState.CurrentKeys.PublicKeys[0]
	if pub.Code != derivation.Basic || !crypto.Verify(pub.Raw, receiptedBytes, signedReceipt.Signatures[0].Sig.Raw) {
		return 0, nil, fmt.Errorf("%w", identifier.ErrCrypto)
	}

	return outcomeCommit, receiptedBytes, nil
}

func (l *LogState) ingestReceiptLocked(validatorState identifier.State, signedReceipt event.SignedMessage) error {
	outcome, _, err := l.checkReceiptBinding(validatorState, signedReceipt)
	if err != nil {
		return err
	}
	sn := signedReceipt.Message.Event.Sn
	switch outcome {
	case outcomeEscrow:
		l.escrow = append(l.escrow, escrowEntry{receipt: signedReceipt})
	case outcomeCommit:
		l.receipts[sn] = append(l.receipts[sn], signedReceipt)
	}
	return nil
}

// ReevaluateEscrow retries escrowed receipts for validatorPrefix against
// its newly-advanced state. Entries that bind succeed and move into
// receipts[sn]; entries that still don't bind are kept (up to
// maxEscrowRetries); entries exceeding the retry bound or that error out
// are dropped. This supplements ingest_receipt per spec.md §5 ("escrow
// entries ... MUST be re-evaluated on every new validator-state advance
// for that prefix").
func (l *LogState) ReevaluateEscrow(validatorPrefix string, validatorState identifier.State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := make([]escrowEntry, 0, len(l.escrow))
	for _, entry := range l.escrow {
		r, ok := entry.receipt.Message.Event.Data.(event.VrcData)
		if !ok || r.ValidatorLocationSeal.Prefix != validatorPrefix {
			kept = append(kept, entry)
			continue
		}
		outcome, _, err := l.checkReceiptBinding(validatorState, entry.receipt)
		if err != nil {
			continue // malformed; drop
		}
		if outcome == outcomeCommit {
			sn := entry.receipt.Message.Event.Sn
			l.receipts[sn] = append(l.receipts[sn], entry.receipt)
			continue
		}
		entry.tries++
		if entry.tries < maxEscrowRetries {
			kept = append(kept, entry)
		}
	}
	l.escrow = kept
}
