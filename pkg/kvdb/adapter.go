// Package kvdb wraps CometBFT's dbm.DB interface behind a minimal Get/Set
// adapter so storage packages don't depend on cometbft-db directly.
package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KVAdapter wraps a CometBFT dbm.DB and exposes a plain Get/Set interface.
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter creates a new KVAdapter for the given underlying DB.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

// Get returns the value stored under key, or nil if absent.
func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}

	if v, err := a.db.Get(key); err != nil {
		return nil, err
	} else {
		// v may be nil if key not found – callers treat nil as "not present".
		return v, nil
	}
}

// Set stores value under key, durably (SetSync).
func (a *KVAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}

	if err := a.db.SetSync(key, value); err != nil {
		return err
	}
	return nil
}