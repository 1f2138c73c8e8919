// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Package pseudonym maintains the durable bi-directional mapping between
// original subject identifiers and their pseudonyms. Mappings back GDPR
// erasure audit trails, so they persist in BadgerDB; both lookup directions
// are indexed.
package pseudonym

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/caretrace/caretrace/internal/models"
)

// Key prefixes for BadgerDB storage.
const (
	forwardKeyPrefix = "pseudo:fwd:"
	reverseKeyPrefix = "pseudo:rev:"
)

const pseudonymPrefix = "pseudo-"

// hashHexChars is how many hex characters of the salted digest form a
// hash-strategy pseudonym.
const hashHexChars = 16

// tokenBytes yields 16 hex characters for token-strategy pseudonyms.
const tokenBytes = 8

var (
	// ErrNotFound is returned when no mapping exists for the queried ID.
	ErrNotFound = errors.New("pseudonym mapping not found")

	// ErrEmptySalt rejects registry construction without a salt; silently
	// degrading to a well-known salt would make pseudonyms guessable.
	ErrEmptySalt = errors.New("pseudonym salt must not be empty")

	// ErrStrategyMismatch is returned when an existing mapping was created
	// under a different strategy than requested.
	ErrStrategyMismatch = errors.New("existing mapping uses a different strategy")
)

// Encryptor reverses the encryption strategy; the config package provides
// the AES-GCM implementation.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Registry is the authoritative pseudonym store. Writes are serialized by
// badger transactions; reads may run concurrently.
type Registry struct {
	db        *badger.DB
	salt      []byte
	encryptor Encryptor
}

// NewRegistry opens a registry over the given badger handle. The salt feeds
// the deterministic hash strategy. The encryptor may be nil when the
// encryption strategy is unused.
func NewRegistry(db *badger.DB, salt string, encryptor Encryptor) (*Registry, error) {
	if salt == "" {
		return nil, ErrEmptySalt
	}
	return &Registry{db: db, salt: []byte(salt), encryptor: encryptor}, nil
}

// Create returns the pseudonym for originalID under the given strategy,
// creating and persisting the mapping on first use. For the hash strategy a
// pre-existing mapping is returned as-is; token collisions redraw until
// unique.
func (r *Registry) Create(ctx context.Context, originalID string, strategy models.PseudonymStrategy, context_ string) (*models.PseudonymMapping, error) {
	if originalID == "" {
		return nil, fmt.Errorf("originalId required")
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown pseudonym strategy %q", strategy)
	}

	if existing, err := r.Lookup(ctx, originalID); err == nil {
		if existing.Strategy != strategy {
			return nil, fmt.Errorf("%w: have %s, want %s", ErrStrategyMismatch, existing.Strategy, strategy)
		}
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	mapping := &models.PseudonymMapping{
		OriginalID: originalID,
		Strategy:   strategy,
		CreatedAt:  time.Now().UTC(),
		Context:    context_,
	}

	var err error
	for attempt := 0; ; attempt++ {
		mapping.PseudonymID, err = r.derive(originalID, strategy)
		if err != nil {
			return nil, err
		}

		err = r.store(mapping)
		if err == nil {
			return mapping, nil
		}
		// Only the token strategy can redraw on a pseudonym collision.
		if !errors.Is(err, errPseudonymTaken) || strategy != models.StrategyToken {
			return nil, err
		}
		if attempt > 16 {
			return nil, fmt.Errorf("token pseudonym collision persisted after %d draws", attempt)
		}
	}
}

func (r *Registry) derive(originalID string, strategy models.PseudonymStrategy) (string, error) {
	switch strategy {
	case models.StrategyHash:
		sum := sha256.Sum256(append([]byte(originalID), r.salt...))
		return pseudonymPrefix + hex.EncodeToString(sum[:])[:hashHexChars], nil
	case models.StrategyToken:
		buf := make([]byte, tokenBytes)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("draw token: %w", err)
		}
		return pseudonymPrefix + hex.EncodeToString(buf), nil
	case models.StrategyEncryption:
		if r.encryptor == nil {
			return "", fmt.Errorf("encryption strategy requires a configured key")
		}
		ct, err := r.encryptor.Encrypt(originalID)
		if err != nil {
			return "", fmt.Errorf("encrypt original id: %w", err)
		}
		return pseudonymPrefix + ct, nil
	default:
		return "", fmt.Errorf("unknown pseudonym strategy %q", strategy)
	}
}

var errPseudonymTaken = errors.New("pseudonym already bound")

// store writes both directions atomically, refusing to overwrite either.
func (r *Registry) store(mapping *models.PseudonymMapping) error {
	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		fwdKey := []byte(forwardKeyPrefix + mapping.OriginalID)
		if _, err := txn.Get(fwdKey); err == nil {
			return fmt.Errorf("mapping for %s already exists", mapping.OriginalID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		revKey := []byte(reverseKeyPrefix + mapping.PseudonymID)
		if _, err := txn.Get(revKey); err == nil {
			return errPseudonymTaken
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := txn.Set(fwdKey, data); err != nil {
			return fmt.Errorf("set forward mapping: %w", err)
		}
		if err := txn.Set(revKey, []byte(mapping.OriginalID)); err != nil {
			return fmt.Errorf("set reverse mapping: %w", err)
		}
		return nil
	})
}

// Lookup returns the mapping for an original ID.
func (r *Registry) Lookup(_ context.Context, originalID string) (*models.PseudonymMapping, error) {
	var mapping models.PseudonymMapping
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(forwardKeyPrefix + originalID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &mapping)
		})
	})
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

// Reverse returns the original ID bound to a pseudonym.
func (r *Registry) Reverse(_ context.Context, pseudonymID string) (string, error) {
	var originalID string
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(reverseKeyPrefix + pseudonymID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			originalID = string(val)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return originalID, nil
}

// Exists reports whether a mapping exists for the original ID.
func (r *Registry) Exists(ctx context.Context, originalID string) (bool, error) {
	_, err := r.Lookup(ctx, originalID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// VerifySalt performs a constant-time comparison of a derived check value so
// operators can detect a salt change before it silently breaks determinism.
func (r *Registry) VerifySalt(reference string) bool {
	sum := sha256.Sum256(append([]byte("salt-check"), r.salt...))
	ref, err := hex.DecodeString(reference)
	if err != nil {
		return false
	}
	return hmac.Equal(sum[:], ref)
}

// SaltCheckValue returns the reference value for VerifySalt.
func (r *Registry) SaltCheckValue() string {
	sum := sha256.Sum256(append([]byte("salt-check"), r.salt...))
	return hex.EncodeToString(sum[:])
}
