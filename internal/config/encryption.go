// CareTrace - Compliance-Grade Audit Logging for Healthcare
// Copyright 2026 CareTrace Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caretrace/caretrace

// Secure storage for the configuration file and credential encryption.
//
// On-disk encrypted payloads are JSON envelopes {algorithm, iv, data} with
// algorithm AES-256-GCM (preferred) or AES-256-CBC. The key derives from
// AUDIT_CONFIG_PASSWORD and the configured salt via PBKDF2-SHA256.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/caretrace/caretrace/internal/auditerrors"
)

const (
	// AlgorithmGCM is authenticated encryption; the default.
	AlgorithmGCM = "AES-256-GCM"
	// AlgorithmCBC is supported for payloads written by older tooling.
	AlgorithmCBC = "AES-256-CBC"

	aesKeySize   = 32
	gcmNonceSize = 12

	// DefaultPBKDF2Iterations is the production floor.
	DefaultPBKDF2Iterations = 100_000
)

var (
	// ErrMissingPassword is raised when an encrypted config is present but
	// AUDIT_CONFIG_PASSWORD is not.
	ErrMissingPassword = errors.New("encrypted config requires AUDIT_CONFIG_PASSWORD")

	// ErrDecryptionFailed covers invalid ciphertext or a wrong password.
	ErrDecryptionFailed = errors.New("config decryption failed: invalid ciphertext or password")

	errUnknownAlgorithm = errors.New("unknown encryption algorithm")
)

// EncryptedPayload is the on-disk envelope for an encrypted config file.
type EncryptedPayload struct {
	Algorithm string `json:"algorithm"`
	IV        string `json:"iv"`
	Data      string `json:"data"`
}

// SecureStorage encrypts and decrypts config files.
type SecureStorage struct {
	key []byte
}

// NewSecureStorage derives the storage key from the password and salt.
func NewSecureStorage(password, salt string, iterations int) (*SecureStorage, error) {
	if password == "" {
		return nil, auditerrors.Wrap(auditerrors.KindConfigEncryption, "missing password", ErrMissingPassword)
	}
	if iterations < 1 {
		iterations = DefaultPBKDF2Iterations
	}
	key := pbkdf2.Key([]byte(password), []byte(salt), iterations, aesKeySize, sha256.New)
	return &SecureStorage{key: key}, nil
}

// Encrypt seals plaintext into an envelope using AES-256-GCM.
func (s *SecureStorage) Encrypt(plaintext []byte) (*EncryptedPayload, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	return &EncryptedPayload{
		Algorithm: AlgorithmGCM,
		IV:        base64.StdEncoding.EncodeToString(nonce),
		Data:      base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decrypt opens an envelope written by Encrypt or by CBC-era tooling.
func (s *SecureStorage) Decrypt(payload *EncryptedPayload) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv encoding", ErrDecryptionFailed)
	}
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad data encoding", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	switch payload.Algorithm {
	case AlgorithmGCM:
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create GCM: %w", err)
		}
		plain, err := gcm.Open(nil, iv, data, nil)
		if err != nil {
			return nil, ErrDecryptionFailed
		}
		return plain, nil

	case AlgorithmCBC:
		if len(iv) != aes.BlockSize || len(data) == 0 || len(data)%aes.BlockSize != 0 {
			return nil, ErrDecryptionFailed
		}
		mode := cipher.NewCBCDecrypter(block, iv)
		plain := make([]byte, len(data))
		mode.CryptBlocks(plain, data)
		return stripPKCS7(plain)

	default:
		return nil, fmt.Errorf("%w: %s", errUnknownAlgorithm, payload.Algorithm)
	}
}

// stripPKCS7 removes CBC padding, rejecting malformed padding.
func stripPKCS7(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrDecryptionFailed
	}
	pad := int(b[len(b)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(b) {
		return nil, ErrDecryptionFailed
	}
	for _, v := range b[len(b)-pad:] {
		if int(v) != pad {
			return nil, ErrDecryptionFailed
		}
	}
	return b[:len(b)-pad], nil
}

// DecodePayload parses an on-disk envelope and reports whether the bytes
// look like one (so loaders can distinguish plaintext configs).
func DecodePayload(raw []byte) (*EncryptedPayload, bool) {
	var payload EncryptedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	if payload.Algorithm == "" || payload.Data == "" {
		return nil, false
	}
	return &payload, true
}

// CredentialEncryptor provides AES-256-GCM encryption for individual
// credentials (the pseudonym encryption strategy and event-log encryption).
// Its key derives from the configured secret via HKDF-SHA256, binding
// ciphertexts to this application.
type CredentialEncryptor struct {
	cipher cipher.AEAD
}

const (
	credentialSalt = "caretrace-credentials"
	credentialInfo = "credential-encryption-v1"
)

// NewCredentialEncryptor derives the AEAD from the application secret.
func NewCredentialEncryptor(secret string) (*CredentialEncryptor, error) {
	if secret == "" {
		return nil, auditerrors.New(auditerrors.KindConfigEncryption, "credential encryption secret cannot be empty")
	}

	hkdfReader := hkdf.New(sha256.New, []byte(secret), []byte(credentialSalt), []byte(credentialInfo))
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &CredentialEncryptor{cipher: gcm}, nil
}

// Encrypt returns base64(nonce || ciphertext || tag).
func (e *CredentialEncryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("plaintext cannot be empty")
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.cipher.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *CredentialEncryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(data) < gcmNonceSize+e.cipher.Overhead() {
		return "", ErrDecryptionFailed
	}
	plain, err := e.cipher.Open(nil, data[:gcmNonceSize], data[gcmNonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}
