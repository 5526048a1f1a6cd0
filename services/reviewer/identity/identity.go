// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity holds the unlocked signing identity for the session.
//
// The identity lives in a sealed YAML file: an ed25519 seed encrypted with a
// passphrase-derived key (argon2id + chacha20poly1305). Unlock decrypts the
// seed once at startup and keeps it in a memguard enclave so it is never
// swapped to disk in the clear. All proof signing and proof-repository
// commits flow through the Gate.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"gopkg.in/yaml.v3"
)

// ErrSigningFailure indicates the identity is locked or the sealed seed
// cannot be opened with the given passphrase.
var ErrSigningFailure = errors.New("identity not unlocked or signing refused")

// Argon2id parameters for the seal key derivation.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	kdfKeyLen  = 32
)

type sealSection struct {
	KDF        string `yaml:"kdf"`
	Salt       string `yaml:"salt"`
	Nonce      string `yaml:"nonce"`
	SealedSeed string `yaml:"sealed-seed"`
}

type idFile struct {
	Version      int         `yaml:"version"`
	IDType       string      `yaml:"id-type"`
	PublicID     string      `yaml:"public-id"`
	ProofRepoURL string      `yaml:"proof-repo-url"`
	Seal         sealSection `yaml:"seal"`
}

// Gate is the process-wide holder of the unlocked identity and the proof
// repository handle. Created once at startup, torn down at exit.
type Gate struct {
	publicID string
	repoURL  string
	repoDir  string
	seed     *memguard.Enclave
	log      *slog.Logger
}

// Create generates a fresh identity, seals it with passphrase and writes it
// to path. Used on first run and by tests.
func Create(path, proofRepoURL string, passphrase *memguard.Enclave) error {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return fmt.Errorf("generate seed: %w", err)
	}
	defer memguard.WipeBytes(seed)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("init seal cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, seed, nil)

	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	f := idFile{
		Version:      1,
		IDType:       "crev",
		PublicID:     base64.RawURLEncoding.EncodeToString(pub),
		ProofRepoURL: proofRepoURL,
		Seal: sealSection{
			KDF:        "argon2id",
			Salt:       base64.StdEncoding.EncodeToString(salt),
			Nonce:      base64.StdEncoding.EncodeToString(nonce),
			SealedSeed: base64.StdEncoding.EncodeToString(sealed),
		},
	}
	raw, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encode identity file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// Unlock opens the sealed identity at path with passphrase and binds it to
// the proof repository working copy at repoDir.
//
// Outputs:
//
//	*Gate - The unlocked gate.
//	error - ErrSigningFailure when the passphrase does not open the seal.
func Unlock(path, repoDir string, passphrase *memguard.Enclave, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var f idFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(f.Seal.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(f.Seal.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(f.Seal.SealedSeed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed seed: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init seal cipher: %w", err)
	}
	seed, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase", ErrSigningFailure)
	}

	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	if base64.RawURLEncoding.EncodeToString(pub) != f.PublicID {
		memguard.WipeBytes(seed)
		return nil, fmt.Errorf("%w: seed does not match public id", ErrSigningFailure)
	}

	g := &Gate{
		publicID: f.PublicID,
		repoURL:  f.ProofRepoURL,
		repoDir:  repoDir,
		seed:     memguard.NewEnclave(seed), // wipes seed
		log:      logger,
	}
	logger.Info("identity unlocked", slog.String("id", g.publicID))
	return g, nil
}

func deriveKey(passphrase *memguard.Enclave, salt []byte) ([]byte, error) {
	buf, err := passphrase.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open passphrase enclave", ErrSigningFailure)
	}
	defer buf.Destroy()
	return argon2.IDKey(buf.Bytes(), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen), nil
}

// PublicID returns the public identity string embedded in proofs.
func (g *Gate) PublicID() string { return g.publicID }

// ProofRepoURL returns the URL of the proof repository.
func (g *Gate) ProofRepoURL() string { return g.repoURL }

// RepoDir returns the proof repository working copy.
func (g *Gate) RepoDir() string { return g.repoDir }

// ReviewsDir returns the reviews directory inside the proof repository for
// this identity.
func (g *Gate) ReviewsDir() string {
	return filepath.Join(g.repoDir, g.publicID, "reviews")
}

// Sign returns the base64 ed25519 signature over body.
func (g *Gate) Sign(body []byte) (string, error) {
	buf, err := g.seed.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open seed enclave", ErrSigningFailure)
	}
	defer buf.Destroy()
	key := ed25519.NewKeyFromSeed(buf.Bytes())
	sig := ed25519.Sign(key, body)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over body against this identity.
func (g *Gate) Verify(body []byte, signature string) error {
	pub, err := base64.RawURLEncoding.DecodeString(g.publicID)
	if err != nil {
		return fmt.Errorf("decode public id: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), body, sig) {
		return fmt.Errorf("%w: signature mismatch", ErrSigningFailure)
	}
	return nil
}

// CommitProofs stages and commits the proof repository working copy.
func (g *Gate) CommitProofs(message string) error {
	add := exec.Command("git", "-C", g.repoDir, "add", "-A")
	if out, err := add.CombinedOutput(); err != nil {
		return fmt.Errorf("git add proof repo: %w: %s", err, out)
	}
	commit := exec.Command("git", "-C", g.repoDir, "commit", "-m", message)
	if out, err := commit.CombinedOutput(); err != nil {
		return fmt.Errorf("git commit proof repo: %w: %s", err, out)
	}
	g.log.Info("proof repository committed", slog.String("message", message))
	return nil
}
