// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package pem persists relay keys as PEM files.
package pem

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"

	"github.com/katzenpost/relaynet/core/keystore"
)

// BothExists returns true iff both files exist.
func BothExists(a, b string) bool {
	return Exists(a) && Exists(b)
}

// BothNotExists returns true iff neither file exists.
func BothNotExists(a, b string) bool {
	return !Exists(a) && !Exists(b)
}

// Exists returns true iff the file exists.
func Exists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	} else if errors.Is(err, os.ErrNotExist) {
		return false
	} else {
		panic(err)
	}
}

// ToFile writes a PEM blob to f with mode 0600.
func ToFile(f string, blob []byte) error {
	out, err := os.OpenFile(f, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	writeCount, err := out.Write(blob)
	if err != nil {
		out.Close()
		return err
	}
	if writeCount != len(blob) {
		out.Close()
		return errors.New("partial write failure")
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// PrivateKeyToFile writes the private key of k to f.
func PrivateKeyToFile(f string, k *keystore.KeyPair) error {
	b, err := k.PrivatePEM()
	if err != nil {
		return err
	}
	return ToFile(f, b)
}

// PrivateKeyFromFile loads a key pair from the private key stored in f.
func PrivateKeyFromFile(f string) (*keystore.KeyPair, error) {
	buf, err := os.ReadFile(f)
	if err != nil {
		return nil, fmt.Errorf("pem: failed to read %v: %w", f, err)
	}
	k, err := keystore.KeyPairFromPEM(buf)
	if err != nil {
		return nil, fmt.Errorf("pem: failed to decode %v: %w", f, err)
	}
	return k, nil
}

// PublicKeyToFile writes pub to f.
func PublicKeyToFile(f string, pub *rsa.PublicKey) error {
	b, err := keystore.PublicKeyToPEM(pub)
	if err != nil {
		return err
	}
	return ToFile(f, b)
}

// PublicKeyFromFile loads a public key from f.
func PublicKeyFromFile(f string) (*rsa.PublicKey, error) {
	buf, err := os.ReadFile(f)
	if err != nil {
		return nil, fmt.Errorf("pem: failed to read %v: %w", f, err)
	}
	pub, err := keystore.PublicKeyFromPEM(buf)
	if err != nil {
		return nil, fmt.Errorf("pem: failed to decode %v: %w", f, err)
	}
	return pub, nil
}

// LoadOrGenerate loads the key pair in f, or generates and stores a new one
// if f does not exist yet.
func LoadOrGenerate(f string) (*keystore.KeyPair, bool, error) {
	if Exists(f) {
		k, err := PrivateKeyFromFile(f)
		return k, false, err
	}
	k, err := keystore.GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err = PrivateKeyToFile(f, k); err != nil {
		return nil, false, err
	}
	return k, true, nil
}
