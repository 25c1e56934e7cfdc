// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeyBits is the RSA modulus size of every relay key.
	KeyBits = 2048

	publicExponent = 65537

	privateKeyPEMType = "PRIVATE KEY"
	rsaKeyPEMType     = "RSA PRIVATE KEY"
	publicKeyPEMType  = "PUBLIC KEY"

	sealKeyLength = chacha20poly1305.KeySize

	// SealOverheadLength is how many bytes Seal adds to a plaintext for a
	// KeyBits sized key.
	SealOverheadLength = KeyBits/8 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var (
	// ErrPlaintextTooLarge is the error returned when a plaintext exceeds
	// what a single RSA-OAEP block can carry.
	ErrPlaintextTooLarge = errors.New("keystore: plaintext too large")

	// ErrDecryption is the error returned for any failure to decrypt or
	// authenticate a ciphertext.
	ErrDecryption = errors.New("keystore: decryption failure")

	errInvalidPEM = errors.New("keystore: invalid PEM")
)

// KeyPair is a RSA keypair.
type KeyPair struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// GenerateKeyPair generates a new RSA-2048 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: &priv.PublicKey, Private: priv}, nil
}

// KeyPairFromPEM loads a keypair from a PKCS#8 (or PKCS#1) private key PEM
// block.
func KeyPairFromPEM(b []byte) (*KeyPair, error) {
	blk, _ := pem.Decode(b)
	if blk == nil {
		return nil, fmt.Errorf("%w: no PEM block found", errInvalidPEM)
	}

	var priv *rsa.PrivateKey
	switch blk.Type {
	case privateKeyPEMType:
		k, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidPEM, err)
		}
		var ok bool
		if priv, ok = k.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("%w: not a RSA private key", errInvalidPEM)
		}
	case rsaKeyPEMType:
		var err error
		if priv, err = x509.ParsePKCS1PrivateKey(blk.Bytes); err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidPEM, err)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected block type '%v'", errInvalidPEM, blk.Type)
	}
	if priv.N.BitLen() != KeyBits {
		return nil, fmt.Errorf("%w: %d bit modulus, expected %d", errInvalidPEM, priv.N.BitLen(), KeyBits)
	}
	return &KeyPair{Public: &priv.PublicKey, Private: priv}, nil
}

// PrivatePEM returns the private key as a PKCS#8 PEM block.
func (k *KeyPair) PrivatePEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: der}), nil
}

// PublicPEM returns the public key as a SubjectPublicKeyInfo PEM block.
func (k *KeyPair) PublicPEM() []byte {
	b, err := PublicKeyToPEM(k.Public)
	if err != nil {
		// A key we generated or parsed always marshals.
		panic(err)
	}
	return b
}

// PublicKeyToPEM serializes a public key as a SubjectPublicKeyInfo PEM block.
func PublicKeyToPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: der}), nil
}

// PublicKeyFromPEM parses a SubjectPublicKeyInfo PEM block.
func PublicKeyFromPEM(b []byte) (*rsa.PublicKey, error) {
	blk, _ := pem.Decode(b)
	if blk == nil || blk.Type != publicKeyPEMType {
		return nil, fmt.Errorf("%w: no public key block found", errInvalidPEM)
	}
	k, err := x509.ParsePKIXPublicKey(blk.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPEM, err)
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not a RSA public key", errInvalidPEM)
	}
	if pub.N.BitLen() != KeyBits {
		return nil, fmt.Errorf("%w: %d bit modulus, expected %d", errInvalidPEM, pub.N.BitLen(), KeyBits)
	}
	return pub, nil
}

// MaxPlaintextLength returns the largest plaintext Encrypt accepts for pub.
func MaxPlaintextLength(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// Encrypt encrypts a single RSA-OAEP (SHA-256, MGF1-SHA-256, no label)
// block.
func Encrypt(plaintext []byte, pub *rsa.PublicKey) ([]byte, error) {
	if limit := MaxPlaintextLength(pub); len(plaintext) > limit {
		return nil, fmt.Errorf("%w: %d bytes, at most %d", ErrPlaintextTooLarge, len(plaintext), limit)
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
}

// Decrypt decrypts a single RSA-OAEP block.
func Decrypt(ciphertext []byte, priv *rsa.PrivateKey) ([]byte, error) {
	b, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return b, nil
}

// SealOverhead returns how many bytes Seal adds to a plaintext for pub.
func SealOverhead(pub *rsa.PublicKey) int {
	return pub.Size() + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
}

// Seal encrypts a plaintext of any length for pub.  A fresh symmetric key is
// wrapped with Encrypt, and the plaintext is encrypted with
// XChaCha20-Poly1305 under it.
//
// Layout: [RSA-OAEP(key)][nonce][ciphertext || tag]
func Seal(plaintext []byte, pub *rsa.PublicKey) ([]byte, error) {
	var key [sealKeyLength]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}
	defer clear(key[:])

	wrapped, err := Encrypt(key[:], pub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(plaintext)+SealOverhead(pub))
	out = append(out, wrapped...)
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, wrapped), nil
}

// Open decrypts a ciphertext produced by Seal.
func Open(sealed []byte, priv *rsa.PrivateKey) ([]byte, error) {
	k := priv.Size()
	if len(sealed) < k+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: truncated ciphertext", ErrDecryption)
	}
	wrapped := sealed[:k]
	nonce := sealed[k : k+chacha20poly1305.NonceSizeX]
	ct := sealed[k+chacha20poly1305.NonceSizeX:]

	key, err := Decrypt(wrapped, priv)
	if err != nil {
		return nil, err
	}
	defer clear(key)
	if len(key) != sealKeyLength {
		return nil, fmt.Errorf("%w: bad key length", ErrDecryption)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	b, err := aead.Open(nil, nonce, ct, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return b, nil
}
