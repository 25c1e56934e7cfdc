// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package keycache persists exchanged peer public keys with a simple boltdb
// based backend.
package keycache

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/relaynet/core/peer"
)

const (
	metadataBucket = "metadata"
	keysBucket     = "peerkeys"
	versionKey     = "version"

	// FileName is the name of the cache within the data directory.
	FileName = "peerkeys.db"
)

// ErrClosed is the error returned when using a closed Cache.
var ErrClosed = errors.New("keycache: closed")

// Entry is a cached peer key.
type Entry struct {
	Peer peer.Identity `cbor:"peer"`
	PEM  []byte        `cbor:"pem"`
}

// Cache is a persistent map of peer address to PEM public key.
type Cache struct {
	sync.Mutex

	db *bolt.DB
}

// Put stores the key of id, replacing any previous entry for the address.
func (c *Cache) Put(id peer.Identity, pem []byte) error {
	if len(pem) == 0 {
		return fmt.Errorf("keycache: must provide a public key")
	}
	b, err := cbor.Marshal(&Entry{Peer: id, PEM: pem})
	if err != nil {
		return err
	}

	c.Lock()
	defer c.Unlock()
	if c.db == nil {
		return ErrClosed
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keysBucket))
		return bkt.Put([]byte(id.Addr().String()), b)
	})
}

// Remove drops the entry for addr, if any.
func (c *Cache) Remove(addr peer.Addr) error {
	c.Lock()
	defer c.Unlock()
	if c.db == nil {
		return ErrClosed
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keysBucket))
		return bkt.Delete([]byte(addr.String()))
	})
}

// Load returns every cached entry.  Entries that fail to decode are removed
// from the cache and counted.
func (c *Cache) Load() ([]*Entry, int, error) {
	c.Lock()
	defer c.Unlock()
	if c.db == nil {
		return nil, 0, ErrClosed
	}

	var (
		entries []*Entry
		bad     [][]byte
	)
	err := c.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keysBucket))
		if err := bkt.ForEach(func(k, v []byte) error {
			e := new(Entry)
			if err := cbor.Unmarshal(v, e); err != nil || e.Peer.Addr().String() != string(k) {
				bad = append(bad, append([]byte(nil), k...))
				return nil
			}
			entries = append(entries, e)
			return nil
		}); err != nil {
			return err
		}

		// Deleting from within ForEach is not allowed.
		for _, k := range bad {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, len(bad), nil
}

// Close closes the cache.
func (c *Cache) Close() {
	c.Lock()
	defer c.Unlock()
	if c.db == nil {
		return
	}
	c.db.Sync()
	c.db.Close()
	c.db = nil
}

// New creates (or loads) a key cache with the given file name f.
func New(f string) (*Cache, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(keysBucket)); err != nil {
			return err
		}

		// A stored empty value may read back as nil, so look the key up.
		if k, b := bkt.Cursor().Seek([]byte(versionKey)); bytes.Equal(k, []byte(versionKey)) {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("keycache: incompatible version: %x", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}
