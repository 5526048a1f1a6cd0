// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the persistent local index on top of BadgerDB.
//
// The index mirrors slow authoritative sources (proof store, registry index,
// registry API, verify subprocess) into named sub-maps ("trees") with ordered
// range scans. The directory is process-exclusive: opening a second instance
// fails with ErrAlreadyInUse, which doubles as the only-one-instance check at
// startup.
//
// Values are opaque byte strings; callers serialize with encoding/json.
// Iteration order is lexicographic over raw key bytes within a tree.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Tree names used by the index. Keys inside version-keyed trees are the
// ordered "{name} {version}" form from the records package.
const (
	TreeReviews    = "reviews"
	TreeVersions   = "versions"
	TreeYanked     = "yanked"
	TreeCrates     = "crates"
	TreeVerify     = "verify"
	TreePublishers = "publishers"
	TreeMetadata   = "metadata"
)

// ErrAlreadyInUse indicates another process holds the index directory lock.
var ErrAlreadyInUse = errors.New("index directory already in use by another process")

// treeSep separates the tree name from the key in the raw Badger keyspace.
// 0x00 sorts below every printable byte, so trees cannot shadow each other.
const treeSep = "\x00"

// Entry is one key/value pair yielded by a range scan.
type Entry struct {
	Key   string
	Value []byte
}

// DB is the opened local index. Safe for concurrent use; Badger serializes
// writes internally.
type DB struct {
	db  *badger.DB
	log *slog.Logger
}

// badgerLogger adapts slog to Badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Infof(format string, args ...interface{})  {}
func (l *badgerLogger) Debugf(format string, args ...interface{}) {}

// Open opens (or creates) the index at path.
//
// Outputs:
//
//	*DB - The opened index. Caller must Close() when done.
//	error - ErrAlreadyInUse when another process holds the directory lock;
//	        otherwise the underlying open failure.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("create index directory %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		if strings.Contains(err.Error(), "Another process is using this Badger database") {
			return nil, ErrAlreadyInUse
		}
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &DB{db: db, log: logger}, nil
}

// Close closes the index and releases the directory lock.
func (d *DB) Close() error {
	return d.db.Close()
}

func rawKey(tree, key string) []byte {
	return []byte(tree + treeSep + key)
}

func treePrefix(tree string) []byte {
	return []byte(tree + treeSep)
}

// Put stores value under key in the named tree. Crash-consistent per
// operation (SyncWrites is enabled).
func (d *DB) Put(tree, key string, value []byte) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(rawKey(tree, key), value)
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", tree, key, err)
	}
	return nil
}

// Get returns the value under key, or ok=false when absent.
func (d *DB) Get(tree, key string) (value []byte, ok bool, err error) {
	err = d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rawKey(tree, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", tree, key, err)
	}
	return value, ok, nil
}

// Delete removes key from the named tree. Deleting an absent key is a no-op.
func (d *DB) Delete(tree, key string) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(rawKey(tree, key))
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", tree, key, err)
	}
	return nil
}

// Contains reports whether key exists in the named tree.
func (d *DB) Contains(tree, key string) (bool, error) {
	_, ok, err := d.Get(tree, key)
	return ok, err
}

// Range returns all entries with lo <= key < hi in the named tree, in
// lexicographic key order. Keys are returned without the tree prefix.
func (d *DB) Range(tree, lo, hi string) ([]Entry, error) {
	prefix := treePrefix(tree)
	start := rawKey(tree, lo)
	end := string(rawKey(tree, hi))

	var out []Entry
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(start); it.Valid(); it.Next() {
			item := it.Item()
			k := string(item.Key())
			if k >= end {
				break
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, Entry{Key: strings.TrimPrefix(k, string(prefix)), Value: v})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("range %s [%s, %s): %w", tree, lo, hi, err)
	}
	return out, nil
}

// Iterate calls fn for every entry in the named tree in key order. A non-nil
// error from fn stops the iteration and is returned.
func (d *DB) Iterate(tree string, fn func(key string, value []byte) error) error {
	prefix := treePrefix(tree)
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.Valid(); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			key := strings.TrimPrefix(string(item.Key()), string(prefix))
			if err := fn(key, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("iterate %s: %w", tree, err)
	}
	return nil
}

// Clear drops every entry in the named tree. Used by schema migrations.
func (d *DB) Clear(tree string) error {
	if err := d.db.DropPrefix(treePrefix(tree)); err != nil {
		return fmt.Errorf("clear %s: %w", tree, err)
	}
	return nil
}
