// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package revision is the versioned object store of a terminology
// repository.
//
// # Description
//
// Objects are stored as immutable revisions keyed by (segment, object id,
// commit timestamp). A segment is the run of revisions committed on one
// branch since it forked; a View chains a branch's segment with the
// ancestor segments it can see, each up to a limit timestamp. Reading an
// object through a view returns its newest revision in the first segment of
// the chain that has one.
//
// The store knows nothing about branch paths beyond the label recorded on a
// segment. Branch records, merge jobs and reviews are persisted by their
// owning packages through the generic Doc API inside the same transactions.
//
// # Thread Safety
//
// Store is safe for concurrent use. Every Tx is confined to the goroutine
// that received it.
package revision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/AleutianAI/termrepo/services/repository/apierror"
	storage "github.com/AleutianAI/termrepo/services/repository/storage/badger"
	"github.com/dgraph-io/badger/v4"
)

// ErrSegmentNotFound indicates a dangling segment reference.
var ErrSegmentNotFound = errors.New("segment not found")

// maxUpdateAttempts bounds retries of write transactions aborted by
// BadgerDB's conflict detection.
const maxUpdateAttempts = 3

// Store reads and writes revisions in a BadgerDB database.
type Store struct {
	db    *storage.DB
	clock Clock
}

// NewStore wraps db. The clock is advanced past the last timestamp
// persisted in db so that commit timestamps stay monotonic across restarts.
func NewStore(db *storage.DB, clock Clock) (*Store, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if clock == nil {
		clock = NewLogicalClock()
	}

	err := db.View(func(txn *badger.Txn) error {
		var last int64
		err := storage.GetJSON(txn, []byte(keyClock), &last)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		clock.Observe(last)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read clock state: %w", err)
	}
	return &Store{db: db, clock: clock}, nil
}

// Read runs fn in a read-only transaction.
func (s *Store) Read(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn, clock: s.clock})
	})
}

// Write runs fn in a read-write transaction. Transactions aborted by a
// concurrent write are retried; fn must therefore be free of side effects
// outside the transaction. Persistent contention surfaces as a Conflict.
func (s *Store) Write(ctx context.Context, fn func(tx *Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			return fn(&Tx{txn: txn, clock: s.clock})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		slog.Debug("Retrying conflicting revision store write", "attempt", attempt)
	}
	return apierror.Wrap(apierror.KindConflict, err, "concurrent modification of repository state")
}

// Tx is a transaction over the store.
type Tx struct {
	txn   *badger.Txn
	clock Clock
}

// Timestamp issues a new commit timestamp and persists the clock position
// with the transaction.
func (tx *Tx) Timestamp() (int64, error) {
	ts := tx.clock.Next()
	if err := storage.PutJSON(tx.txn, []byte(keyClock), ts); err != nil {
		return 0, err
	}
	return ts, nil
}

// -----------------------------------------------------------------------------
// Segments and views
// -----------------------------------------------------------------------------

// Segment loads a segment record.
func (tx *Tx) Segment(id int64) (Segment, error) {
	var seg Segment
	err := storage.GetJSON(tx.txn, segmentKey(id), &seg)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return Segment{}, fmt.Errorf("%w: %d", ErrSegmentNotFound, id)
	}
	return seg, err
}

// CreateRootSegment writes the root segment if it does not exist yet.
func (tx *Tx) CreateRootSegment(branchPath string) (Segment, error) {
	seg, err := tx.Segment(RootSegmentID)
	if err == nil {
		return seg, nil
	}
	if !errors.Is(err, ErrSegmentNotFound) {
		return Segment{}, err
	}
	seg = Segment{ID: RootSegmentID, BranchPath: branchPath, ParentID: NoParent, Base: 0}
	return seg, storage.PutJSON(tx.txn, segmentKey(seg.ID), seg)
}

// NewSegment allocates a segment forked from parent at base.
func (tx *Tx) NewSegment(branchPath string, parent int64, base int64) (Segment, error) {
	if _, err := tx.Segment(parent); err != nil {
		return Segment{}, err
	}

	var last int64
	err := storage.GetJSON(tx.txn, []byte(keySegmentSeq), &last)
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return Segment{}, err
	}
	seg := Segment{ID: last + 1, BranchPath: branchPath, ParentID: parent, Base: base}
	if err := storage.PutJSON(tx.txn, []byte(keySegmentSeq), seg.ID); err != nil {
		return Segment{}, err
	}
	return seg, storage.PutJSON(tx.txn, segmentKey(seg.ID), seg)
}

// ViewOf builds the view of segment id up to limit, followed by its
// ancestors up to their respective fork points.
func (tx *Tx) ViewOf(id int64, limit int64) (View, error) {
	var view View
	for id != NoParent {
		seg, err := tx.Segment(id)
		if err != nil {
			return nil, err
		}
		view = append(view, Point{SegmentID: id, Limit: limit})
		limit = seg.Base
		id = seg.ParentID
	}
	return view, nil
}

// -----------------------------------------------------------------------------
// Revisions
// -----------------------------------------------------------------------------

// Get reads an object through view. It returns nil when the object does not
// exist or was deleted.
func (tx *Tx) Get(view View, objectID string) (*Object, error) {
	for _, p := range view {
		rev, found, err := tx.latest(p.SegmentID, objectID, p.Limit)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if rev.Deleted {
			return nil, nil
		}
		return rev.Object, nil
	}
	return nil, nil
}

// latest returns the newest revision of objectID on segment at or before limit.
func (tx *Tx) latest(segment int64, objectID string, limit int64) (Revision, bool, error) {
	prefix := revisionObjectPrefix(segment, objectID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = true
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	seek := revisionKey(segment, objectID, limit)
	if limit == Unbounded {
		seek = append(append([]byte{}, prefix...), 0xFF)
	}
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return Revision{}, false, nil
	}

	var rev Revision
	err := it.Item().Value(func(val []byte) error {
		return json.Unmarshal(val, &rev)
	})
	if err != nil {
		return Revision{}, false, fmt.Errorf("decode revision of %s: %w", objectID, err)
	}
	return rev, true, nil
}

// Put writes a new revision of obj on segment at ts.
func (tx *Tx) Put(segment, ts int64, obj *Object) error {
	if obj == nil {
		return errors.New("object must not be nil")
	}
	if err := ValidateObjectID(obj.ID); err != nil {
		return apierror.Wrap(apierror.KindBadRequest, err, "put object")
	}
	return tx.putRevision(Revision{ObjectID: obj.ID, SegmentID: segment, Timestamp: ts, Object: obj})
}

// Delete writes a tombstone for objectID on segment at ts.
func (tx *Tx) Delete(segment, ts int64, objectID string) error {
	if err := ValidateObjectID(objectID); err != nil {
		return apierror.Wrap(apierror.KindBadRequest, err, "delete object")
	}
	return tx.putRevision(Revision{ObjectID: objectID, SegmentID: segment, Timestamp: ts, Deleted: true})
}

func (tx *Tx) putRevision(rev Revision) error {
	if err := storage.PutJSON(tx.txn, revisionKey(rev.SegmentID, rev.ObjectID, rev.Timestamp), rev); err != nil {
		return err
	}
	return tx.txn.Set(revisionTSKey(rev.SegmentID, rev.Timestamp, rev.ObjectID), nil)
}

// Revisions returns the revisions of segment with after < timestamp <= upTo,
// ordered by timestamp and then object id.
func (tx *Tx) Revisions(segment, after, upTo int64) ([]Revision, error) {
	type entry struct {
		ts       int64
		objectID string
	}
	var entries []entry
	err := tx.scanRevisionIndex(segment, after, upTo, func(ts int64, objectID string) error {
		entries = append(entries, entry{ts: ts, objectID: objectID})
		return nil
	})
	if err != nil {
		return nil, err
	}

	revs := make([]Revision, 0, len(entries))
	for _, e := range entries {
		rev, found, err := tx.latest(segment, e.objectID, e.ts)
		if err != nil {
			return nil, err
		}
		if found && rev.Timestamp == e.ts {
			revs = append(revs, rev)
		}
	}
	return revs, nil
}

func (tx *Tx) scanRevisionIndex(segment, after, upTo int64, fn func(ts int64, objectID string) error) error {
	prefix := revisionTSPrefix(segment)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	start := prefix
	if after >= 0 && after < Unbounded {
		start = []byte(string(prefix) + hex64(after+1))
	}
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		ts, objectID, err := parseRevisionTSKey(it.Item().Key())
		if err != nil {
			return err
		}
		if ts <= after {
			continue
		}
		if ts > upTo {
			break
		}
		if err := fn(ts, objectID); err != nil {
			return err
		}
	}
	return nil
}

// touched returns the ids of objects with revisions on segment in (after, upTo].
func (tx *Tx) touched(segment, after, upTo int64, into map[string]struct{}) error {
	return tx.scanRevisionIndex(segment, after, upTo, func(_ int64, objectID string) error {
		into[objectID] = struct{}{}
		return nil
	})
}

// -----------------------------------------------------------------------------
// Commits
// -----------------------------------------------------------------------------

// PutCommit stores a commit record.
func (tx *Tx) PutCommit(c Commit) error {
	return storage.PutJSON(tx.txn, commitKey(c.SegmentID, c.Timestamp), c)
}

// Commits returns the commits on segment with after < timestamp <= upTo in
// timestamp order.
func (tx *Tx) Commits(segment, after, upTo int64) ([]Commit, error) {
	var commits []Commit
	err := storage.ScanPrefix(tx.txn, commitPrefix(segment), func(_ []byte, item *badger.Item) error {
		var c Commit
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &c) }); err != nil {
			return err
		}
		if c.Timestamp > after && c.Timestamp <= upTo {
			commits = append(commits, c)
		}
		return nil
	})
	return commits, err
}

// History returns every commit visible through view, newest first.
func (tx *Tx) History(view View) ([]Commit, error) {
	var history []Commit
	for _, p := range view {
		commits, err := tx.Commits(p.SegmentID, -1, p.Limit)
		if err != nil {
			return nil, err
		}
		history = append(history, commits...)
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].Timestamp > history[j].Timestamp })
	return history, nil
}

// -----------------------------------------------------------------------------
// Generic documents
// -----------------------------------------------------------------------------

// PutDoc stores v as JSON under key.
func (tx *Tx) PutDoc(key string, v any) error {
	return storage.PutJSON(tx.txn, []byte(key), v)
}

// GetDoc loads key into v and reports whether it existed.
func (tx *Tx) GetDoc(key string, v any) (bool, error) {
	err := storage.GetJSON(tx.txn, []byte(key), v)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// DeleteDoc removes key.
func (tx *Tx) DeleteDoc(key string) error {
	return tx.txn.Delete([]byte(key))
}

// ScanDocs calls fn with a decoder for every document under prefix, in key
// order.
func (tx *Tx) ScanDocs(prefix string, fn func(key string, decode func(v any) error) error) error {
	return storage.ScanPrefix(tx.txn, []byte(prefix), func(key []byte, item *badger.Item) error {
		return fn(string(key), func(v any) error {
			return item.Value(func(val []byte) error { return json.Unmarshal(val, v) })
		})
	})
}

// FormatTimestamp renders a timestamp the way paths reference it.
func FormatTimestamp(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
