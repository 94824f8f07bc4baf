// Package jsonstore implements the durable, atomic JSON-file collections
// backing the credential and audit records (spec §4.1, §6.7). The store is
// single-writer by construction: every mutator is expected to be called
// while the caller holds the process-wide state lock (see internal/app), so
// no locking happens here.
package jsonstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// filePerm/dirPerm enforce the owner-only permissions spec §4.1 requires.
const (
	filePerm = 0o600
	dirPerm  = 0o700
)

// Record is the constraint every collection element must satisfy so the
// collection can assign and query dense monotonic ids.
type Record interface {
	GetID() int64
	SetID(int64)
}

// Collection is an ordered sequence of records of a known shape, persisted
// as a single JSON array file with atomic (write-tmp, rename) saves.
type Collection[T Record] struct {
	path    string
	log     *slog.Logger
	records []T
	nextID  int64
}

// openCollection loads (or initializes) the collection backed by path. A missing file
// starts empty; a corrupt file is replaced with an empty collection and the
// event is logged rather than propagated, matching spec §4.1's "a corrupt
// or unparseable file is replaced with defaults" failure mode.
func openCollection[T Record](path string, log *slog.Logger) (*Collection[T], error) {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("jsonstore: ensure dir: %w", err)
	}
	c := &Collection[T]{path: path, log: log, nextID: 1}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collection[T]) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("jsonstore: read %s: %w", c.path, err)
	}
	if err := os.Chmod(c.path, filePerm); err != nil && c.log != nil {
		c.log.Warn("jsonstore: failed to correct file permissions", "path", c.path, "err", err)
	}

	var records []T
	if err := json.Unmarshal(data, &records); err != nil {
		if c.log != nil {
			c.log.Warn("jsonstore: corrupt collection file replaced with defaults", "path", c.path, "err", err)
		}
		c.records = nil
		c.nextID = 1
		return c.save()
	}
	c.records = records
	c.nextID = 1
	for _, r := range c.records {
		if r.GetID() >= c.nextID {
			c.nextID = r.GetID() + 1
		}
	}
	return nil
}

// save writes the collection atomically: marshal, write to "<path>.tmp",
// then rename over path. On rename failure the tmp file is removed and the
// error propagates (spec §4.1).
func (c *Collection[T]) save() error {
	data, err := json.MarshalIndent(c.records, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonstore: marshal %s: %w", c.path, err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("jsonstore: write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("jsonstore: rename %s: %w", c.path, err)
	}
	return nil
}

// Insert assigns a dense monotonic id (max(existing)+1, starting at 1) and
// appends+persists the record.
func (c *Collection[T]) Insert(rec T) (T, error) {
	rec.SetID(c.nextID)
	c.nextID++
	c.records = append(c.records, rec)
	if err := c.save(); err != nil {
		var zero T
		return zero, err
	}
	return rec, nil
}

// Update applies patch to the record with the given id and persists the
// result. Returns the updated record, or ok=false if no such id exists.
// T is expected to be a pointer type (e.g. *domain.Credential), so patch
// mutates the record in place.
func (c *Collection[T]) Update(id int64, patch func(T)) (rec T, ok bool, err error) {
	for i := range c.records {
		if c.records[i].GetID() == id {
			patch(c.records[i])
			if err := c.save(); err != nil {
				return rec, true, err
			}
			return c.records[i], true, nil
		}
	}
	return rec, false, nil
}

// Delete removes the record with the given id and persists the result.
func (c *Collection[T]) Delete(id int64) error {
	for i := range c.records {
		if c.records[i].GetID() == id {
			c.records = append(c.records[:i], c.records[i+1:]...)
			return c.save()
		}
	}
	return nil
}

// FindByID returns the record with the given id.
func (c *Collection[T]) FindByID(id int64) (rec T, ok bool) {
	for _, r := range c.records {
		if r.GetID() == id {
			return r, true
		}
	}
	return rec, false
}

// FindBy returns the first record for which pred returns true.
func (c *Collection[T]) FindBy(pred func(T) bool) (rec T, ok bool) {
	for _, r := range c.records {
		if pred(r) {
			return r, true
		}
	}
	return rec, false
}

// Filter returns every record for which pred returns true, in insertion order.
func (c *Collection[T]) Filter(pred func(T) bool) []T {
	out := make([]T, 0)
	for _, r := range c.records {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// All returns every record, in insertion order.
func (c *Collection[T]) All() []T {
	out := make([]T, len(c.records))
	copy(out, c.records)
	return out
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, dirPerm)
}
