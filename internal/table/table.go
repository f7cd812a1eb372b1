// Package table implements the document-table model: a mapping from
// document id to document, its canonical hash, and the diff between two
// snapshots (spec.md §3, §4.8).
package table

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Document is an opaque, JSON-serializable document body.
type Document = json.RawMessage

// Snapshot is an immutable point-in-time copy of a table's documents.
type Snapshot map[string]Document

// Clone returns a deep-enough copy (document bytes are immutable once
// stored so a shallow key copy suffices).
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Hash computes the canonical, key-order-independent digest of a table's
// documents (spec.md §3 "Snapshot hash"). Matching the original's
// dict_digest_sha1, this sorts doc ids and hashes each document's already
// byte-stable JSON encoding in that order.
func Hash(s Snapshot) string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha1.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
		h.Write(canonicalize(s[id]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize re-marshals a document through a map so that its keys are
// sorted, making the hash independent of the original field order the
// document was stored with.
func canonicalize(doc Document) []byte {
	var v interface{}
	if err := json.Unmarshal(doc, &v); err != nil {
		// Not a JSON object/value we can canonicalize further; hash the
		// raw bytes as-is.
		return []byte(doc)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return []byte(doc)
	}
	return out
}

// Diff is the three-way comparison between two snapshots of the same table
// (spec.md §4.8 DIFFED stage).
type Diff struct {
	Changed map[string][2]Document `json:"changed,omitempty"` // id -> [old, new]
	Added   map[string]Document    `json:"added,omitempty"`
	Removed map[string]Document    `json:"removed,omitempty"`
}

// Empty reports whether the diff has no changes at all.
func (d Diff) Empty() bool {
	return len(d.Changed) == 0 && len(d.Added) == 0 && len(d.Removed) == 0
}

// Compare produces the diff taking before as the snapshot and after as the
// current staging content.
func Compare(before, after Snapshot) Diff {
	d := Diff{
		Changed: map[string][2]Document{},
		Added:   map[string]Document{},
		Removed: map[string]Document{},
	}
	for id, oldDoc := range before {
		newDoc, ok := after[id]
		if !ok {
			d.Removed[id] = oldDoc
			continue
		}
		if string(oldDoc) != string(newDoc) {
			d.Changed[id] = [2]Document{oldDoc, newDoc}
		}
	}
	for id, newDoc := range after {
		if _, ok := before[id]; !ok {
			d.Added[id] = newDoc
		}
	}
	return d
}

// ApplyResult reports whether every per-document assertion checked out
// while applying a diff.
type ApplyResult struct {
	OK          bool
	Inconsistent bool
}

// Apply applies a diff onto current, asserting that every changed/removed
// document's current value matches the diff's recorded "old" value (spec.md
// §4.8 PATCHTABLE handler semantics). On any per-document mismatch it
// returns Inconsistent=true and leaves current partially mutated — the
// caller aborts the whole PATCH with PATCH_EXCEPTION in that case, so
// partial mutation is harmless (the transaction never commits it).
func Apply(current Snapshot, d Diff) ApplyResult {
	for id, pair := range d.Changed {
		old, new_ := pair[0], pair[1]
		cur, ok := current[id]
		if !ok || string(cur) != string(old) {
			return ApplyResult{Inconsistent: true}
		}
		current[id] = new_
	}
	for id, doc := range d.Added {
		current[id] = doc
	}
	for id, removed := range d.Removed {
		cur, ok := current[id]
		if !ok || string(cur) != string(removed) {
			return ApplyResult{Inconsistent: true}
		}
		delete(current, id)
	}
	return ApplyResult{OK: true}
}
