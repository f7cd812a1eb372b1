// Package patch implements the replicated patch engine from spec.md §4.8:
// the scoped transaction that snapshots a table set, lets the caller mutate
// a local staging copy, diffs against the snapshot, fans the diff out as a
// hash-checked PATCH with a FULLTABLE fallback for a diverged minority, and
// finally commits everywhere.
package patch

import (
	"compress/zlib"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/andryyy/thatcat-sub000/internal/bus"
	"github.com/andryyy/thatcat-sub000/internal/clustererr"
	"github.com/andryyy/thatcat-sub000/internal/clusterstate"
	"github.com/andryyy/thatcat-sub000/internal/logging"
	"github.com/andryyy/thatcat-sub000/internal/metrics"
	"github.com/andryyy/thatcat-sub000/internal/table"
)

// Storage is the narrow interface the patch engine needs from the table
// storage collaborator (spec.md §6 "Persisted state layout: none owned by
// the core"). lockID keys every staged-but-uncommitted mutation so
// concurrent scopes never collide.
type Storage interface {
	Read(tableName string) table.Snapshot
	Stage(lockID, tableName string, snapshot table.Snapshot) error
	Commit(lockID string) ([]string, error)
	Rollback(lockID string)
}

// Outcome labels for the cluster_patch_outcomes_total metric (SPEC_FULL.md
// §4.12).
const (
	OutcomeOK           = "ok"
	OutcomeHashMismatch = "hash_mismatch"
	OutcomeException    = "exception"
)

// HandlePatchTable runs the PATCHTABLE handler logic shared by the wire
// command and, when this peer is itself a fan-out target, its own apply
// step. It re-hashes the live table, compares to expectedHash, and applies
// the diff if it matches.
func HandlePatchTable(storage Storage, lockID, tableName, expectedHash string, diff table.Diff) (clustererr.Token, error) {
	current := storage.Read(tableName)
	if table.Hash(current) != expectedHash {
		return clustererr.TableHashMismatch, fmt.Errorf("table %s hash mismatch", tableName)
	}

	working := current.Clone()
	res := table.Apply(working, diff)
	if res.Inconsistent {
		return clustererr.PatchException, fmt.Errorf("table %s diff inconsistent with live state", tableName)
	}

	if err := storage.Stage(lockID, tableName, working); err != nil {
		return clustererr.PatchException, err
	}
	return "", nil
}

// HandleFullTable runs the FULLTABLE fallback handler: truncate and replace
// with the supplied full image.
func HandleFullTable(storage Storage, lockID, tableName string, full table.Snapshot) (clustererr.Token, error) {
	if err := storage.Stage(lockID, tableName, full.Clone()); err != nil {
		return clustererr.CannotApply, err
	}
	return "", nil
}

// HandleCommit runs the COMMIT handler: move every table staged under
// lockID into the live store.
func HandleCommit(storage Storage, lockID string) (clustererr.Token, error) {
	committed, err := storage.Commit(lockID)
	if err != nil {
		return clustererr.CannotCommit, err
	}
	if len(committed) == 0 {
		return clustererr.NothingToCommit, fmt.Errorf("nothing staged under lock id %s", lockID)
	}
	return "", nil
}

// Scope is one in-flight transaction over a fixed set of tables (spec.md §3
// "Transaction scope").
type Scope struct {
	LockID  string
	Tables  []string
	before  map[string]table.Snapshot
	staging map[string]table.Snapshot
}

// Get returns the current staged value of a document, for the caller's
// local mutation step.
func (s *Scope) Get(tableName, docID string) (table.Document, bool) {
	t, ok := s.staging[tableName]
	if !ok {
		return nil, false
	}
	d, ok := t[docID]
	return d, ok
}

// Put stages a document add/update.
func (s *Scope) Put(tableName, docID string, doc table.Document) {
	s.staging[tableName][docID] = doc
}

// Delete stages a document removal.
func (s *Scope) Delete(tableName, docID string) {
	delete(s.staging[tableName], docID)
}

// Diffs computes the per-table diff between the snapshot and the staged
// working copy (spec.md §4.8 DIFFED stage).
func (s *Scope) Diffs() map[string]table.Diff {
	out := make(map[string]table.Diff, len(s.Tables))
	for _, t := range s.Tables {
		out[t] = table.Compare(s.before[t], s.staging[t])
	}
	return out
}

// Empty reports whether every table's diff is empty (invariant I6).
func (s *Scope) Empty() bool {
	for _, d := range s.Diffs() {
		if !d.Empty() {
			return false
		}
	}
	return true
}

// Begin snapshots every named table for lockID and returns a Scope whose
// staging copy the caller mutates before calling Engine.Commit.
func Begin(storage Storage, lockID string, tables []string) *Scope {
	before := make(map[string]table.Snapshot, len(tables))
	staging := make(map[string]table.Snapshot, len(tables))
	for _, t := range tables {
		snap := storage.Read(t)
		before[t] = snap
		staging[t] = snap.Clone()
	}
	return &Scope{LockID: lockID, Tables: tables, before: before, staging: staging}
}

// FanoutFunc abstracts one command/payload broadcast-and-collect round trip
// (SendCommand + AwaitReceivers, spec.md §4.5) so this package stays
// transport-agnostic. peers is the explicit receiver list; the returned map
// is peer name -> reply (OK / ERR token payload).
type FanoutFunc func(ctx context.Context, cmd, payload string, peers []string) bus.AwaitResult

// Engine drives the DIFFED → PATCH_FANOUT → FULLTABLE_FALLBACK →
// COMMIT_FANOUT → LOCAL_COMMIT pipeline for a Scope.
type Engine struct {
	storage  Storage
	registry *clusterstate.Registry
	fanout   FanoutFunc
	log      logging.Logger
	metrics  *metrics.Registry
}

// New builds an Engine.
func New(storage Storage, registry *clusterstate.Registry, fanout FanoutFunc, log logging.Logger, m *metrics.Registry) *Engine {
	return &Engine{storage: storage, registry: registry, fanout: fanout, log: log, metrics: m}
}

// EncodeDiff renders a table diff as the base64(zlib(json)) payload segment
// used by PATCHTABLE (spec.md §4.8).
func EncodeDiff(d table.Diff) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return compressAndEncode(raw)
}

// EncodeFullTable renders a full table image the same way, for FULLTABLE.
func EncodeFullTable(s table.Snapshot) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return compressAndEncode(raw)
}

func compressAndEncode(raw []byte) (string, error) {
	var buf strings.Builder
	enc := base64.NewEncoder(base64.StdEncoding, &buf)
	zw := zlib.NewWriter(enc)
	if _, err := zw.Write(raw); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// DecodeDiff reverses EncodeDiff. Sections that were empty (and so omitted
// from the JSON) come back as empty maps, the same shape table.Compare
// produces.
func DecodeDiff(payload string) (table.Diff, error) {
	var d table.Diff
	raw, err := decodeAndDecompress(payload)
	if err != nil {
		return d, err
	}
	err = json.Unmarshal(raw, &d)
	if d.Changed == nil {
		d.Changed = map[string][2]table.Document{}
	}
	if d.Added == nil {
		d.Added = map[string]table.Document{}
	}
	if d.Removed == nil {
		d.Removed = map[string]table.Document{}
	}
	return d, err
}

// DecodeFullTable reverses EncodeFullTable.
func DecodeFullTable(payload string) (table.Snapshot, error) {
	var s table.Snapshot
	raw, err := decodeAndDecompress(payload)
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(raw, &s)
	return s, err
}

func decodeAndDecompress(payload string) ([]byte, error) {
	dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(payload))
	zr, err := zlib.NewReader(dec)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// quorumOf mirrors election.Quorum's formula locally to avoid an import cycle
// between patch and election (both depend on clusterstate, neither on the
// other).
func quorumOf(nTotal int) int {
	return int(math.Ceil(0.51 * float64(nTotal)))
}

// Commit runs DIFFED through RELEASED for scope. leaderAtAcquisition is the
// leader name observed when the lock was acquired; currentLeader is read
// again immediately before COMMIT (the leader-change guard, spec.md §4.8
// last paragraph). onRelease is always invoked exactly once, regardless of
// outcome, so the caller can release the scope's table locks.
func (e *Engine) Commit(ctx context.Context, scope *Scope, leaderAtAcquisition string, currentLeader func() string, onRelease func()) error {
	defer onRelease()

	diffs := scope.Diffs()
	if scope.Empty() {
		e.log.Debugf("patch: lock %s produced an empty diff, nothing to replicate", scope.LockID)
		return nil
	}

	established := e.registry.EstablishedNames(false, true)
	nTotal := e.registry.NTotal()

	mismatched := map[string]bool{}
	for _, t := range scope.Tables {
		d := diffs[t]
		if d.Empty() {
			continue
		}
		hash := table.Hash(scope.before[t])
		payload, err := EncodeDiff(d)
		if err != nil {
			e.recordOutcome(OutcomeException)
			e.storage.Rollback(scope.LockID)
			return &clustererr.ReplicationError{Table: t, Tok: clustererr.PatchException}
		}

		wirePayload := fmt.Sprintf("%s %s@%s %s", scope.LockID, t, hash, payload)
		res := e.fanout(ctx, "PATCHTABLE", wirePayload, established)

		for peer, reply := range res.Responses {
			if reply.Kind != bus.ReplyErr {
				continue
			}
			werr := clustererr.ParseErrPayload(reply.Payload)
			if werr.Tok == clustererr.TableHashMismatch {
				mismatched[peer] = true
				continue
			}
			e.recordOutcome(OutcomeException)
			e.storage.Rollback(scope.LockID)
			return &clustererr.ReplicationError{Peer: peer, Table: t, Tok: werr.Tok}
		}
		if len(res.Missing) > 0 {
			// Unlike an explicit TABLE_HASH_MISMATCH, a peer that never
			// answered at all does not earn the FULLTABLE fallback (spec.md
			// §4.8); abort the whole transaction.
			e.recordOutcome(OutcomeException)
			e.storage.Rollback(scope.LockID)
			return &clustererr.ReplicationError{Peer: res.Missing[0], Table: t, Tok: clustererr.PatchException}
		}

		if err := HandlePatchTableLocal(e.storage, scope.LockID, t, hash, d); err != nil {
			e.recordOutcome(OutcomeException)
			e.storage.Rollback(scope.LockID)
			return err
		}
	}

	if len(mismatched) > 0 {
		acked := len(established) - len(mismatched)
		if acked+1 < quorumOf(nTotal) {
			e.recordOutcome(OutcomeHashMismatch)
			e.storage.Rollback(scope.LockID)
			return &clustererr.ReplicationError{Tok: clustererr.TableHashMismatch}
		}

		fallbackPeers := make([]string, 0, len(mismatched))
		for p := range mismatched {
			fallbackPeers = append(fallbackPeers, p)
		}

		for _, t := range scope.Tables {
			if diffs[t].Empty() {
				continue
			}
			hash := table.Hash(scope.before[t])
			payload, err := EncodeFullTable(scope.staging[t])
			if err != nil {
				e.recordOutcome(OutcomeException)
				e.storage.Rollback(scope.LockID)
				return &clustererr.ReplicationError{Table: t, Tok: clustererr.CannotApply}
			}
			wirePayload := fmt.Sprintf("%s %s@%s %s", scope.LockID, t, hash, payload)
			res := e.fanout(ctx, "FULLTABLE", wirePayload, fallbackPeers)
			if !res.OK {
				e.recordOutcome(OutcomeException)
				e.storage.Rollback(scope.LockID)
				return &clustererr.ReplicationError{Table: t, Tok: clustererr.CannotApply}
			}
		}
	}

	if currentLeader() != leaderAtAcquisition {
		e.recordOutcome(OutcomeException)
		e.storage.Rollback(scope.LockID)
		return &clustererr.ReplicationError{Tok: clustererr.CannotCommit}
	}

	commitRes := e.fanout(ctx, "COMMIT", scope.LockID, established)
	if !commitRes.OK {
		e.recordOutcome(OutcomeException)
		e.storage.Rollback(scope.LockID)
		return &clustererr.ReplicationError{Tok: clustererr.CannotCommit}
	}

	if _, err := HandleCommit(e.storage, scope.LockID); err != nil {
		e.recordOutcome(OutcomeException)
		return &clustererr.ReplicationError{Tok: clustererr.CannotCommit}
	}

	e.recordOutcome(OutcomeOK)
	return nil
}

// HandlePatchTableLocal is HandlePatchTable's local-apply counterpart: the
// initiator already knows its own diff is consistent (it produced it), so
// this always stages, never hash-mismatches.
func HandlePatchTableLocal(storage Storage, lockID, tableName, hash string, d table.Diff) error {
	tok, err := HandlePatchTable(storage, lockID, tableName, hash, d)
	if err != nil {
		return &clustererr.ReplicationError{Table: tableName, Tok: tok}
	}
	return nil
}

func (e *Engine) recordOutcome(outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.PatchOutcomes.WithLabelValues(outcome).Inc()
}
