package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/andryyy/thatcat-sub000/internal/clustererr"
	"github.com/andryyy/thatcat-sub000/internal/dispatch"
	"github.com/andryyy/thatcat-sub000/internal/fileshare"
	"github.com/andryyy/thatcat-sub000/internal/lock"
	"github.com/andryyy/thatcat-sub000/internal/patch"
	"github.com/andryyy/thatcat-sub000/internal/wire"
)

// registerCommands installs the full command table from spec.md §6 into the
// cluster's dispatcher.
func (c *Cluster) registerCommands() {
	c.dispatch.Register(dispatch.Descriptor{Name: "INIT", Handler: c.handleInit})
	c.dispatch.Register(dispatch.Descriptor{Name: "STATUS", Handler: c.handleStatus})
	c.dispatch.Register(dispatch.Descriptor{Name: "BYE", Handler: c.handleBye})
	c.dispatch.Register(dispatch.Descriptor{Name: "LOCK", LeaderOnly: true, RequiresReadiness: true, Handler: c.handleLock})
	c.dispatch.Register(dispatch.Descriptor{Name: "UNLOCK", LeaderOnly: true, RequiresReadiness: true, Handler: c.handleUnlock})
	c.dispatch.Register(dispatch.Descriptor{Name: "PATCHTABLE", RequiresReadiness: true, Handler: c.handlePatchTable})
	c.dispatch.Register(dispatch.Descriptor{Name: "FULLTABLE", RequiresReadiness: true, Handler: c.handleFullTable})
	c.dispatch.Register(dispatch.Descriptor{Name: "COMMIT", RequiresReadiness: true, Handler: c.handleCommit})
	c.dispatch.Register(dispatch.Descriptor{Name: "FILEPUT", Handler: c.handleFilePut})
	c.dispatch.Register(dispatch.Descriptor{Name: "FILEGET", Handler: c.handleFileGet})
	c.dispatch.Register(dispatch.Descriptor{Name: "FILEDEL", Handler: c.handleFileDel})
}

func (c *Cluster) handleInit(ctx dispatch.Context, env wire.Envelope) (string, string, error) {
	return "ACK", "", nil
}

func (c *Cluster) handleStatus(ctx dispatch.Context, env wire.Envelope) (string, string, error) {
	return "ACK", "", nil
}

// handleBye implements spec.md §4.10: the sender is marked gracefully
// shutting down, so the health monitor and election stop penalizing it.
func (c *Cluster) handleBye(ctx dispatch.Context, env wire.Envelope) (string, string, error) {
	p, err := c.peerByName(ctx.Peer)
	if err != nil {
		return "", "", err
	}
	p.Lock()
	p.GracefulShutdown = true
	p.Unlock()
	c.cancelMonitor(ctx.Peer)
	c.runElection()
	return "", "", nil
}

func parseLockPayload(payload string) (lockID string, tables []string, err error) {
	parts := strings.SplitN(payload, " ", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", nil, fmt.Errorf("server: malformed LOCK/UNLOCK payload %q", payload)
	}
	return parts[0], strings.Split(parts[1], ","), nil
}

// handleLock runs the leader's side of spec.md §4.7: a short randomized
// acquisition attempt that answers BUSY rather than making the follower
// wait on this round-trip.
func (c *Cluster) handleLock(ctx dispatch.Context, env wire.Envelope) (string, string, error) {
	lockID, tables, err := parseLockPayload(env.Payload)
	if err != nil {
		return "", "", clustererr.New(clustererr.LockError, err.Error())
	}
	acquireCtx, cancel := context.WithTimeout(context.Background(), lock.RandomLeaderTimeout())
	defer cancel()
	if err := c.lockMgr.AcquireLeader(acquireCtx, lockID, tables, lock.RandomLeaderTimeout()); err != nil {
		return "OK", "BUSY", nil
	}
	return "OK", "", nil
}

func (c *Cluster) handleUnlock(ctx dispatch.Context, env wire.Envelope) (string, string, error) {
	lockID, tables, err := parseLockPayload(env.Payload)
	if err != nil {
		return "", "", clustererr.New(clustererr.UnlockErrorUnknown, err.Error())
	}
	if !c.lockMgr.ReleaseChecked(lockID, tables) {
		return "", "", clustererr.New(clustererr.UnlockErrorUnknown, lockID)
	}
	return "OK", "", nil
}

func parseTableHashPayload(payload string) (lockID, tableName, hash, body string, err error) {
	parts := strings.SplitN(payload, " ", 3)
	if len(parts) != 3 {
		return "", "", "", "", fmt.Errorf("server: malformed table payload %q", payload)
	}
	tblHash := strings.SplitN(parts[1], "@", 2)
	if len(tblHash) != 2 {
		return "", "", "", "", fmt.Errorf("server: malformed table@hash token %q", parts[1])
	}
	return parts[0], tblHash[0], tblHash[1], parts[2], nil
}

func (c *Cluster) handlePatchTable(ctx dispatch.Context, env wire.Envelope) (string, string, error) {
	lockID, tableName, hash, body, err := parseTableHashPayload(env.Payload)
	if err != nil {
		return "", "", clustererr.New(clustererr.PatchException, err.Error())
	}
	diff, err := patch.DecodeDiff(body)
	if err != nil {
		return "", "", clustererr.New(clustererr.PatchException, err.Error())
	}
	tok, err := patch.HandlePatchTable(c.store, lockID, tableName, hash, diff)
	if err != nil {
		return "", "", clustererr.New(tok, err.Error())
	}
	return "ACK", "", nil
}

func (c *Cluster) handleFullTable(ctx dispatch.Context, env wire.Envelope) (string, string, error) {
	lockID, tableName, _, body, err := parseTableHashPayload(env.Payload)
	if err != nil {
		return "", "", clustererr.New(clustererr.CannotApply, err.Error())
	}
	full, err := patch.DecodeFullTable(body)
	if err != nil {
		return "", "", clustererr.New(clustererr.CannotApply, err.Error())
	}
	tok, err := patch.HandleFullTable(c.store, lockID, tableName, full)
	if err != nil {
		return "", "", clustererr.New(tok, err.Error())
	}
	return "ACK", "", nil
}

func (c *Cluster) handleCommit(ctx dispatch.Context, env wire.Envelope) (string, string, error) {
	lockID := strings.TrimSpace(env.Payload)
	tok, err := patch.HandleCommit(c.store, lockID)
	if err != nil {
		return "", "", clustererr.New(tok, err.Error())
	}
	return "ACK", "", nil
}

// handleFilePut implements the inverted-control half of spec.md §4.9: the
// receiver pulls the file back from the sender rather than accepting a
// push, so it replies OK immediately and fetches in the background.
func (c *Cluster) handleFilePut(ctx dispatch.Context, env wire.Envelope) (string, string, error) {
	parts := strings.SplitN(env.Payload, " ", 2)
	if len(parts) != 2 {
		return "", "", clustererr.New(clustererr.InvalidFilePath, env.Payload)
	}
	srcPath, destPath, sender := parts[0], parts[1], ctx.Peer
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.FileGet(context.Background(), srcPath, destPath, sender, 0, -1); err != nil {
			c.log.Warnf("server: background FileGet for FILEPUT from %s failed: %v", sender, err)
		}
	}()
	return "OK", "", nil
}

func parseFileGetPayload(payload string) (start, end int64, path string, err error) {
	parts := strings.SplitN(payload, " ", 3)
	if len(parts) != 3 {
		return 0, 0, "", fmt.Errorf("server: malformed FILEGET payload %q", payload)
	}
	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, "", err
	}
	end, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, "", err
	}
	return start, end, parts[2], nil
}

// handleFileGet implements the sender side of spec.md §4.9: it replies with
// a sequence of DATA CHUNKED messages under the request's own ticket rather
// than a single reply, so it writes its own frames and returns an empty
// replyCommand to tell the dispatcher loop not to send anything further.
func (c *Cluster) handleFileGet(ctx dispatch.Context, env wire.Envelope) (string, string, error) {
	start, end, path, err := parseFileGetPayload(env.Payload)
	if err != nil {
		return "", "", clustererr.New(clustererr.InvalidFilePath, err.Error())
	}
	prepared, err := c.files.PrepareGet(path, start, end)
	if err != nil {
		if ferr, ok := err.(*clustererr.FileError); ok {
			return "", "", clustererr.New(ferr.Tok, path)
		}
		return "", "", clustererr.New(clustererr.InvalidFilePath, err.Error())
	}

	total := len(prepared.Chunks)
	for i, chunk := range prepared.Chunks {
		payload := fileshare.EncodeChunk(fileshare.ChunkEnvelope{
			Index: i + 1,
			Total: total,
			Path:  path,
			Meta:  prepared.Meta,
			Chunk: chunk,
		})
		if err := c.sendReply(ctx.Peer, env.Ticket, "DATA", payload); err != nil {
			c.log.Warnf("server: FILEGET chunk %d/%d to %s failed: %v", i+1, total, ctx.Peer, err)
			return "", "", nil
		}
	}
	return "", "", nil
}

func (c *Cluster) handleFileDel(ctx dispatch.Context, env wire.Envelope) (string, string, error) {
	if err := c.files.Delete(env.Payload); err != nil {
		if ferr, ok := err.(*clustererr.FileError); ok {
			return "", "", clustererr.New(ferr.Tok, env.Payload)
		}
		return "", "", clustererr.New(clustererr.FileUnlinkFailed, env.Payload)
	}
	return "OK", "", nil
}
