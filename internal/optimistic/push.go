package optimistic

import (
	"context"

	"github.com/ChuLiYu/actionguard/internal/modifier"
	"github.com/ChuLiYu/actionguard/pkg/types"
)

// SendWithRevision sends value to the server. The implementation must call
// informServerRevision with the revision the server assigned before it
// returns nil; skipping it is a ProtocolError.
type SendWithRevision[V any] func(ctx context.Context, value V, localRevision int64, deviceID string, informServerRevision func(int64)) error

// SyncWithPush is Sync with revision numbers. A follow-up is sent only when
// local changes happened after the request and no server push has already
// covered them.
type SyncWithPush[V any] struct {
	Key   types.Key
	Value V

	Get  func() V
	Set  func(V)
	Send SendWithRevision[V]

	OnFinish func(err error)

	Named     *modifier.Layer
	Modifiers modifier.Layer
}

// Dispatch applies Value under a new local revision and sends it when no
// request is in flight for Key.
func (s SyncWithPush[V]) Dispatch(ctx context.Context, e *Engine) (types.Status, error) {
	e.mu.Lock()
	e.revisionLocked(s.Key).local++
	s.Set(s.Value)
	e.mu.Unlock()

	owner, ok := e.tryLock(s.Key)
	if !ok {
		return types.StatusCoalesced, nil
	}

	explicit := s.Modifiers
	cfg := modifier.Resolve(nil, s.Named, &explicit)

	status, err := e.coord.Dispatch(ctx, s.Key, cfg, func(ctx context.Context) error {
		followUp := false
		for {
			e.mu.Lock()
			start := e.revisionLocked(s.Key)
			reqLocal := start.local
			pushes := start.pushes
			sent := s.Get()
			e.mu.Unlock()

			e.metrics.RecordSyncRequest(followUp)

			informed := false
			var serverRev int64
			err := s.Send(ctx, sent, reqLocal, e.deviceID, func(r int64) {
				informed = true
				serverRev = r
			})
			if err != nil {
				return err
			}
			if !informed {
				return &types.ProtocolError{Key: s.Key, Msg: "send returned without informing the server revision"}
			}

			e.mu.Lock()
			rev := e.revisions[s.Key]
			if rev != start {
				// reset while the request was in flight
				e.mu.Unlock()
				return nil
			}
			if serverRev > rev.server {
				// an older push replaced the value while the request was in
				// flight; the server now holds sent
				if rev.pushes != pushes && rev.local <= rev.syncedLocal {
					s.Set(sent)
				}
				rev.server = serverRev
			}
			if reqLocal > rev.syncedLocal {
				rev.syncedLocal = reqLocal
			}
			if rev.local <= rev.syncedLocal {
				e.unlockLocked(s.Key, owner)
				e.mu.Unlock()
				return nil
			}
			e.mu.Unlock()
			followUp = true
			e.log.Debug("sync follow-up", "key", s.Key, "local_revision", reqLocal)
		}
	})

	e.warnUnsent(s.Key, status)
	e.unlock(s.Key, owner)
	if s.OnFinish != nil {
		s.OnFinish(err)
	}
	return status, err
}

// Push applies a server push for this sync's Key.
func (s SyncWithPush[V]) Push(e *Engine, meta PushMetadata, value V) PushResult {
	return ServerPush(e, s.Key, meta, value, s.Set)
}

// ============================================================================
// Server push
// ============================================================================

// PushMetadata tags a server-pushed value.
type PushMetadata struct {
	ServerRevision int64
	LocalRevision  int64  // local revision of the device that made the change
	DeviceID       string // device that made the change
}

// PushResult reports what ServerPush did.
type PushResult int

const (
	// PushApplied: the value was written to local state.
	PushApplied PushResult = iota
	// PushStale: the push is not newer than the last known server revision.
	PushStale
	// PushKeptLocal: an echo of this device's own older change while newer
	// local changes are pending. The revision is recorded, state is kept.
	PushKeptLocal
)

func (r PushResult) String() string {
	switch r {
	case PushApplied:
		return "applied"
	case PushStale:
		return "stale"
	default:
		return "kept_local"
	}
}

// ServerPush accepts a pushed value for key only if its server revision is
// newer than any seen before (last write wins). An applied push marks every
// local revision as synced, which suppresses a pending follow-up.
// When a push older than an in-flight request's write is applied, the request
// restores its sent value on response, since the echo of that write will be
// stale by then.
//
// key must be the key used by the matching SyncWithPush; a mismatch is not
// detected.
func ServerPush[V any](e *Engine, key types.Key, meta PushMetadata, value V, set func(V)) PushResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	rev := e.revisionLocked(key)
	if meta.ServerRevision <= rev.server {
		e.log.Debug("stale push ignored", "key", key, "server_revision", meta.ServerRevision, "known", rev.server)
		return PushStale
	}
	rev.server = meta.ServerRevision

	if meta.DeviceID == e.deviceID && meta.LocalRevision < rev.local {
		if meta.LocalRevision > rev.syncedLocal {
			rev.syncedLocal = meta.LocalRevision
		}
		return PushKeptLocal
	}

	set(value)
	rev.syncedLocal = rev.local
	rev.pushes++
	return PushApplied
}
