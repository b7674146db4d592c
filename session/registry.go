package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kernelbox/kernelbox/config"
	"github.com/kernelbox/kernelbox/sandbox"
)

// State is a session's position in its lifecycle. Absent sessions have no
// entry and therefore no state.
type State string

const (
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateExecuting    State = "executing"
	StateTerminated   State = "terminated"
)

// Session is a read-only view of one registry entry.
type Session struct {
	Key         string
	ContainerID string
	State       State
	CreatedAt   time.Time
	LastAccess  time.Time
	Generation  uint64
	Files       int
}

// entry is the registry's record of one live session. The execution lock mu
// serializes the full provision-or-resolve-then-run sequence; metaMu guards
// the metadata fields so Snapshot never races an execution.
type entry struct {
	key   string
	files *FileMap

	mu     sync.Mutex // execution lock
	failed error      // provisioning failure handed to queued waiters

	metaMu     sync.Mutex
	handle     sandbox.Handle
	state      State
	createdAt  time.Time
	lastAccess time.Time
	generation uint64
}

func (e *entry) setState(s State) {
	e.metaMu.Lock()
	e.state = s
	e.metaMu.Unlock()
}

func (e *entry) currentState() State {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.state
}

func (e *entry) setHandle(h sandbox.Handle) {
	e.metaMu.Lock()
	e.handle = h
	e.metaMu.Unlock()
}

func (e *entry) handleCopy() sandbox.Handle {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.handle
}

func (e *entry) touch(t time.Time) {
	e.metaMu.Lock()
	e.lastAccess = t
	e.metaMu.Unlock()
}

func (e *entry) lastAccessTime() time.Time {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.lastAccess
}

func (e *entry) view() Session {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return Session{
		Key:         e.key,
		ContainerID: e.handle.ContainerID,
		State:       e.state,
		CreatedAt:   e.createdAt,
		LastAccess:  e.lastAccess,
		Generation:  e.generation,
		Files:       e.files.Len(),
	}
}

// Registry is the authoritative in-process table of session -> sandbox.
// It guarantees at most one live sandbox per session key and at most one
// provisioning per key under concurrent first touch.
type Registry struct {
	logger       *zap.Logger
	ctrl         sandbox.Controller
	maxSessions  int
	containerDir string
	provisionSem *semaphore.Weighted

	mu          sync.RWMutex
	entries     map[string]*entry
	generations map[string]uint64 // outlives entries so a reused key gets the next generation

	now func() time.Time
}

// NewRegistry creates a Registry backed by the given controller.
func NewRegistry(logger *zap.Logger, ctrl sandbox.Controller, cfg *config.Config) *Registry {
	return &Registry{
		logger:       logger,
		ctrl:         ctrl,
		maxSessions:  cfg.Sessions.MaxSessions,
		containerDir: cfg.Data.ContainerDir,
		provisionSem: semaphore.NewWeighted(cfg.Sandbox.ProvisionBurst),
		entries:      make(map[string]*entry),
		generations:  make(map[string]uint64),
		now:          time.Now,
	}
}

// Acquire resolves the session's live sandbox, provisioning one when the
// key is absent, and returns a Lease holding the session's execution lock.
// Concurrent callers for the same key queue on that lock: exactly one
// provisions, the rest observe the winner's sandbox (or its failure).
//
// Fails fast with ErrResourceExhausted at the session cap, before any
// container is created.
func (r *Registry) Acquire(ctx context.Context, key string) (*Lease, error) {
	if key == "" || SanitizeKey(key) != key {
		return nil, fmt.Errorf("%w: malformed session key", ErrValidation)
	}

	for {
		r.mu.Lock()
		e, ok := r.entries[key]
		if !ok {
			if len(r.entries) >= r.maxSessions {
				r.mu.Unlock()
				return nil, fmt.Errorf("%w: %d sessions active", ErrResourceExhausted, r.maxSessions)
			}

			gen := r.generations[key] + 1
			r.generations[key] = gen
			now := r.now()
			e = &entry{
				key:        key,
				files:      NewFileMap(key, r.containerDir),
				state:      StateProvisioning,
				createdAt:  now,
				lastAccess: now,
				generation: gen,
			}
			// Publish the entry already locked so concurrent acquirers
			// queue behind the provisioning instead of racing it.
			e.mu.Lock()
			r.entries[key] = e
			r.mu.Unlock()

			if err := r.provision(ctx, e); err != nil {
				return nil, err
			}
			e.setState(StateExecuting)
			return &Lease{registry: r, entry: e}, nil
		}
		r.mu.Unlock()

		e.mu.Lock()
		if e.failed != nil {
			err := e.failed
			e.mu.Unlock()
			return nil, err
		}
		if e.currentState() == StateTerminated {
			// Retired while we waited on the lock. The entry is already
			// out of the table; start over with a fresh generation.
			e.mu.Unlock()
			continue
		}
		e.setState(StateExecuting)
		return &Lease{registry: r, entry: e}, nil
	}
}

// provision creates the entry's container, rate limited by the global
// provisioning semaphore. Called with the entry's execution lock held; on
// failure the entry is rolled back to absent and the lock released.
func (r *Registry) provision(ctx context.Context, e *entry) error {
	if err := r.provisionSem.Acquire(ctx, 1); err != nil {
		wrapped := fmt.Errorf("%w: waiting for provisioning slot: %v", sandbox.ErrProvision, err)
		r.rollback(e, wrapped)
		return wrapped
	}
	h, err := r.ctrl.Provision(ctx, e.key)
	r.provisionSem.Release(1)
	if err != nil {
		r.rollback(e, err)
		return err
	}

	e.setHandle(h)
	r.logger.Info("session provisioned",
		zap.String("session", e.key),
		zap.Uint64("generation", e.generation),
		zap.String("container_id", h.ContainerID))
	return nil
}

// rollback removes a failed provisioning entry and hands the failure to
// any callers already queued on its lock.
func (r *Registry) rollback(e *entry, err error) {
	r.mu.Lock()
	if r.entries[e.key] == e {
		delete(r.entries, e.key)
	}
	r.mu.Unlock()

	e.failed = err
	e.setState(StateTerminated)
	e.mu.Unlock()
}

// retireLocked removes the entry from the table and tears down its
// container. Called with the entry's execution lock held; releases it.
func (r *Registry) retireLocked(ctx context.Context, e *entry) {
	r.mu.Lock()
	if r.entries[e.key] == e {
		delete(r.entries, e.key)
	}
	r.mu.Unlock()

	h := e.handleCopy()
	e.setState(StateTerminated)
	e.mu.Unlock()

	if h.ContainerID != "" {
		if err := r.ctrl.Terminate(ctx, h); err != nil {
			r.logger.Warn("failed to tear down sandbox",
				zap.String("session", e.key),
				zap.String("container_id", h.ContainerID),
				zap.Error(err))
		}
	}
}

// Terminate removes the session and tears down its sandbox. A subsequent
// Acquire on the same key starts a fresh generation, never a revival.
func (r *Registry) Terminate(ctx context.Context, key string) error {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}

	e.mu.Lock()
	if e.currentState() == StateTerminated {
		e.mu.Unlock()
		return nil
	}
	r.retireLocked(ctx, e)
	return nil
}

// TerminateIdle retires the session only if it has been idle for longer
// than ttl and is not executing. The idle check and the termination are
// atomic under the session's execution lock: a session that just started
// an execution holds the lock and is skipped.
func (r *Registry) TerminateIdle(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if !e.mu.TryLock() {
		return false, nil // in flight, skip this sweep
	}
	if e.failed != nil || e.currentState() == StateTerminated {
		e.mu.Unlock()
		return false, nil
	}
	if r.now().Sub(e.lastAccessTime()) <= ttl {
		e.mu.Unlock()
		return false, nil
	}

	r.retireLocked(ctx, e)
	return true, nil
}

// Files returns the session's file map without provisioning, touching its
// last-access time.
func (r *Registry) Files(key string) (*FileMap, bool) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.touch(r.now())
	return e.files, true
}

// Adopt inserts a Ready entry for an already-running container found at
// startup. No container is created.
func (r *Registry) Adopt(h sandbox.Handle) (*FileMap, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[h.SessionKey]; ok {
		return nil, fmt.Errorf("session %s already registered", h.SessionKey)
	}

	gen := r.generations[h.SessionKey] + 1
	r.generations[h.SessionKey] = gen
	now := r.now()
	e := &entry{
		key:        h.SessionKey,
		files:      NewFileMap(h.SessionKey, r.containerDir),
		handle:     h,
		state:      StateReady,
		createdAt:  now,
		lastAccess: now,
		generation: gen,
	}
	r.entries[h.SessionKey] = e
	return e.files, nil
}

// Snapshot returns a read-only view of every live session, sorted by key.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sessions := make([]Session, 0, len(entries))
	for _, e := range entries {
		sessions = append(sessions, e.view())
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key < sessions[j].Key })
	return sessions
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Lease grants exclusive use of a session's sandbox until released. It is
// handed out with the session's execution lock held.
type Lease struct {
	registry *Registry
	entry    *entry
	done     bool
}

// SessionKey returns the owning session's key.
func (l *Lease) SessionKey() string {
	return l.entry.key
}

// Handle returns the sandbox backing the session.
func (l *Lease) Handle() sandbox.Handle {
	return l.entry.handleCopy()
}

// Files returns the session's file map.
func (l *Lease) Files() *FileMap {
	return l.entry.files
}

// Generation returns the session's generation counter.
func (l *Lease) Generation() uint64 {
	return l.entry.generation
}

// Release marks the session Ready, touches its last-access time, and
// releases the execution lock.
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.entry.touch(l.registry.now())
	l.entry.setState(StateReady)
	l.entry.mu.Unlock()
}

// Terminate retires the session while still holding the lease. Used when
// the sandbox died underneath an execution and must not be reused.
func (l *Lease) Terminate(ctx context.Context) {
	if l.done {
		return
	}
	l.done = true
	l.registry.retireLocked(ctx, l.entry)
}
