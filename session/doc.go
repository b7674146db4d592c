// Package session implements the session lifecycle core.
//
// The session package binds external session identifiers to live sandbox
// containers. The Registry is the authoritative table of session -> sandbox
// and guarantees at most one live sandbox per key: every operation runs
// under the session's execution lock, acquired before the existence check,
// so concurrent first touches provision exactly once and lifecycle
// transitions never interleave with executions.
//
// The Dispatcher runs code and moves files through those sandboxes, the
// Reaper retires sessions idle past their TTL, and Recovery rebuilds the
// registry from container labels after a restart. Every artifact a session
// produces is tracked in a per-session FileMap keyed by opaque 21-character
// identifiers that never outlive the session's generation.
//
// Usage:
//
//	registry := session.NewRegistry(logger, ctrl, cfg)
//	dispatcher := session.NewDispatcher(logger, ctrl, registry, cfg)
//	res, err := dispatcher.Execute(ctx, key, "print(2 + 2)", 30*time.Second)
package session
