package engine

import "github.com/pkg/errors"

var (
	// ErrSessionRejected is returned by Engine.CreateSessionOffer when admission control
	// determines the session's predicted usage cannot be safely accommodated alongside
	// every other session's predicted usage.
	ErrSessionRejected = errors.New("session rejected: predicted resource usage exceeds safe capacity")

	// ErrSessionDeleted indicates an operation was submitted against a session that has
	// already been marked for deletion (SessionItem.PrepareDelete ran).
	ErrSessionDeleted = errors.New("session has already been deleted")

	// ErrResourceContextNotStaged indicates a ResourceContext was used before
	// InitializeStaging succeeded on it.
	ErrResourceContextNotStaged = errors.New("resource context has no staged reservation")

	// ErrPoolFull is returned by WorkerPool.TryRun when every worker slot is occupied.
	ErrPoolFull = errors.New("worker pool has no free slots")

	// ErrNoPolicy indicates NewEngine was given a policy name that was never registered.
	ErrNoPolicy = errors.New("unknown scheduler policy")
)
