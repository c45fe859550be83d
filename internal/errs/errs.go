// Package errs defines the agent's closed error taxonomy and the
// disposition each error class maps to in the reconciler's dispatch.
package errs

import "errors"

// Sentinel errors for the expected-transient class (spec.md §7).
var (
	// ErrNoOutputsFound means the cloud stack exists but its outputs
	// (and therefore the role ARN) are not yet available. Normal
	// transient state, not a failure.
	ErrNoOutputsFound = errors.New("cloud stack outputs not yet available")

	// ErrPostgresConnectionInfoNotFound means the managed secret
	// carrying connection details has not been populated yet.
	ErrPostgresConnectionInfoNotFound = errors.New("postgres connection info not found")

	// ErrDeleteNotComplete means the custom resource and/or namespace
	// deletion has not finished converging yet.
	ErrDeleteNotComplete = errors.New("delete not yet complete")

	// ErrNotFound means the custom resource does not exist in the cluster.
	ErrNotFound = errors.New("resource not found")

	// ErrConnectionPool means the relational pool backing the queue could
	// not be acquired. Fatal for the reconciler's retry loop.
	ErrConnectionPool = errors.New("connection pool error")
)

// Disposition is the reconciler's response to a handler outcome.
type Disposition int

const (
	// DispositionNone means no special handling is required (success path).
	DispositionNone Disposition = iota
	// DispositionRequeueShort resets the visibility timeout to 5s.
	DispositionRequeueShort
	// DispositionRequeueLong resets the visibility timeout to 300s.
	DispositionRequeueLong
	// DispositionRequeueDelete resets the visibility timeout to 60s
	// (the dedicated delete-retry interval).
	DispositionRequeueDelete
)

// Classify maps an error from a cluster/cloud adapter call to the
// disposition the reconciler should apply. Errors not in the expected-
// transient set are treated as unexpected-transient (requeue-long).
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return DispositionNone
	case errors.Is(err, ErrNoOutputsFound):
		return DispositionRequeueShort
	case errors.Is(err, ErrPostgresConnectionInfoNotFound):
		return DispositionRequeueShort
	case errors.Is(err, ErrDeleteNotComplete):
		return DispositionRequeueDelete
	default:
		return DispositionRequeueLong
	}
}
