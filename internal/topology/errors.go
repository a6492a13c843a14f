package topology

import "errors"

// Topology errors.
var (
	// ErrHandlerDestroyed indicates a call on a handler torn down by a failover or shutdown.
	ErrHandlerDestroyed = errors.New("handler has been destroyed, possibly due to a coordinator failover")

	// ErrUnknownAgent indicates an agent id not present in the cached topology.
	ErrUnknownAgent = errors.New("unknown agent id or agent not yet seen")

	// ErrUnknownWorker indicates a worker id not present in the cached topology.
	ErrUnknownWorker = errors.New("unknown worker id")

	// ErrNoWorkersAvailable indicates a fan-out found no worker with a registered connection.
	ErrNoWorkersAvailable = errors.New("no valid workers exist or no connections available")

	// ErrNoCandidates indicates an empty coordinator candidate list.
	ErrNoCandidates = errors.New("no coordinator addresses configured")

	// ErrInvalidCandidate indicates a coordinator address that is not host:port.
	ErrInvalidCandidate = errors.New("invalid coordinator address")
)
