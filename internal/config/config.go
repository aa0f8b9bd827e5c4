package config

import "time"

const (
	// DefaultPort is the default HTTP server port.
	DefaultPort = "8080"

	// DefaultDatabaseURL is empty; must be provided via flag or environment.
	DefaultDatabaseURL = ""

	// DefaultMaxAgents is the agent ceiling of a project's first quota document.
	DefaultMaxAgents = 2

	// DefaultStoreTimeout bounds each quota store call of a saga step.
	DefaultStoreTimeout = 5 * time.Second

	// DefaultControlPlaneTimeout bounds each control plane request.
	DefaultControlPlaneTimeout = 15 * time.Second

	// DefaultCompensationTimeout bounds each compensation.
	DefaultCompensationTimeout = 10 * time.Second

	// DefaultRateLimit is the sustained provisioning requests per minute per caller.
	DefaultRateLimit = 30

	// DefaultRateBurst is the provisioning burst allowed per caller.
	DefaultRateBurst = 5

	// DefaultNATSSubject is the subject saga events are published on.
	DefaultNATSSubject = "agentprov.saga"

	// DefaultStaleAfter is the age after which a reservation is considered abandoned.
	DefaultStaleAfter = 15 * time.Minute
)
