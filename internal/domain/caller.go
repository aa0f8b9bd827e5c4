package domain

import "time"

// Caller represents an API client allowed to provision agents.
type Caller struct {
	ID        string
	Name      string
	KeyHash   string
	IsActive  bool
	CreatedAt time.Time
}
