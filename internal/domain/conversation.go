package domain

import "time"

// Role identifies who authored a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is a single persisted message in a correspondent's conversation log.
// Turns are append-only and never mutated after creation.
type Turn struct {
	ID              string
	CorrespondentID string
	Role            Role
	Text            string
	CreatedAt       time.Time
}

// Page is one page of a correspondent's history, newest turn first.
type Page struct {
	Turns    []Turn
	Page     int
	PageSize int
	Total    int
}

// Stats aggregates the whole turn log.
type Stats struct {
	TotalTurns     int
	Correspondents int
	LastActivity   *time.Time
}
