package domain

import "time"

// Operator is an authenticated user of the control API.
type Operator struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
