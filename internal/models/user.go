package models

import "time"

// User is an authenticated account. IDs are opaque strings assigned at
// registration.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
