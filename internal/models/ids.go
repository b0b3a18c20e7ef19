// Package models defines the core data types shared by every Agor
// component: sessions, tasks, messages, and permission requests.
package models

import "github.com/google/uuid"

// NewID returns a new opaque 128-bit identifier. UUIDv7 is preferred so
// that IDs sort by creation time, which keeps index scans and log
// correlation sane; it falls back to UUIDv4 if the v7 generator errors.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
