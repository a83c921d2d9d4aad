package domain

// RoomID is the client-supplied room identifier. Unique per process only.
type RoomID string
