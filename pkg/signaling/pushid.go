package signaling

import "github.com/google/uuid"

// NewPushID returns a new child key for [Store.Push]. Keys are UUIDv7
// strings, so their lexicographic order follows creation time.
func NewPushID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
