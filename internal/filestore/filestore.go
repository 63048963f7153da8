// Package filestore holds the files users upload for the agent to read.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrInvalidName is returned for user ids or file names that could escape
// the user's namespace.
var ErrInvalidName = errors.New("invalid name")

// Store keeps uploaded files per user. DeleteAll succeeds when there is
// nothing to delete.
type Store interface {
	Put(ctx context.Context, userID, name string, r io.Reader) error
	List(ctx context.Context, userID string) ([]string, error)
	// Delete removes one file and reports whether it existed.
	Delete(ctx context.Context, userID, name string) (bool, error)
	DeleteAll(ctx context.Context, userID string) error
}

// ValidateName rejects empty names, path separators and dot segments.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
