// Package searchindex manages the per-user document index the agent
// searches. Building and querying embeddings happens elsewhere; this
// package only owns where an index lives and how it is removed.
package searchindex

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"unicode"
)

// Index is a per-user search index. DeleteAll succeeds when the user has
// no index.
type Index interface {
	// Ensure creates the user's index if needed and returns its name.
	Ensure(ctx context.Context, userID string) (string, error)
	// Add stores a document in the user's index.
	Add(ctx context.Context, userID, docID, text string) error
	DeleteAll(ctx context.Context, userID string) error
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// maxCollectionName matches the collection name limit of common vector
// stores.
const maxCollectionName = 63

// CollectionName derives a storage-safe index name from a user id. It
// always starts with "user_", ends with an alphanumeric character and is at
// most 63 bytes long. Ids that had to be rewritten or shortened get a hash
// suffix so two users never share a collection.
func CollectionName(userID string) string {
	clean := unsafeChars.ReplaceAllString(userID, "_")
	rewritten := clean != userID
	if clean == "" {
		clean, rewritten = "default_user", true
	}
	if !isAlnum(rune(clean[0])) {
		clean, rewritten = "u"+clean, true
	}
	if !isAlnum(rune(clean[len(clean)-1])) {
		clean, rewritten = clean+"0", true
	}
	name := "user_" + clean
	if !rewritten && len(name) <= maxCollectionName {
		return name
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	suffix := fmt.Sprintf("_%08x", h.Sum32())
	if keep := maxCollectionName - len(suffix); len(name) > keep {
		name = name[:keep]
	}
	return name + suffix
}

func isAlnum(r rune) bool {
	return r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
