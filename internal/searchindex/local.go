package searchindex

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/szaher/designs/sessiond/internal/filestore"
)

// Local keeps each user's index in its own directory under Root, named by
// CollectionName. Documents are plain text files the embedding worker
// picks up.
type Local struct {
	Root   string
	Logger *slog.Logger

	mu     sync.Mutex
	opened map[string]string // user id -> collection
}

// NewLocal creates a directory-backed index rooted at root.
func NewLocal(root string, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{Root: root, Logger: logger, opened: make(map[string]string)}
}

// Ensure implements Index.
func (l *Local) Ensure(_ context.Context, userID string) (string, error) {
	name := CollectionName(userID)
	if err := os.MkdirAll(filepath.Join(l.Root, name), 0o750); err != nil {
		return "", fmt.Errorf("create index %s: %w", name, err)
	}
	l.mu.Lock()
	l.opened[userID] = name
	l.mu.Unlock()
	return name, nil
}

// Add implements Index.
func (l *Local) Add(ctx context.Context, userID, docID, text string) error {
	if err := filestore.ValidateName(docID); err != nil {
		return err
	}
	name, err := l.Ensure(ctx, userID)
	if err != nil {
		return err
	}
	path := filepath.Join(l.Root, name, docID+".txt")
	if err := os.WriteFile(path, []byte(text), 0o640); err != nil {
		return fmt.Errorf("index %s/%s: %w", name, docID, err)
	}
	return nil
}

// DeleteAll implements Index. The cached collection is dropped before the
// directory so a concurrent Ensure recreates it from scratch.
func (l *Local) DeleteAll(_ context.Context, userID string) error {
	l.mu.Lock()
	delete(l.opened, userID)
	l.mu.Unlock()

	name := CollectionName(userID)
	dir := filepath.Join(l.Root, name)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		l.Logger.Debug("no search index to delete", "user_id", userID)
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete index %s: %w", name, err)
	}
	l.Logger.Info("deleted search index", "user_id", userID, "collection", name)
	return nil
}

// Open reports whether userID has an index opened by this process.
func (l *Local) Open(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.opened[userID]
	return ok
}
