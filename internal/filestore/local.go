package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Local stores files under Root/<user id>/<name>.
type Local struct {
	Root   string
	Logger *slog.Logger
}

// NewLocal creates a Local store rooted at root.
func NewLocal(root string, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{Root: root, Logger: logger}
}

func (l *Local) userDir(userID string) (string, error) {
	if err := ValidateName(userID); err != nil {
		return "", err
	}
	return filepath.Join(l.Root, userID), nil
}

// Put implements Store.
func (l *Local) Put(_ context.Context, userID, name string, r io.Reader) error {
	dir, err := l.userDir(userID)
	if err != nil {
		return err
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}

// List implements Store.
func (l *Local) List(_ context.Context, userID string) ([]string, error) {
	dir, err := l.userDir(userID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", userID, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && e.Name()[0] != '.' {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete implements Store. The user's directory is removed once empty.
func (l *Local) Delete(_ context.Context, userID, name string) (bool, error) {
	dir, err := l.userDir(userID)
	if err != nil {
		return false, err
	}
	if err := ValidateName(name); err != nil {
		return false, err
	}
	err = os.Remove(filepath.Join(dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		l.Logger.Warn("file for deletion not found", "user_id", userID, "file", name)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", name, err)
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
	return true, nil
}

// DeleteAll implements Store.
func (l *Local) DeleteAll(_ context.Context, userID string) error {
	dir, err := l.userDir(userID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		l.Logger.Debug("no files to delete", "user_id", userID)
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete files for %s: %w", userID, err)
	}
	l.Logger.Info("deleted user files", "user_id", userID)
	return nil
}
