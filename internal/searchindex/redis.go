package searchindex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/szaher/designs/sessiond/internal/filestore"
)

// RedisDoer is the subset of *redis.Client used by Redis.
type RedisDoer interface {
	Do(ctx context.Context, args ...any) *redis.Cmd
}

// Redis keeps each user's documents as hashes indexed by a RediSearch
// index. Dropping the index with DD removes the documents too.
type Redis struct {
	client RedisDoer
	prefix string
	logger *slog.Logger
}

// NewRedis creates a RediSearch-backed index. prefix namespaces every key
// and index name.
func NewRedis(client RedisDoer, prefix string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "sessiond:"
	}
	return &Redis{client: client, prefix: prefix, logger: logger}
}

func (r *Redis) indexName(userID string) string {
	return r.prefix + "idx:" + CollectionName(userID)
}

func (r *Redis) docPrefix(userID string) string {
	return r.prefix + "doc:" + CollectionName(userID) + ":"
}

// Ensure implements Index.
func (r *Redis) Ensure(ctx context.Context, userID string) (string, error) {
	name := r.indexName(userID)
	err := r.client.Do(ctx, "FT.CREATE", name,
		"ON", "HASH", "PREFIX", "1", r.docPrefix(userID),
		"SCHEMA", "content", "TEXT").Err()
	if err != nil && !isIndexExists(err) {
		return "", fmt.Errorf("redis create index %s: %w", name, err)
	}
	return name, nil
}

// Add implements Index.
func (r *Redis) Add(ctx context.Context, userID, docID, text string) error {
	if err := filestore.ValidateName(docID); err != nil {
		return err
	}
	if _, err := r.Ensure(ctx, userID); err != nil {
		return err
	}
	key := r.docPrefix(userID) + docID
	if err := r.client.Do(ctx, "HSET", key, "content", text).Err(); err != nil {
		return fmt.Errorf("redis index %s: %w", key, err)
	}
	return nil
}

// DeleteAll implements Index.
func (r *Redis) DeleteAll(ctx context.Context, userID string) error {
	name := r.indexName(userID)
	err := r.client.Do(ctx, "FT.DROPINDEX", name, "DD").Err()
	if err != nil && isUnknownIndex(err) {
		r.logger.Debug("no search index to delete", "user_id", userID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis drop index %s: %w", name, err)
	}
	r.logger.Info("deleted search index", "user_id", userID, "index", name)
	return nil
}

func isUnknownIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown index name") || strings.Contains(msg, "no such index")
}

func isIndexExists(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "index already exists")
}
