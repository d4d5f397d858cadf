package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/selfscan-checkout/internal/retry"
	"github.com/utafrali/selfscan-checkout/pkg/database"
)

const keyPrefix = "selfscan:saved_carts:"

// SavedCartStore implements retry.Store using Redis. Every project's list is
// stored as one JSON blob.
type SavedCartStore struct {
	client *redis.Client
}

// NewSavedCartStore creates a new Redis-backed saved cart store.
func NewSavedCartStore(client *redis.Client) *SavedCartStore {
	return &SavedCartStore{client: client}
}

// Load returns the saved carts of a project. A missing key is an empty list.
func (s *SavedCartStore) Load(ctx context.Context, projectID string) (carts []retry.SavedCart, err error) {
	key := keyPrefix + projectID
	ctx, end := database.TraceCommand(ctx, "redis", "LoadSavedCarts", "GET "+key)
	defer func() { end(err) }()

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []retry.SavedCart{}, nil
		}
		return nil, fmt.Errorf("redis get saved carts: %w", err)
	}

	if err := json.Unmarshal(data, &carts); err != nil {
		return nil, fmt.Errorf("unmarshal saved carts: %w", err)
	}
	return carts, nil
}

// Save replaces the saved carts of a project. An empty list deletes the key.
func (s *SavedCartStore) Save(ctx context.Context, projectID string, carts []retry.SavedCart) (err error) {
	key := keyPrefix + projectID
	ctx, end := database.TraceCommand(ctx, "redis", "SaveSavedCarts", "SET "+key)
	defer func() { end(err) }()

	if len(carts) == 0 {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("redis del saved carts: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(carts)
	if err != nil {
		return fmt.Errorf("marshal saved carts: %w", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set saved carts: %w", err)
	}
	return nil
}

// Projects returns every project that has saved carts.
func (s *SavedCartStore) Projects(ctx context.Context) ([]string, error) {
	var projects []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		projects = append(projects, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan saved carts: %w", err)
	}
	return projects, nil
}
