package moderation

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

const (
	// BlockPrefix keys a Redis set of user ids blocked by the key's owner:
	//
	//	Key:     blocks:<user_id>
	//	Members: blocked user ids
	BlockPrefix = "blocks:"

	// StandingPrefix keys a plain string value holding the account standing:
	//
	//	Key:   standing:<user_id>
	//	Value: active | suspended | locked
	StandingPrefix = "standing:"
)

// Store reads block relations and account standing from Redis. The portal's
// user service owns this data in Postgres and mirrors it into Redis so the
// chat hot path never touches the relational store. A missing key means no
// blocks / active standing.
type Store struct {
	client *redis.Client
}

// NewStore creates a Store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBlocked reports whether blockerID has blocked blockedID.
func (s *Store) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	blocked, err := s.client.SIsMember(ctx, BlockPrefix+blockerID, blockedID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return blocked, nil
}

// Standing returns the account standing for userID. Users the cache does not
// know about are treated as active.
func (s *Store) Standing(ctx context.Context, userID string) (string, error) {
	standing, err := s.client.Get(ctx, StandingPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return StandingActive, nil
	}
	if err != nil {
		return "", err
	}
	return standing, nil
}
