package moderation

import (
	"context"
	"fmt"

	apperr "github.com/campusfind/chat-service/pkg/errors"
)

// Account standing values, owned by the portal's user service. Anything this
// core cannot resolve defaults to active.
const (
	StandingActive    = "active"
	StandingSuspended = "suspended"
	StandingLocked    = "locked"
)

// BlockReader reports whether blocker has blocked blocked. The gate always
// checks both directions.
type BlockReader interface {
	IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error)
}

// StandingReader resolves a user's account standing.
type StandingReader interface {
	Standing(ctx context.Context, userID string) (string, error)
}

// Gate composes the moderation checks invoked before any room action. It
// holds no mutable state and is safe for concurrent use.
type Gate struct {
	blocks   BlockReader
	standing StandingReader
	filter   *Filter
}

// NewGate creates a Gate over the given read accessors and content filter.
func NewGate(blocks BlockReader, standing StandingReader, filter *Filter) *Gate {
	return &Gate{blocks: blocks, standing: standing, filter: filter}
}

// CheckInteraction denies if either party has blocked the other. A block in
// one direction is sufficient.
func (g *Gate) CheckInteraction(ctx context.Context, actorID, counterpartID string) error {
	if counterpartID == "" || actorID == counterpartID {
		return nil
	}

	blocked, err := g.blocks.IsBlocked(ctx, actorID, counterpartID)
	if err != nil {
		return fmt.Errorf("moderation: block check: %w", err)
	}
	if !blocked {
		blocked, err = g.blocks.IsBlocked(ctx, counterpartID, actorID)
		if err != nil {
			return fmt.Errorf("moderation: block check: %w", err)
		}
	}
	if blocked {
		return apperr.Blocked("interaction blocked between users")
	}
	return nil
}

// CheckContent validates message content and returns the trimmed text on
// success.
func (g *Gate) CheckContent(text string) (string, error) {
	result := g.filter.Check(text)
	if result.Blocked {
		return "", apperr.InvalidContent(result.Reason)
	}
	return result.Clean, nil
}

// CheckStanding denies for suspended (403-equivalent) and locked
// (423-equivalent) accounts with distinct error codes so the caller can
// report them differently.
func (g *Gate) CheckStanding(ctx context.Context, userID string) error {
	standing, err := g.standing.Standing(ctx, userID)
	if err != nil {
		return fmt.Errorf("moderation: standing check: %w", err)
	}

	switch standing {
	case StandingSuspended:
		return apperr.Suspended("account suspended")
	case StandingLocked:
		return apperr.Locked("account locked")
	default:
		return nil
	}
}
