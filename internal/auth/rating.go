package auth

import (
	"context"

	"github.com/yourname/matchmaker-engine/pkg/types"
)

// RatingSource looks up the skill rating used when a player joins the pool.
type RatingSource interface {
	Rating(ctx context.Context, id types.PlayerID) (int, error)
}

// StaticRating gives every player the same rating.
type StaticRating int

func (s StaticRating) Rating(context.Context, types.PlayerID) (int, error) { return int(s), nil }
