// classifier.go correlates a detected price shock with live game events.
// On shock the classifier burst-polls the game's feed for a bounded window,
// then renders a verdict:
//
//   - single_event: exactly one scoring event explains the move — tradeable
//   - multi_event:  several events landed together; attribution is unclear
//   - noise:        no correlated event; the move is flow, not information
//   - pre_shock:    the price moved before the event became visible, the
//     signature of stadium-feed informed traders — by the time the event is
//     public the edge is gone
package leagueapi

import (
	"context"
	"log/slog"
	"time"

	"polyarb/pkg/types"
)

const (
	// eventLookback is how far before the shock an event still counts as
	// its cause.
	eventLookback = 120 * time.Second

	// preShockGrace absorbs ordinary feed wire delay: an event surfacing
	// within this window after the shock is still treated as having caused
	// it. Anything later means the price led the event.
	preShockGrace = 5 * time.Second
)

// Classification is the classifier's verdict on one shock.
type Classification struct {
	Kind  types.ShockClassification
	Event *GameEvent // the cause, set only for single_event and pre_shock
}

// Classifier burst-polls one feed to attribute shocks to game events.
type Classifier struct {
	feed    Feed
	pollGap time.Duration
	logger  *slog.Logger
}

// NewClassifier creates a classifier over the given feed. pollGap should be
// at least the feed's polite gap; it is the spacing of burst polls.
func NewClassifier(feed Feed, pollGap time.Duration, logger *slog.Logger) *Classifier {
	if pollGap <= 0 {
		pollGap = 2 * time.Second
	}
	return &Classifier{feed: feed, pollGap: pollGap, logger: logger.With("component", "league-api")}
}

// Classify polls the feed for up to cutoff, collecting scoring events in the
// lookback window around shockAt, and classifies the shock. The full cutoff
// is always spent: returning at the first event would misread a multi-event
// burst as a clean single cause.
func (c *Classifier) Classify(ctx context.Context, gameID string, shockAt time.Time, cutoff time.Duration) (Classification, error) {
	deadline := time.Now().Add(cutoff)
	since := shockAt.Add(-eventLookback)

	events := make(map[string]GameEvent)
	var lastErr error

	for {
		found, err := c.feed.RecentEvents(ctx, gameID, since)
		if err != nil {
			// Feed hiccups mid-burst are tolerated; a verdict from partial
			// polls beats aborting the cycle.
			lastErr = err
			c.logger.Warn("burst poll failed", "game", gameID, "error", err)
		}
		for _, e := range found {
			events[e.ID] = e
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return Classification{Kind: types.ClassNoise}, ctx.Err()
		case <-time.After(c.pollGap):
		}
	}

	if len(events) == 0 {
		if lastErr != nil {
			return Classification{Kind: types.ClassNoise}, lastErr
		}
		return Classification{Kind: types.ClassNoise}, nil
	}
	if len(events) > 1 {
		return Classification{Kind: types.ClassMultiEvent}, nil
	}

	var only GameEvent
	for _, e := range events {
		only = e
	}
	if only.At.After(shockAt.Add(preShockGrace)) {
		return Classification{Kind: types.ClassPreShock, Event: &only}, nil
	}
	return Classification{Kind: types.ClassSingleEvent, Event: &only}, nil
}

// FeedFor returns the right feed client for a league, with ESPN as the
// fallback for leagues without a dedicated free endpoint.
func FeedFor(league League, politeGap time.Duration) Feed {
	switch league {
	case LeagueNHL:
		return NewNHLClient(politeGap)
	case LeagueNBA:
		return NewNBAClient(politeGap)
	case LeagueMLB:
		return NewMLBClient(politeGap)
	case LeagueNFL:
		return NewESPNClient("football", "nfl", politeGap)
	case LeagueSoccer:
		return NewESPNClient("soccer", "eng.1", politeGap)
	default:
		return NewESPNClient("football", "nfl", politeGap)
	}
}
