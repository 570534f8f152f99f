// breakers.go implements the shock-fade circuit breakers. Where the kill
// switch in manager.go reacts to price movement and exposure, the breakers
// gate the opening of NEW cycles: once tripped, open cycles run to
// completion but no fresh capital is committed.
package risk

import (
	"log/slog"
	"sync"
)

// Breakers pauses new shock-fade cycles when loss or concurrency limits trip.
type Breakers struct {
	mu sync.Mutex

	maxGames         int
	maxCyclesPerGame int
	consecLossLimit  int
	sessionLossLimit float64 // USD

	consecutiveLosses int
	sessionLoss       float64            // cumulative realized loss, positive number
	cyclesPerGame     map[string]int     // gameID -> CONCURRENT active cycles
	logger            *slog.Logger
}

// NewBreakers creates circuit breakers with the given limits. A zero limit
// disables that breaker.
func NewBreakers(maxGames, maxCyclesPerGame, consecLossLimit int, sessionLossLimit float64, logger *slog.Logger) *Breakers {
	return &Breakers{
		maxGames:         maxGames,
		maxCyclesPerGame: maxCyclesPerGame,
		consecLossLimit:  consecLossLimit,
		sessionLossLimit: sessionLossLimit,
		cyclesPerGame:    make(map[string]int),
		logger:           logger.With("component", "breakers"),
	}
}

// CanOpen reports whether a new cycle may start in the given game, and the
// reason when it may not.
func (b *Breakers) CanOpen(gameID string) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consecLossLimit > 0 && b.consecutiveLosses >= b.consecLossLimit {
		return false, "consecutive loss limit reached"
	}
	if b.sessionLossLimit > 0 && b.sessionLoss >= b.sessionLossLimit {
		return false, "session loss limit reached"
	}
	if b.maxCyclesPerGame > 0 && b.cyclesPerGame[gameID] >= b.maxCyclesPerGame {
		return false, "max concurrent cycles for game"
	}
	if b.maxGames > 0 && b.cyclesPerGame[gameID] == 0 && b.activeGamesLocked() >= b.maxGames {
		return false, "max concurrent games"
	}
	return true, ""
}

func (b *Breakers) activeGamesLocked() int {
	n := 0
	for _, c := range b.cyclesPerGame {
		if c > 0 {
			n++
		}
	}
	return n
}

// CycleOpened registers a newly started cycle in a game.
func (b *Breakers) CycleOpened(gameID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cyclesPerGame[gameID]++
}

// CycleClosed records a finished cycle and its realized PnL. A losing cycle
// increments the consecutive-loss streak and the session loss; a winning
// cycle resets the streak.
func (b *Breakers) CycleClosed(gameID string, pnl float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := b.cyclesPerGame[gameID]; n > 1 {
		b.cyclesPerGame[gameID] = n - 1
	} else {
		delete(b.cyclesPerGame, gameID)
	}

	if pnl < 0 {
		b.consecutiveLosses++
		b.sessionLoss += -pnl
		if b.consecLossLimit > 0 && b.consecutiveLosses >= b.consecLossLimit {
			b.logger.Warn("consecutive loss breaker tripped", "losses", b.consecutiveLosses)
		}
		if b.sessionLossLimit > 0 && b.sessionLoss >= b.sessionLossLimit {
			b.logger.Warn("session loss breaker tripped", "session_loss", b.sessionLoss)
		}
	} else {
		b.consecutiveLosses = 0
	}
}

// ActiveCycles returns the number of active cycles in a game.
func (b *Breakers) ActiveCycles(gameID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cyclesPerGame[gameID]
}

// Snapshot reports the breaker state for dashboards and status output.
func (b *Breakers) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		ConsecutiveLosses: b.consecutiveLosses,
		SessionLossUSD:    b.sessionLoss,
		ActiveGames:       b.activeGamesLocked(),
	}
}

// BreakerSnapshot is a read-only view of breaker state.
type BreakerSnapshot struct {
	ConsecutiveLosses int
	SessionLossUSD    float64
	ActiveGames       int
}
