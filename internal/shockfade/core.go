// Package shockfade implements the sports mean-reversion strategy core.
//
// The playbook per market: pre-split USDC into both outcome tokens (so every
// later exit is a fee-free sell), watch the mid for a z-score shock, ask the
// league feed what happened, and — only when exactly one scoring event
// explains the move — sell the spiked token back through a laddered stack of
// GTC offers. A follow-up score by the same team kills the thesis and the
// position is exited through the complement token instead, before the
// adverse momentum fully prices in. Leftover pairs merge back to USDC when
// the cycle closes.
//
// Like the arbitrage core, this is a single-goroutine event loop over one
// FIFO queue. Network work that would stall the loop (burst-poll
// classification, event monitoring, fade timers) runs on helper goroutines
// that push their results back in as events.
package shockfade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/internal/config"
	"polyarb/internal/exchange"
	"polyarb/internal/leagueapi"
	"polyarb/internal/ledger"
	"polyarb/internal/orders"
	"polyarb/internal/pipeline"
	"polyarb/internal/risk"
	"polyarb/pkg/types"
)

// BookView is what the core reads from the order-book mirror.
type BookView interface {
	BestBid(token string) float64
	BestAsk(token string) float64
	MidPrice(token string) (float64, bool)
	IsStale(maxAge time.Duration) bool
}

// Executor is the slice of the execution surface this core drives.
type Executor interface {
	SellGTC(ctx context.Context, m types.MarketInfo, tokenID string, size, price float64) (*exchange.OrderResult, error)
	CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error)
	CancelMarket(ctx context.Context, conditionID string) (*types.CancelResponse, error)
	Split(ctx context.Context, conditionID string, amountUSD float64, negRisk bool) (*types.RelayerResponse, error)
	Merge(ctx context.Context, conditionID string, shares float64, negRisk bool) (*types.RelayerResponse, error)
	Redeem(ctx context.Context, conditionID string, outcomeIndex int, negRisk bool, shares float64) (*types.RelayerResponse, error)
}

// ShockClassifier renders a verdict on one shock (see leagueapi.Classifier).
type ShockClassifier interface {
	Classify(ctx context.Context, gameID string, shockAt time.Time, cutoff time.Duration) (leagueapi.Classification, error)
}

type phase int

const (
	phaseIdle       phase = iota // no capital committed
	phaseArmed                   // pre-split done, watching for shocks
	phaseClassifying             // burst poll in flight
	phaseLaddered                // ladder resting, monitoring events
	phaseExiting                 // adverse exit via complement sell
	phaseMerging                 // cycle over, merging pairs back to USDC
)

type eventKind int

const (
	evPrice eventKind = iota
	evTrade
	evOrder
	evTick
	evClassified
	evGameEvent
	evFadeTimeout
	evReconcile
)

type coreEvent struct {
	kind      eventKind
	token     string
	trade     types.WSTradeEvent
	order     types.WSOrderEvent
	shock     *Shock
	verdict   leagueapi.Classification
	gameEvent leagueapi.GameEvent
	cycleID   string
	open      []types.OpenOrder
}

// Core runs the shock-fade strategy for one sports market.
type Core struct {
	cfg        config.ShockFadeConfig
	pendingCfg *config.ShockFadeConfig // applied at next cycle open (SIGHUP reload)
	info       types.MarketInfo
	book       BookView
	led        *ledger.Ledger
	exec       Executor
	classifier ShockClassifier
	feed       leagueapi.Feed
	breakers   *risk.Breakers
	track      *orders.Tracker
	queue      *pipeline.Queue[coreEvent]
	detector   *Detector
	logger     *slog.Logger

	phase       phase
	cycle       *activeCycle
	cycleSeq    int
	tick        float64

	// Sinks for persistence; called from the core goroutine.
	FillSink  func(orders.Fill)
	CycleSink func(types.Cycle)
}

// activeCycle is the in-flight cycle's runtime state.
type activeCycle struct {
	c              types.Cycle
	shockTeam      string // team whose score caused the spike
	spikedToken    string
	profitAtOpen   decimal.Decimal
	fadeCancel     context.CancelFunc // stops the monitor + timer goroutines
	outcomeOnClose types.CycleOutcome
}

// NewCore creates a shock-fade core for one market.
func NewCore(cfg config.ShockFadeConfig, info types.MarketInfo, book BookView, led *ledger.Ledger, exec Executor, classifier ShockClassifier, feed leagueapi.Feed, breakers *risk.Breakers, logger *slog.Logger) *Core {
	tickStep := 0.01
	if d := info.TickSize.Decimals(); d > 0 {
		tickStep = 1
		for i := 0; i < d; i++ {
			tickStep /= 10
		}
	}
	return &Core{
		cfg:        cfg,
		info:       info,
		book:       book,
		led:        led,
		exec:       exec,
		classifier: classifier,
		feed:       feed,
		breakers:   breakers,
		track:      orders.NewTracker(),
		queue:      pipeline.NewQueue[coreEvent](),
		detector: NewDetector(
			time.Duration(cfg.WindowMs)*time.Millisecond,
			cfg.ZThreshold, cfg.AbsThresholdCents,
			cfg.PriceFloor, cfg.PriceCeiling,
			time.Duration(cfg.CooldownMs)*time.Millisecond,
		),
		logger: logger.With("component", "shockfade-core", "market", info.Slug),
		tick:   tickStep,
	}
}

// OnPriceUpdate enqueues a book change for one of the market's tokens.
func (c *Core) OnPriceUpdate(token string) {
	c.queue.Push(coreEvent{kind: evPrice, token: token})
}

// OnTrade enqueues a user-channel trade event.
func (c *Core) OnTrade(evt types.WSTradeEvent) {
	c.queue.Push(coreEvent{kind: evTrade, trade: evt})
}

// OnOrder enqueues a user-channel order lifecycle event.
func (c *Core) OnOrder(evt types.WSOrderEvent) {
	c.queue.Push(coreEvent{kind: evOrder, order: evt})
}

// OnOpenOrders enqueues a REST snapshot of the venue's open orders for gap
// reconciliation after user-feed disconnects.
func (c *Core) OnOpenOrders(open []types.OpenOrder) {
	c.queue.Push(coreEvent{kind: evReconcile, open: open})
}

// UpdateConfig stages a config reload. The new parameters apply to the NEXT
// cycle; the open cycle keeps the parameters it was entered with.
func (c *Core) UpdateConfig(cfg config.ShockFadeConfig) {
	copied := cfg
	c.pendingCfg = &copied
}

// Tracker exposes the pending-order map.
func (c *Core) Tracker() *orders.Tracker { return c.track }

// Run drains the event queue until ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.queue.Close()
				return
			case <-ticker.C:
				c.queue.Push(coreEvent{kind: evTick})
			}
		}
	}()

	c.logger.Info("shockfade core started", "condition_id", c.info.ConditionID, "game", c.info.GameID)

	for {
		evt, ok := c.queue.Pop()
		if !ok {
			break
		}
		c.handle(ctx, evt)
	}

	if c.cycle != nil && c.cycle.fadeCancel != nil {
		c.cycle.fadeCancel()
	}
	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.exec.CancelMarket(cancelCtx, c.info.ConditionID); err != nil {
		c.logger.Error("teardown cancel failed", "error", err)
	}
	c.logger.Info("shockfade core stopped")
}

func (c *Core) handle(ctx context.Context, evt coreEvent) {
	switch evt.kind {
	case evPrice:
		c.onPrice(ctx, evt.token)
	case evTrade:
		c.onTrade(ctx, evt.trade)
	case evOrder:
		c.track.ApplyOrderEvent(evt.order)
	case evTick:
		c.onTick(ctx)
	case evClassified:
		c.onClassified(ctx, evt.shock, evt.verdict)
	case evGameEvent:
		c.onGameEvent(ctx, evt.gameEvent)
	case evFadeTimeout:
		c.onFadeTimeout(evt.cycleID)
	case evReconcile:
		for _, p := range c.track.Reconcile(evt.open) {
			c.logger.Warn("order vanished during feed gap", "order_id", p.ID, "role", p.Role)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Pre-split and shock detection
// ————————————————————————————————————————————————————————————————————————

func (c *Core) onTick(ctx context.Context) {
	switch c.phase {
	case phaseIdle:
		c.tryPresplit(ctx)
	case phaseArmed, phaseLaddered, phaseExiting:
		c.checkGameDecided(ctx)
	case phaseMerging:
		c.tryMerge(ctx)
	}
}

func (c *Core) tryPresplit(ctx context.Context) {
	if ok, reason := c.breakers.CanOpen(c.info.GameID); !ok {
		c.logger.Debug("cycle blocked", "reason", reason)
		return
	}
	if c.pendingCfg != nil {
		c.cfg = *c.pendingCfg
		c.pendingCfg = nil
		c.logger.Info("reloaded config applied to new cycle")
	}

	amount := c.cfg.PresplitUSD
	resp, err := c.exec.Split(ctx, c.info.ConditionID, amount, c.info.NegRisk)
	if err != nil {
		c.logger.Warn("presplit failed", "error", err)
		return
	}

	// $C of USDC becomes C shares of each side; book each side at half the
	// pair cost.
	shares := decimal.NewFromFloat(amount)
	half := decimal.NewFromFloat(0.5)
	c.led.ApplyFill(c.info.ConditionID, types.SideUp, shares, half)
	c.led.ApplyFill(c.info.ConditionID, types.SideDown, shares, half)

	c.cycleSeq++
	snap := c.led.Snapshot(c.info.ConditionID)
	c.cycle = &activeCycle{
		c: types.Cycle{
			ID:           fmt.Sprintf("%s-c%d", c.info.ConditionID, c.cycleSeq),
			ConditionID:  c.info.ConditionID,
			GameID:       c.info.GameID,
			PresplitUSDC: amount,
			SplitTxHash:  resp.TxHash,
			CreatedAt:    time.Now(),
		},
		profitAtOpen: snap.CumulativeProfit,
	}
	c.breakers.CycleOpened(c.info.GameID)
	c.phase = phaseArmed
	c.saveCycle()

	c.logger.Info("presplit complete", "cycle", c.cycle.c.ID, "amount_usd", amount, "tx", resp.TxHash)
}

func (c *Core) onPrice(ctx context.Context, token string) {
	mid, ok := c.book.MidPrice(token)
	if !ok {
		return
	}
	shock := c.detector.Observe(token, mid, time.Now())
	if shock == nil || c.phase != phaseArmed {
		return
	}
	// Only fade upward spikes: the edge is selling the token the market
	// just overpaid for.
	if shock.Delta <= 0 {
		return
	}

	c.phase = phaseClassifying
	c.logger.Info("shock detected",
		"token", token, "mid", shock.Mid, "delta", shock.Delta, "z", shock.Z)

	cutoff := time.Duration(c.cfg.BurstCutoffMs) * time.Millisecond
	gameID := c.info.GameID
	sh := *shock
	go func() {
		verdict, err := c.classifier.Classify(ctx, gameID, sh.At, cutoff)
		if err != nil {
			c.logger.Warn("classification failed", "error", err)
		}
		c.queue.Push(coreEvent{kind: evClassified, shock: &sh, verdict: verdict})
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Ladder placement and event-driven exit
// ————————————————————————————————————————————————————————————————————————

func (c *Core) onClassified(ctx context.Context, shock *Shock, verdict leagueapi.Classification) {
	if c.phase != phaseClassifying || c.cycle == nil {
		return
	}
	if verdict.Kind != types.ClassSingleEvent {
		c.logger.Info("shock not traded", "classification", verdict.Kind)
		c.phase = phaseArmed
		return
	}

	cyc := c.cycle
	cyc.spikedToken = shock.TokenID
	cyc.shockTeam = verdict.Event.Team
	cyc.c.ShockedSide = c.sideForToken(shock.TokenID)
	cyc.c.EntryPrice = shock.Mid

	levels := PlanLadder(shock.Mid, c.cfg.LadderLevels, c.cfg.LadderSpacingCents,
		c.cfg.PresplitUSD, c.tick, c.cfg.PriceCeiling)
	placed := 0
	for _, lvl := range levels {
		res, err := c.exec.SellGTC(ctx, c.info, shock.TokenID, lvl.Size, lvl.Price)
		if err != nil {
			c.logger.Warn("ladder place failed", "price", lvl.Price, "error", err)
			continue
		}
		c.track.Add(orders.Pending{
			ID: res.OrderID, TokenID: shock.TokenID, Side: types.SELL,
			Role: types.RoleLadder, Price: res.Price, Size: res.Size,
		})
		cyc.c.LadderOrderIDs = append(cyc.c.LadderOrderIDs, res.OrderID)
		placed++
	}
	if placed == 0 {
		c.logger.Warn("no ladder orders placed, cycle disarmed")
		c.phase = phaseArmed
		return
	}

	c.phase = phaseLaddered
	c.saveCycle()
	c.logger.Info("ladder placed",
		"cycle", cyc.c.ID, "token", shock.TokenID, "levels", placed,
		"entry", shock.Mid, "cause_team", cyc.shockTeam)

	c.startFadeWatch(ctx, cyc, shock.At)
}

// startFadeWatch spawns the fade timer and the event monitor for the open
// cycle. Both push back into the queue; both die with the cycle.
func (c *Core) startFadeWatch(ctx context.Context, cyc *activeCycle, shockAt time.Time) {
	watchCtx, cancel := context.WithCancel(ctx)
	cyc.fadeCancel = cancel
	cycleID := cyc.c.ID

	fadeWindow := c.cfg.FadeWindow
	if fadeWindow <= 0 {
		fadeWindow = 10 * time.Minute
	}
	go func() {
		select {
		case <-watchCtx.Done():
		case <-time.After(fadeWindow):
			c.queue.Push(coreEvent{kind: evFadeTimeout, cycleID: cycleID})
		}
	}()

	go func() {
		ticker := time.NewTicker(4 * time.Second)
		defer ticker.Stop()
		since := shockAt
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				events, err := c.feed.RecentEvents(watchCtx, c.info.GameID, since)
				if err != nil {
					continue
				}
				for _, e := range events {
					if e.At.After(shockAt) {
						c.queue.Push(coreEvent{kind: evGameEvent, gameEvent: e})
					}
				}
			}
		}
	}()
}

func (c *Core) onGameEvent(ctx context.Context, e leagueapi.GameEvent) {
	if c.phase != phaseLaddered || c.cycle == nil {
		return
	}
	cyc := c.cycle

	if e.Team != cyc.shockTeam {
		// Favorable: the opposite team scored, mean reversion strengthens.
		// The ladder stays.
		c.logger.Info("favorable event, holding ladder", "team", e.Team)
		return
	}

	// Adverse: the same team scored again. Cancel the ladder and exit
	// through the COMPLEMENT token — its price is about to fall, and the
	// ~3s wire delay on the sports feed means the venue has already started
	// moving. Selling the complement at bid+1tick gets out ahead of the
	// rest of the repricing.
	c.logger.Warn("adverse event, exiting cycle", "team", e.Team)
	c.cancelLadder(ctx)

	complement := c.complementToken(cyc.spikedToken)
	side := c.sideForToken(complement)
	snap := c.led.Snapshot(c.info.ConditionID)
	qty := snap.DownQty
	if side == types.SideUp {
		qty = snap.UpQty
	}
	qf, _ := qty.Float64()
	bid := c.book.BestBid(complement)
	if qf > 0 && bid > 0 {
		price := bid + c.tick
		res, err := c.exec.SellGTC(ctx, c.info, complement, qf, price)
		if err != nil {
			c.logger.Error("complement exit failed", "error", err)
		} else {
			c.track.Add(orders.Pending{
				ID: res.OrderID, TokenID: complement, Side: types.SELL,
				Role: types.RoleFinalHedge, Price: res.Price, Size: res.Size,
			})
		}
	}

	cyc.outcomeOnClose = types.CycleLost
	c.phase = phaseExiting
}

func (c *Core) onFadeTimeout(cycleID string) {
	if c.cycle == nil || c.cycle.c.ID != cycleID || c.phase != phaseLaddered {
		return
	}
	// No further event inside the fade window: hold the remaining ladder
	// until resolution. The cycle is only closed by fills or settlement.
	c.logger.Info("fade window elapsed, holding to resolution", "cycle", cycleID)
	c.cycle.outcomeOnClose = types.CycleHeld
}

// ————————————————————————————————————————————————————————————————————————
// Fills, settlement, merge
// ————————————————————————————————————————————————————————————————————————

func (c *Core) onTrade(ctx context.Context, evt types.WSTradeEvent) {
	fills := c.track.ApplyTrade(evt)
	for _, f := range fills {
		if f.Side != types.SELL {
			continue // this core only ever sells
		}
		side := c.sideForToken(f.TokenID)
		realized, err := c.led.ApplySell(c.info.ConditionID,
			side, decimal.NewFromFloat(f.Size), decimal.NewFromFloat(f.Price))
		if err != nil {
			c.logger.Error("sell fill exceeds holdings, skipped", "order_id", f.OrderID, "error", err)
			continue
		}
		if c.FillSink != nil {
			c.FillSink(f)
		}
		c.logger.Info("fill", "role", f.Role, "token", f.TokenID,
			"size", f.Size, "price", f.Price, "realized", realized)
	}

	if len(fills) == 0 || c.cycle == nil {
		return
	}

	switch c.phase {
	case phaseLaddered:
		// Ladder fully consumed: the fade played out.
		if len(c.track.Open(types.RoleLadder)) == 0 {
			c.cycle.outcomeOnClose = types.CycleWon
			c.beginClose(ctx)
		}
	case phaseExiting:
		// Complement exit done once nothing rests.
		if c.track.Len() == 0 {
			c.beginClose(ctx)
		}
	}
}

func (c *Core) checkGameDecided(ctx context.Context) {
	upBid := c.book.BestBid(c.info.YesTokenID)
	downBid := c.book.BestBid(c.info.NoTokenID)

	var winToken string
	var winIndex int
	switch {
	case upBid >= 0.98:
		winToken, winIndex = c.info.YesTokenID, 0
	case downBid >= 0.98:
		winToken, winIndex = c.info.NoTokenID, 1
	default:
		return
	}
	if c.cycle == nil {
		return
	}

	c.logger.Info("game decided", "winning_token", winToken)
	c.cancelLadder(ctx)

	snap := c.led.Snapshot(c.info.ConditionID)
	winSide := c.sideForToken(winToken)
	winQty := snap.DownQty
	if winSide == types.SideUp {
		winQty = snap.UpQty
	}
	wf, _ := winQty.Float64()
	if wf > 0 {
		if _, err := c.exec.Redeem(ctx, c.info.ConditionID, winIndex, c.info.NegRisk, wf); err != nil {
			c.logger.Error("redeem failed", "error", err)
		} else {
			c.led.RecordRedeem(c.info.ConditionID, winSide, winQty, winQty) // $1 per share
		}
	}
	// The losing side is worthless; write it off.
	loseSide := types.SideUp
	if winSide == types.SideUp {
		loseSide = types.SideDown
	}
	loseQty := snap.UpQty
	if loseSide == types.SideDown {
		loseQty = snap.DownQty
	}
	if loseQty.IsPositive() {
		c.led.RecordRedeem(c.info.ConditionID, loseSide, loseQty, decimal.Zero)
	}

	if c.cycle.outcomeOnClose == "" {
		c.cycle.outcomeOnClose = types.CycleHeld
	}
	c.beginClose(ctx)
}

// beginClose stops the fade watchers and moves to merging leftovers.
func (c *Core) beginClose(ctx context.Context) {
	if c.cycle != nil && c.cycle.fadeCancel != nil {
		c.cycle.fadeCancel()
		c.cycle.fadeCancel = nil
	}
	c.phase = phaseMerging
	c.tryMerge(ctx)
}

// tryMerge merges remaining pairs back to USDC, honoring the per-market
// cooldown between relayer attempts. No ledger deduction happens until the
// merge actually succeeds; a failure just queues the shares for the next
// attempt.
func (c *Core) tryMerge(ctx context.Context) {
	if c.cycle == nil {
		c.phase = phaseIdle
		return
	}
	snap := c.led.Snapshot(c.info.ConditionID)
	pairs := snap.HedgedPairs

	if pairs.IsPositive() {
		cooldown := c.cfg.MergeCooldown
		if cooldown <= 0 {
			cooldown = 5 * time.Minute
		}
		if time.Since(c.led.LastMergeAttempt(c.info.ConditionID)) < cooldown {
			return
		}
		pf, _ := pairs.Float64()
		c.led.NoteMergeAttempt(c.info.ConditionID, time.Now())
		resp, err := c.exec.Merge(ctx, c.info.ConditionID, pf, c.info.NegRisk)
		if err != nil {
			c.logger.Warn("merge failed, retrying after cooldown", "error", err)
			return
		}
		if err := c.led.RecordMerge(c.info.ConditionID, pairs); err != nil {
			c.logger.Error("merge bookkeeping failed", "error", err)
			return
		}
		c.cycle.c.MergeTxHash = resp.TxHash
	}

	c.finalizeCycle()
}

func (c *Core) finalizeCycle() {
	cyc := c.cycle
	snap := c.led.Snapshot(c.info.ConditionID)
	pnl, _ := snap.CumulativeProfit.Sub(cyc.profitAtOpen).Float64()

	outcome := cyc.outcomeOnClose
	if outcome == "" {
		outcome = types.CycleCancelled
	}
	cyc.c.Outcome = outcome
	cyc.c.ClosedAt = time.Now()
	c.saveCycle()

	c.breakers.CycleClosed(c.info.GameID, pnl)
	c.logger.Info("cycle closed", "cycle", cyc.c.ID, "outcome", outcome, "pnl", pnl)

	c.cycle = nil
	c.phase = phaseIdle
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func (c *Core) cancelLadder(ctx context.Context) {
	ids := c.track.OpenIDs(types.RoleLadder)
	if len(ids) == 0 {
		return
	}
	resp, err := c.exec.CancelOrders(ctx, ids)
	if err != nil {
		c.logger.Warn("ladder cancel failed", "error", err)
		return
	}
	for _, id := range resp.Canceled {
		c.track.Remove(id)
	}
}

func (c *Core) sideForToken(token string) types.OutcomeSide {
	if token == c.info.YesTokenID {
		return types.SideUp
	}
	return types.SideDown
}

func (c *Core) complementToken(token string) string {
	if token == c.info.YesTokenID {
		return c.info.NoTokenID
	}
	return c.info.YesTokenID
}

func (c *Core) saveCycle() {
	if c.CycleSink != nil && c.cycle != nil {
		c.CycleSink(c.cycle.c)
	}
}
