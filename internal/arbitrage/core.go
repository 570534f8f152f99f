// Package arbitrage implements the 15-minute Up/Down strategy core: a mode-
// arbitrated state machine that accumulates matched Up+Down share pairs at a
// combined cost below $1.00, so the $1.00 settlement payout locks guaranteed
// profit.
//
// The core is a single-goroutine event loop fed by one FIFO queue. Feeds
// push price updates and user-channel trade/order events; a heartbeat ticks
// the clock-driven exits. Mode transitions are not commutative — a fill
// processed before a price update can produce a different decision than the
// reverse — so events are drained strictly in arrival order and nothing else
// ever touches the ledger, tracker, or mode state.
package arbitrage

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"polyarb/internal/config"
	"polyarb/internal/exchange"
	"polyarb/internal/ledger"
	"polyarb/internal/orders"
	"polyarb/internal/pipeline"
	"polyarb/pkg/types"
)

// BookView is what the core reads from the order-book mirror.
type BookView interface {
	BestBid(token string) float64
	BestAsk(token string) float64
	MidPrice(token string) (float64, bool)
	IsStale(maxAge time.Duration) bool
}

// Executor is the slice of the order-execution surface the core drives.
type Executor interface {
	BuyGTC(ctx context.Context, m types.MarketInfo, tokenID string, size, price float64) (*exchange.OrderResult, error)
	BuyFAK(ctx context.Context, m types.MarketInfo, tokenID string, amountUSD, maxPrice float64) (*exchange.OrderResult, error)
	CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error)
	CancelMarket(ctx context.Context, conditionID string) (*types.CancelResponse, error)
	Merge(ctx context.Context, conditionID string, shares float64, negRisk bool) (*types.RelayerResponse, error)
}

type eventKind int

const (
	evPrice eventKind = iota
	evTrade
	evOrder
	evTick
	evReconcile
)

type coreEvent struct {
	kind  eventKind
	token string
	trade types.WSTradeEvent
	order types.WSOrderEvent
	open  []types.OpenOrder
}

// Core runs the arbitrage strategy for one market.
type Core struct {
	cfg    config.ArbitrageConfig
	info   types.MarketInfo
	book   BookView
	led    *ledger.Ledger
	exec   Executor
	track  *orders.Tracker
	queue  *pipeline.Queue[coreEvent]
	vol    *VolWindow
	logger *slog.Logger

	mode            Mode
	run             *balanceRun
	improvementOpen bool
	lastLockedPnL   decimal.Decimal
	startedAt       time.Time
	aumUSD          float64
	stopped         bool // market-exit fired, no new orders

	// FillSink and BaselineSink, when set, receive normalized fills and
	// saved baselines for persistence. Both are called from the core
	// goroutine and must not block for long.
	FillSink     func(orders.Fill)
	BaselineSink func(types.Baseline)

	mergeCooldown time.Duration
}

// NewCore creates an arbitrage core for one market. aumUSD is the capital
// allocation this market may work with.
func NewCore(cfg config.ArbitrageConfig, info types.MarketInfo, book BookView, led *ledger.Ledger, exec Executor, aumUSD float64, logger *slog.Logger) *Core {
	volWindow := cfg.VolWindow
	if volWindow <= 0 {
		volWindow = 60
	}
	return &Core{
		cfg:           cfg,
		info:          info,
		book:          book,
		led:           led,
		exec:          exec,
		track:         orders.NewTracker(),
		queue:         pipeline.NewQueue[coreEvent](),
		vol:           NewVolWindow(volWindow),
		logger:        logger.With("component", "arb-core", "market", info.Slug),
		aumUSD:        aumUSD,
		startedAt:     time.Now(),
		mergeCooldown: 5 * time.Minute,
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

// Tracker exposes the pending-order map for dashboards and tests.
func (c *Core) Tracker() *orders.Tracker { return c.track }

// Mode returns the current operating mode.
func (c *Core) Mode() Mode { return c.mode }

// Run drains the event queue until ctx is cancelled, then cancels all
// resting orders for the market. A heartbeat keeps clock-driven exits and
// mode arbitration live through quiet stretches of tape.
func (c *Core) Run(ctx context.Context) {
	interval := c.cfg.RefreshInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
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

	c.logger.Info("arbitrage core started", "condition_id", c.info.ConditionID)

	for {
		evt, ok := c.queue.Pop()
		if !ok {
			break
		}
		c.handle(ctx, evt)
	}

	// Teardown: pull every resting order for this market.
	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.exec.CancelMarket(cancelCtx, c.info.ConditionID); err != nil {
		c.logger.Error("teardown cancel failed", "error", err)
	}
	c.logger.Info("arbitrage core stopped")
}

func (c *Core) handle(ctx context.Context, evt coreEvent) {
	switch evt.kind {
	case evPrice:
		if mid, ok := c.book.MidPrice(c.info.YesTokenID); ok {
			c.vol.Observe(mid, time.Now())
		}
	case evTrade:
		c.handleTrade(ctx, evt.trade)
	case evOrder:
		if removed, terminal := c.track.ApplyOrderEvent(evt.order); terminal {
			c.logger.Debug("order terminal", "order_id", removed.ID, "role", removed.Role, "status", evt.order.Status)
		}
		return // no re-evaluation needed on pure lifecycle events
	case evReconcile:
		for _, p := range c.track.Reconcile(evt.open) {
			c.logger.Warn("order vanished during feed gap", "order_id", p.ID, "role", p.Role)
		}
	case evTick:
	}
	c.evaluate(ctx)
}

func (c *Core) handleTrade(ctx context.Context, evt types.WSTradeEvent) {
	fills := c.track.ApplyTrade(evt)
	for _, f := range fills {
		side := c.sideForToken(f.TokenID)
		size := decimal.NewFromFloat(f.Size)
		price := decimal.NewFromFloat(f.Price)

		if f.Side == types.BUY {
			c.led.ApplyFill(c.info.ConditionID, side, size, price)
		} else {
			if _, err := c.led.ApplySell(c.info.ConditionID, side, size, price); err != nil {
				// Invariant violation: log and skip, never force the ledger.
				c.logger.Error("sell fill exceeds holdings, skipped", "order_id", f.OrderID, "error", err)
				continue
			}
		}
		if c.FillSink != nil {
			c.FillSink(f)
		}

		c.logger.Info("fill",
			"role", f.Role, "side", f.Side, "token", f.TokenID,
			"size", f.Size, "price", f.Price)

		switch f.Role {
		case types.RoleTrigger:
			c.onTriggerFill(ctx, size, price)
		case types.RoleLock:
			c.tryProfitLockMerge(ctx)
		}
	}
}

func (c *Core) sideForToken(token string) types.OutcomeSide {
	if token == c.info.YesTokenID {
		return types.SideUp
	}
	return types.SideDown
}

func (c *Core) tokenForSide(side types.OutcomeSide) string {
	if side == types.SideUp {
		return c.info.YesTokenID
	}
	return c.info.NoTokenID
}

// evaluate is the per-tick decision pass: check market exits, arbitrate the
// mode, and let the active mode manage its orders.
func (c *Core) evaluate(ctx context.Context) {
	if c.stopped {
		return
	}
	if c.checkMarketExit(ctx) {
		return
	}
	if c.cfg.StaleBookTimeout > 0 && c.book.IsStale(c.cfg.StaleBookTimeout) {
		return // last-known prices are not fresh enough to act on
	}

	snap := c.led.Snapshot(c.info.ConditionID)
	upAsk := c.book.BestAsk(c.info.YesTokenID)
	downAsk := c.book.BestAsk(c.info.NoTokenID)

	var baseline *types.Baseline
	if b, ok := c.led.Baseline(c.info.ConditionID); ok {
		baseline = &b
	}

	target := decimal.NewFromFloat(c.cfg.PairCostTarget)
	newMode := decideMode(modeInputs{
		snap:            snap,
		upAsk:           upAsk,
		downAsk:         downAsk,
		baseline:        baseline,
		lastLockedPnL:   c.lastLockedPnL,
		improvementOpen: c.improvementOpen,
		target:          target,
	})

	// Balancing runs to its own exit; arbitration may not preempt it except
	// for a profit lock, which strictly dominates.
	if c.mode == ModeBalancing && newMode != ModeProfitLock {
		c.manageBalancing(ctx, snap, upAsk, downAsk)
		return
	}

	if newMode != c.mode {
		c.transition(ctx, newMode, snap, upAsk, downAsk, target)
		return
	}

	switch c.mode {
	case ModeNormal:
		c.manageNormal(ctx, snap)
	case ModePairImprovement:
		c.managePairImprovement(ctx, snap)
	case ModeProfitLock:
		c.tryProfitLockMerge(ctx)
	}
}

func (c *Core) transition(ctx context.Context, to Mode, snap ledger.Snapshot, upAsk, downAsk float64, target decimal.Decimal) {
	from := c.mode
	switch to {
	case ModeBalancing:
		if !c.enterBalancing(ctx, snap, upAsk, downAsk, target) {
			return
		}
	case ModeProfitLock:
		c.enterProfitLock(ctx, snap, upAsk, downAsk)
	case ModePairImprovement, ModeNormal:
		c.cancelRole(ctx, "")
	}
	c.mode = to
	c.logger.Info("mode transition", "from", from.String(), "to", to.String(),
		"up_qty", snap.UpQty, "down_qty", snap.DownQty, "pair_cost", snap.PairCost)
}

// ————————————————————————————————————————————————————————————————————————
// BALANCING
// ————————————————————————————————————————————————————————————————————————

func (c *Core) enterBalancing(ctx context.Context, snap ledger.Snapshot, upAsk, downAsk float64, target decimal.Decimal) bool {
	triggerAsk, hedgeAsk := upAsk, downAsk
	if snap.UpQty.GreaterThan(snap.DownQty) {
		triggerAsk, hedgeAsk = downAsk, upAsk
	}

	plan, err := PlanBalancing(snap, decimal.NewFromFloat(triggerAsk), decimal.NewFromFloat(hedgeAsk), target)
	if err != nil {
		// Unbalanceable: hop straight to pair improvement.
		c.logger.Warn("balancing plan aborted", "reason", err)
		c.improvementOpen = true
		c.mode = ModePairImprovement
		return false
	}
	if plan.TotalTriggerSize.LessThanOrEqual(decimal.Zero) {
		return false
	}

	c.run = newBalanceRun(plan)
	c.cancelRole(ctx, types.RoleAccumulation)

	c.logger.Info("balancing entered",
		"trigger_side", plan.TriggerSide, "deficit", plan.Deficit,
		"dilution_x", plan.DilutionX, "total_trigger", plan.TotalTriggerSize,
		"total_hedge", plan.TotalHedgeSize, "hedge_price", plan.HedgePrice)

	c.placeTriggers(ctx)
	return true
}

// placeTriggers lays (or re-lays) the tiered trigger set at the current
// deficit-side bid.
func (c *Core) placeTriggers(ctx context.Context) {
	if c.run == nil {
		return
	}
	plan := c.run.plan
	token := c.tokenForSide(plan.TriggerSide)
	bid := c.book.BestBid(token)
	if bid <= 0 {
		return
	}

	remaining, _ := plan.TotalTriggerSize.Sub(c.run.triggerFilled).Float64()
	if remaining <= 0 {
		return
	}
	coreSize := c.currentCoreSize(bid)

	for _, tier := range TriggerTiers(bid, coreSize, remaining) {
		if tier.Price <= 0 || tier.Size <= 0 || tier.Size*tier.Price < 1 {
			continue
		}
		res, err := c.exec.BuyGTC(ctx, c.info, token, tier.Size, tier.Price)
		if err != nil {
			// A failed place is not a placed order; the next tick decides again.
			c.logger.Warn("trigger place failed", "price", tier.Price, "error", err)
			continue
		}
		c.track.Add(orders.Pending{
			ID: res.OrderID, TokenID: token, Side: types.BUY,
			Role: types.RoleTrigger, Price: res.Price, Size: res.Size,
		})
	}
	c.run.chaseBid = bid
}

func (c *Core) onTriggerFill(ctx context.Context, size, price decimal.Decimal) {
	if c.run == nil {
		return
	}
	hedgeShares, hedgePrice := c.run.onTriggerFill(size, price)

	snap := c.led.Snapshot(c.info.ConditionID)
	c.applyFreezeFromSnap(snap)

	if hedgeShares.LessThanOrEqual(decimal.Zero) {
		return
	}
	hp, _ := hedgePrice.Float64()
	hs, _ := hedgeShares.Float64()
	if hp <= 0 || hs*hp < 1 {
		return
	}

	token := c.tokenForSide(c.run.plan.HedgeSide)
	res, err := c.exec.BuyGTC(ctx, c.info, token, hs, hp)
	if err != nil {
		c.logger.Warn("hedge place failed", "price", hp, "size", hs, "error", err)
		return
	}
	c.track.Add(orders.Pending{
		ID: res.OrderID, TokenID: token, Side: types.BUY,
		Role: types.RoleHedge, Price: res.Price, Size: res.Size,
	})
	c.run.noteHedgeOrdered(decimal.NewFromFloat(res.Size))
}

func (c *Core) applyFreezeFromSnap(snap ledger.Snapshot) {
	if c.run == nil {
		return
	}
	triggerQty, hedgeQty := snap.UpQty, snap.DownQty
	if c.run.plan.TriggerSide == types.SideDown {
		triggerQty, hedgeQty = snap.DownQty, snap.UpQty
	}
	c.run.applyFreeze(triggerQty, hedgeQty)
}

func (c *Core) manageBalancing(ctx context.Context, snap ledger.Snapshot, upAsk, downAsk float64) {
	if c.run == nil {
		c.mode = ModeNormal
		return
	}
	plan := c.run.plan

	triggerAsk := upAsk
	hedgeAsk := downAsk
	if plan.TriggerSide == types.SideDown {
		triggerAsk, hedgeAsk = downAsk, upAsk
	}

	// Exit checks first.
	one := decimal.NewFromInt(1)
	if snap.Imbalance.IsZero() && snap.PairCost.LessThan(one) {
		c.exitBalancing(ctx, snap, ModeNormal, "balanced under target")
		return
	}
	if triggerAsk > 0 && triggerAsk <= 0.50 {
		c.improvementOpen = true
		c.exitBalancing(ctx, snap, ModePairImprovement, "trigger ask collapsed")
		return
	}

	c.applyFreezeFromSnap(snap)

	if c.run.triggersComplete() {
		c.placeFinalHedge(ctx, snap, hedgeAsk)
		return
	}

	// Chase only upward bid breakouts; on downward moves resting triggers
	// stay for passive fills at better prices.
	token := c.tokenForSide(plan.TriggerSide)
	if bid := c.book.BestBid(token); bid > c.run.chaseBid {
		c.cancelRole(ctx, types.RoleTrigger)
		c.placeTriggers(ctx)
	}
}

func (c *Core) placeFinalHedge(ctx context.Context, snap ledger.Snapshot, hedgeAsk float64) {
	if len(c.track.Open(types.RoleFinalHedge)) > 0 {
		return // one at a time
	}
	plan := c.run.plan

	triggerQty, hedgeQty := snap.UpQty, snap.DownQty
	if plan.TriggerSide == types.SideDown {
		triggerQty, hedgeQty = snap.DownQty, snap.UpQty
	}
	pendingQty := decimal.NewFromFloat(c.track.PendingSize(types.RoleHedge))
	pendingCost := decimal.NewFromFloat(c.track.PendingCost(types.RoleHedge))

	size, price, ok := FinalHedge(triggerQty, hedgeQty, pendingQty, snap.TotalCost, pendingCost, decimal.NewFromFloat(hedgeAsk))
	if !ok {
		return
	}
	sf, _ := size.Float64()
	pf, _ := price.Float64()
	if pf <= 0 || sf*pf < 1 {
		return
	}

	token := c.tokenForSide(plan.HedgeSide)
	res, err := c.exec.BuyGTC(ctx, c.info, token, sf, pf)
	if err != nil {
		c.logger.Warn("final hedge place failed", "error", err)
		return
	}
	c.track.Add(orders.Pending{
		ID: res.OrderID, TokenID: token, Side: types.BUY,
		Role: types.RoleFinalHedge, Price: res.Price, Size: res.Size,
	})
}

func (c *Core) exitBalancing(ctx context.Context, snap ledger.Snapshot, to Mode, reason string) {
	imb, _ := snap.Imbalance.Float64()
	up, _ := snap.UpQty.Float64()
	down, _ := snap.DownQty.Float64()
	b := types.Baseline{
		MarketID:        c.info.ConditionID,
		ImbalanceShares: imb,
		UpQty:           up,
		DownQty:         down,
		SavedAt:         time.Now(),
	}
	c.led.SetBaseline(c.info.ConditionID, b)
	if c.BaselineSink != nil {
		c.BaselineSink(b)
	}

	for _, role := range []types.OrderRole{types.RoleTrigger, types.RoleHedge, types.RoleFinalHedge} {
		c.cancelRole(ctx, role)
	}
	c.run = nil
	c.mode = to
	c.logger.Info("balancing exited", "to", to.String(), "reason", reason, "pair_cost", snap.PairCost)
}

// ————————————————————————————————————————————————————————————————————————
// NORMAL
// ————————————————————————————————————————————————————————————————————————

func (c *Core) currentCoreSize(price float64) float64 {
	lockCount := c.led.Snapshot(c.info.ConditionID).ProfitLockCount
	targetTrades := c.cfg.TargetTrades
	if targetTrades <= 0 {
		targetTrades = 25
	}
	return coreOrderSize(c.aumUSD, c.cfg.BudgetPct, targetTrades, price,
		time.Since(c.startedAt), lockCount, 1.0)
}

func (c *Core) manageNormal(ctx context.Context, snap ledger.Snapshot) {
	sigma := c.vol.Sigma()
	fracRemaining := c.fractionRemaining()

	params := normalParams{
		gamma:           c.cfg.RiskAversionGamma,
		levelsPerSide:   c.levelsPerSide(),
		levelGrowth:     c.levelGrowth(),
		maxLevelUSD:     c.cfg.MaxLevelSizeUSD,
		minOrderValue:   1.0,
		pairCostCeiling: 0.99,
	}

	up, _ := snap.UpQty.Float64()
	down, _ := snap.DownQty.Float64()
	avgUp, _ := snap.AvgUp.Float64()
	avgDown, _ := snap.AvgDown.Float64()

	type sidePlan struct {
		side     types.OutcomeSide
		levels   []bidLevel
	}
	var plans []sidePlan
	for _, s := range []struct {
		side               types.OutcomeSide
		qty, other         float64
		avgSide, avgOther  float64
	}{
		{types.SideUp, up, down, avgUp, avgDown},
		{types.SideDown, down, up, avgDown, avgUp},
	} {
		token := c.tokenForSide(s.side)
		bid := c.book.BestBid(token)
		if bid <= 0 {
			continue
		}
		r := reservationPrice(bid, s.qty, s.other, params.gamma, sigma, fracRemaining)
		core := c.currentCoreSize(bid)
		plans = append(plans, sidePlan{
			side:   s.side,
			levels: planNormalLevels(params, r, s.avgSide, s.avgOther, core),
		})
	}

	// Reconcile: keep resting accumulation orders whose price still appears
	// in the plan, cancel the rest, place what's missing.
	open := c.track.Open(types.RoleAccumulation)
	keep := make(map[string]bool)
	var toCancel []string
	for _, p := range open {
		matched := false
		for _, sp := range plans {
			if c.tokenForSide(sp.side) != p.TokenID {
				continue
			}
			for _, lvl := range sp.levels {
				if lvl.price == p.Price {
					matched = true
					keep[p.TokenID+"|"+formatCents(lvl.price)] = true
					break
				}
			}
		}
		if !matched {
			toCancel = append(toCancel, p.ID)
		}
	}
	if len(toCancel) > 0 {
		if resp, err := c.exec.CancelOrders(ctx, toCancel); err == nil {
			for _, id := range resp.Canceled {
				c.track.Remove(id)
			}
		}
	}

	for _, sp := range plans {
		token := c.tokenForSide(sp.side)
		for _, lvl := range sp.levels {
			if keep[token+"|"+formatCents(lvl.price)] {
				continue
			}
			res, err := c.exec.BuyGTC(ctx, c.info, token, lvl.size, lvl.price)
			if err != nil {
				c.logger.Debug("accumulation place failed", "price", lvl.price, "error", err)
				continue
			}
			c.track.Add(orders.Pending{
				ID: res.OrderID, TokenID: token, Side: types.BUY,
				Role: types.RoleAccumulation, Price: res.Price, Size: res.Size,
			})
		}
	}
}

func (c *Core) fractionRemaining() float64 {
	if c.info.EndDate.IsZero() {
		return 1
	}
	total := c.info.EndDate.Sub(c.startedAt)
	if total <= 0 {
		return 0
	}
	rem := time.Until(c.info.EndDate)
	if rem < 0 {
		return 0
	}
	f := float64(rem) / float64(total)
	if f > 1 {
		f = 1
	}
	return f
}

func (c *Core) levelsPerSide() int {
	if c.cfg.MaxLevelsPerSide > 0 {
		return c.cfg.MaxLevelsPerSide
	}
	return 3
}

func (c *Core) levelGrowth() float64 {
	if c.cfg.LevelSizeGrowth > 0 {
		return c.cfg.LevelSizeGrowth
	}
	return 1.1
}

// ————————————————————————————————————————————————————————————————————————
// PAIR_IMPROVEMENT
// ————————————————————————————————————————————————————————————————————————

// managePairImprovement rests bilateral bids two cents under each side's
// realized average, sized up 1.3x per cent of discount, until the blended
// pair cost drops back under $1.
func (c *Core) managePairImprovement(ctx context.Context, snap ledger.Snapshot) {
	if snap.PairCost.LessThan(decimal.NewFromInt(1)) {
		c.improvementOpen = false
		c.cancelRole(ctx, types.RoleAccumulation)
		c.mode = ModeNormal
		c.logger.Info("pair improvement complete", "pair_cost", snap.PairCost)
		return
	}

	if len(c.track.Open(types.RoleAccumulation)) > 0 {
		return // bids already working
	}

	for _, s := range []struct {
		side types.OutcomeSide
		avg  decimal.Decimal
	}{
		{types.SideUp, snap.AvgUp},
		{types.SideDown, snap.AvgDown},
	} {
		avg, _ := s.avg.Float64()
		if avg <= 0.03 {
			continue
		}
		price := roundCents(avg - 0.02)
		token := c.tokenForSide(s.side)
		core := c.currentCoreSize(price)
		size := core * 1.3 * 1.3 // two cents below average
		if price <= 0 || size*price < 1 {
			continue
		}
		res, err := c.exec.BuyGTC(ctx, c.info, token, size, price)
		if err != nil {
			c.logger.Debug("improvement place failed", "side", s.side, "error", err)
			continue
		}
		c.track.Add(orders.Pending{
			ID: res.OrderID, TokenID: token, Side: types.BUY,
			Role: types.RoleAccumulation, Price: res.Price, Size: res.Size,
		})
	}
}

// ————————————————————————————————————————————————————————————————————————
// PROFIT_LOCK
// ————————————————————————————————————————————————————————————————————————

func (c *Core) enterProfitLock(ctx context.Context, snap ledger.Snapshot, upAsk, downAsk float64) {
	c.cancelRole(ctx, "")

	deficitSide := types.SideUp
	deficitAsk := upAsk
	if snap.UpQty.GreaterThan(snap.DownQty) {
		deficitSide = types.SideDown
		deficitAsk = downAsk
	}
	imb, _ := snap.Imbalance.Float64()
	if imb <= 0 || deficitAsk <= 0 {
		return
	}

	maxPrice := deficitAsk + 0.01
	token := c.tokenForSide(deficitSide)
	res, err := c.exec.BuyFAK(ctx, c.info, token, imb*maxPrice, maxPrice)
	if err != nil {
		c.logger.Warn("profit lock FAK failed", "error", err)
		return
	}
	c.track.Add(orders.Pending{
		ID: res.OrderID, TokenID: token, Side: types.BUY,
		Role: types.RoleLock, Price: res.Price, Size: res.Size,
	})
}

// tryProfitLockMerge merges min(up, down) pairs once the lock fill lands,
// then resets baselines and bumps the lock counter that decays core size.
func (c *Core) tryProfitLockMerge(ctx context.Context) {
	snap := c.led.Snapshot(c.info.ConditionID)
	pairs := snap.HedgedPairs
	if pairs.LessThanOrEqual(decimal.Zero) {
		return
	}
	if since := time.Since(c.led.LastMergeAttempt(c.info.ConditionID)); since < c.mergeCooldown {
		return // queued for the next attempt; ledger untouched until success
	}

	pf, _ := pairs.Float64()
	c.led.NoteMergeAttempt(c.info.ConditionID, time.Now())
	resp, err := c.exec.Merge(ctx, c.info.ConditionID, pf, c.info.NegRisk)
	if err != nil {
		c.logger.Warn("merge failed, will retry after cooldown", "error", err)
		return
	}
	if !resp.Success {
		c.logger.Warn("merge unsuccessful", "status", resp.Status)
		return
	}

	locked := snap.GuaranteedProfit
	if err := c.led.RecordMerge(c.info.ConditionID, pairs); err != nil {
		c.logger.Error("merge bookkeeping failed", "error", err)
		return
	}
	c.led.SetBaseline(c.info.ConditionID, types.Baseline{MarketID: c.info.ConditionID, SavedAt: time.Now()})
	count := c.led.IncrementProfitLockCount(c.info.ConditionID)
	c.lastLockedPnL = locked
	c.mode = ModeNormal

	c.logger.Info("profit locked", "pairs", pf, "locked_pnl", locked, "lock_count", count, "tx", resp.TxHash)
}

// ————————————————————————————————————————————————————————————————————————
// Market exit + helpers
// ————————————————————————————————————————————————————————————————————————

func (c *Core) checkMarketExit(ctx context.Context) bool {
	snap := c.led.Snapshot(c.info.ConditionID)
	upBid := c.book.BestBid(c.info.YesTokenID)
	downBid := c.book.BestBid(c.info.NoTokenID)
	profitable := snap.GuaranteedProfit.IsPositive()

	reason := ""
	switch {
	case marketDecided(upBid, downBid):
		reason = "market decided"
	case c.cfg.StopMinute > 0 && time.Since(c.startedAt) >= time.Duration(c.cfg.StopMinute)*time.Minute && profitable:
		reason = "stop minute reached while profitable"
	case c.cfg.MaxCapitalPct > 0 && c.aumUSD > 0 && profitable &&
		snap.TotalCost.GreaterThanOrEqual(decimal.NewFromFloat(c.aumUSD*c.cfg.MaxCapitalPct)):
		reason = "capital cap reached while profitable"
	}
	if reason == "" {
		return false
	}

	c.stopped = true
	c.cancelRole(ctx, "")
	c.logger.Info("market exit", "reason", reason,
		"guaranteed_profit", snap.GuaranteedProfit, "pair_cost", snap.PairCost)
	return true
}

// cancelRole cancels tracked orders with the given role (all roles when
// empty) and prunes confirmed cancels from the tracker.
func (c *Core) cancelRole(ctx context.Context, role types.OrderRole) {
	ids := c.track.OpenIDs(role)
	if len(ids) == 0 {
		return
	}
	resp, err := c.exec.CancelOrders(ctx, ids)
	if err != nil {
		c.logger.Warn("cancel failed", "role", role, "error", err)
		return
	}
	for _, id := range resp.Canceled {
		c.track.Remove(id)
	}
}

func formatCents(price float64) string {
	return strconv.FormatFloat(roundCents(price), 'f', 2, 64)
}
