// Package engine is the orchestrator shared by the two strategy-core
// processes. It wires the common plumbing — scanner, order-book mirrors, the
// two WebSocket feeds, the executor, risk, and persistence — and runs one
// strategy core per discovered market. Which core (arbitrage or shock-fade)
// is the process's business: each binary injects a CoreFactory, and the two
// never run in the same process or share a ledger.
//
// Event routing is strict: book events mutate the market's Book and then
// notify the core; user-channel trade/order events go to the core's own
// FIFO queue. Nothing on the trade/order path drops under back-pressure —
// the cores queue unboundedly, because a dropped fill is a silently corrupt
// ledger.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"polyarb/internal/api"
	"polyarb/internal/config"
	"polyarb/internal/exchange"
	"polyarb/internal/ledger"
	"polyarb/internal/market"
	"polyarb/internal/risk"
	"polyarb/internal/store"
	"polyarb/pkg/types"
)

// Core is one running strategy instance for one market. Both strategy cores
// satisfy this; event methods enqueue onto the core's internal FIFO and
// never block the dispatcher.
type Core interface {
	Run(ctx context.Context)
	OnPriceUpdate(token string)
	OnTrade(evt types.WSTradeEvent)
	OnOrder(evt types.WSOrderEvent)
	OnOpenOrders(open []types.OpenOrder)
}

// CoreFactory builds the strategy core for a newly discovered market.
type CoreFactory func(info types.MarketInfo, book *market.Book, alloc types.MarketAllocation) Core

// marketSlot represents one actively-traded market.
type marketSlot struct {
	info   types.MarketInfo
	book   *market.Book
	core   Core
	cancel context.CancelFunc
}

// Engine orchestrates all components of one strategy process.
type Engine struct {
	cfg     config.Config
	client  *exchange.Client
	auth    *exchange.Auth
	exec    *exchange.Executor
	mktFeed *exchange.WSFeed
	usrFeed *exchange.WSFeed
	scanner *market.Scanner
	riskMgr *risk.Manager
	store   *store.Store
	led     *ledger.Ledger
	factory CoreFactory
	logger  *slog.Logger

	// slots maps conditionID -> running market. Protected by slotsMu.
	slots   map[string]*marketSlot
	slotsMu sync.RWMutex

	// tokenMap maps tokenID -> conditionID so WS market events (keyed by
	// token) can be routed to the correct slot (keyed by condition).
	tokenMap   map[string]string
	tokenMapMu sync.RWMutex

	// dashboardEvents is an optional channel for the dashboard. Nil when
	// the dashboard is disabled; dashboard delivery is best-effort.
	dashboardEvents chan api.DashboardEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. If L2 API credentials aren't
// configured, it derives them via L1 (EIP-712) auth. The ledger is the
// process's single authoritative position store; the factory decides which
// strategy core runs per market.
func New(cfg config.Config, led *ledger.Ledger, factory CoreFactory, logger *slog.Logger) (*Engine, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, err
	}

	client := exchange.NewClient(cfg, auth, logger)

	if !auth.HasL2Credentials() {
		logger.Info("no L2 credentials, deriving API key via L1...")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, err
		}
		auth.SetCredentials(*creds)
	}

	relayer := exchange.NewRelayer(cfg, auth, exchange.NewRateLimiter(), logger)
	exec := exchange.NewExecutor(cfg, client, relayer, logger)

	mktFeed := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	usrFeed := exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger)
	scanner := market.NewScanner(cfg, logger)
	riskMgr := risk.NewManager(cfg.Risk, logger)

	st, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	var dashEvents chan api.DashboardEvent
	if cfg.Dashboard.Enabled {
		dashEvents = make(chan api.DashboardEvent, 100)
	}

	return &Engine{
		cfg:             cfg,
		client:          client,
		auth:            auth,
		exec:            exec,
		mktFeed:         mktFeed,
		usrFeed:         usrFeed,
		scanner:         scanner,
		riskMgr:         riskMgr,
		store:           st,
		led:             led,
		factory:         factory,
		logger:          logger.With("component", "engine"),
		slots:           make(map[string]*marketSlot),
		tokenMap:        make(map[string]string),
		dashboardEvents: dashEvents,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Executor exposes the execution surface (for core factories and the CLI).
func (e *Engine) Executor() *exchange.Executor { return e.exec }

// Store exposes the persistence layer (for core factory sinks).
func (e *Engine) Store() *store.Store { return e.store }

// Start launches all background goroutines: WS feeds, scanner, risk
// manager, event dispatchers, and the market management loop.
func (e *Engine) Start() error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.mktFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("market feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.usrFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("user feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scanner.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.riskMgr.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchMarketEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchUserEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.manageMarkets()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reportRisk()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reconcileOpenOrders()
	}()

	return nil
}

// reconcileOpenOrders periodically polls the venue's open-order state and
// hands each core the snapshot for its market. Fills that happened during a
// user-feed gap cannot be replayed; this poll is how stale pending orders
// get flushed instead.
func (e *Engine) reconcileOpenOrders() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		e.slotsMu.RLock()
		slots := make(map[string]*marketSlot, len(e.slots))
		for id, s := range e.slots {
			slots[id] = s
		}
		e.slotsMu.RUnlock()

		for id, slot := range slots {
			open, err := e.client.GetOpenOrders(e.ctx, id)
			if err != nil {
				e.logger.Warn("open-order poll failed", "market", id, "error", err)
				continue
			}
			slot.core.OnOpenOrders(open)
		}
	}
}

// reportRisk feeds the risk manager a periodic position report per active
// market, computed from the ledger and the live mid. The manager's kill
// switch and exposure limits key off these.
func (e *Engine) reportRisk() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		e.slotsMu.RLock()
		for id, slot := range e.slots {
			mid, ok := slot.book.MidPrice(slot.info.YesTokenID)
			if !ok {
				continue
			}
			snap := e.led.Snapshot(id)
			upQty, _ := snap.UpQty.Float64()
			downQty, _ := snap.DownQty.Float64()
			hedged, _ := snap.HedgedPairs.Float64()
			pairCost, _ := snap.PairCost.Float64()
			locked, _ := snap.CumulativeProfit.Float64()
			guaranteed, _ := snap.GuaranteedProfit.Float64()

			e.riskMgr.Report(risk.PositionReport{
				MarketID:         id,
				UpQty:            upQty,
				DownQty:          downQty,
				MidPrice:         mid,
				ExposureUSD:      upQty*mid + downQty*(1-mid),
				HedgedPairs:      hedged,
				PairCost:         pairCost,
				GuaranteedProfit: guaranteed,
				LockedPnL:        locked,
				Timestamp:        time.Now(),
			})
		}
		e.slotsMu.RUnlock()
	}
}

// Stop gracefully shuts down: cancels all contexts, sends a cancel-all to
// the exchange as a safety net, persists final positions, waits for
// goroutines, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelCancel()
	if _, err := e.client.CancelAll(cancelCtx); err != nil {
		e.logger.Error("failed to cancel all orders on shutdown", "error", err)
	}

	e.slotsMu.RLock()
	for id, slot := range e.slots {
		e.persistPosition(id, slot.info.YesTokenID, slot.info.NoTokenID)
	}
	e.slotsMu.RUnlock()

	e.wg.Wait()

	e.mktFeed.Close()
	e.usrFeed.Close()
	e.store.Close()

	e.logger.Info("shutdown complete")
}

// persistPosition writes both sides of a market's ledger state. Callers
// already hold slotsMu and pass the slot's token IDs in.
func (e *Engine) persistPosition(conditionID, upToken, downToken string) {
	snap := e.led.Snapshot(conditionID)
	upQty, _ := snap.UpQty.Float64()
	upCost, _ := snap.UpCost.Float64()
	downQty, _ := snap.DownQty.Float64()
	downCost, _ := snap.DownCost.Float64()
	if err := e.store.SavePosition(conditionID, string(types.SideUp), upToken, upQty, upCost); err != nil {
		e.logger.Error("failed to save position", "market", conditionID, "error", err)
	}
	if err := e.store.SavePosition(conditionID, string(types.SideDown), downToken, downQty, downCost); err != nil {
		e.logger.Error("failed to save position", "market", conditionID, "error", err)
	}
}

// manageMarkets is the main engine loop. It reacts to scanner results and
// kill signals from the risk manager.
func (e *Engine) manageMarkets() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case result := <-e.scanner.Results():
			e.reconcileMarkets(result)
		case kill := <-e.riskMgr.KillCh():
			e.handleKillSignal(kill)
		}
	}
}

// reconcileMarkets diffs the desired market set (from scanner) against
// currently running markets. Stops markets no longer desired, starts newly
// discovered ones.
func (e *Engine) reconcileMarkets(result market.ScanResult) {
	desired := make(map[string]types.MarketAllocation)
	for _, alloc := range result.Markets {
		desired[alloc.Market.ConditionID] = alloc
	}

	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	for id := range e.slots {
		if _, ok := desired[id]; !ok {
			e.stopMarketLocked(id)
		}
	}

	for id, alloc := range desired {
		if _, ok := e.slots[id]; !ok {
			e.startMarketLocked(alloc)
		}
	}
}

func (e *Engine) startMarketLocked(alloc types.MarketAllocation) {
	info := alloc.Market
	if info.YesTokenID == "" || info.NoTokenID == "" {
		e.logger.Warn("skipping market with missing token IDs", "slug", info.Slug)
		return
	}

	book := market.NewBook(info.ConditionID, info.YesTokenID, info.NoTokenID)
	core := e.factory(info, book, alloc)

	ctx, cancel := context.WithCancel(e.ctx)
	slot := &marketSlot{
		info:   info,
		book:   book,
		core:   core,
		cancel: cancel,
	}
	e.slots[info.ConditionID] = slot

	e.tokenMapMu.Lock()
	e.tokenMap[info.YesTokenID] = info.ConditionID
	e.tokenMap[info.NoTokenID] = info.ConditionID
	e.tokenMapMu.Unlock()

	e.mktFeed.Subscribe(ctx, []string{info.YesTokenID, info.NoTokenID})
	e.usrFeed.Subscribe(ctx, []string{info.ConditionID})

	// Seed the book from REST before the core starts deciding.
	for _, tokenID := range []string{info.YesTokenID, info.NoTokenID} {
		resp, err := e.client.GetOrderBook(ctx, tokenID)
		if err != nil {
			e.logger.Error("failed to get initial book", "token", tokenID, "error", err)
			continue
		}
		book.ApplyBookResponse(resp)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		core.Run(ctx)
	}()

	e.logger.Info("market started",
		"slug", info.Slug,
		"condition_id", info.ConditionID,
		"score", alloc.Score,
	)
}

func (e *Engine) stopMarketLocked(conditionID string) {
	slot, ok := e.slots[conditionID]
	if !ok {
		return
	}

	// The core's Run cancels its own resting orders on the way out.
	slot.cancel()

	e.persistPosition(conditionID, slot.info.YesTokenID, slot.info.NoTokenID)

	e.mktFeed.Unsubscribe(e.ctx, []string{slot.info.YesTokenID, slot.info.NoTokenID})
	e.usrFeed.Unsubscribe(e.ctx, []string{conditionID})

	e.riskMgr.RemoveMarket(conditionID)

	e.tokenMapMu.Lock()
	delete(e.tokenMap, slot.info.YesTokenID)
	delete(e.tokenMap, slot.info.NoTokenID)
	e.tokenMapMu.Unlock()

	delete(e.slots, conditionID)

	e.logger.Info("market stopped", "slug", slot.info.Slug)
}

func (e *Engine) handleKillSignal(kill risk.KillSignal) {
	e.logger.Error("KILL SIGNAL received",
		"market", kill.MarketID,
		"reason", kill.Reason,
	)

	e.emitDashboardEvent(api.DashboardEvent{
		Type:      "kill",
		Timestamp: time.Now(),
		MarketID:  kill.MarketID,
		Data: api.NewKillEvent(
			kill.Reason,
			kill.Reason,
			time.Now().Add(e.cfg.Risk.CooldownAfterKill),
			kill.MarketID,
		),
	})

	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	if kill.MarketID == "" {
		for id := range e.slots {
			e.stopMarketLocked(id)
		}
		cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := e.client.CancelAll(cancelCtx); err != nil {
			e.logger.Error("failed to cancel all orders", "error", err)
		}
		cancelCancel()
	} else {
		e.stopMarketLocked(kill.MarketID)
	}
}

// dispatchMarketEvents routes WS market events to the correct slot's Book,
// then notifies the core so it can re-evaluate on the fresh price.
func (e *Engine) dispatchMarketEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.mktFeed.BookEvents():
			if slot := e.slotForToken(evt.AssetID); slot != nil {
				slot.book.ApplyBookEvent(evt)
				slot.core.OnPriceUpdate(evt.AssetID)
			}
		case evt := <-e.mktFeed.PriceChangeEvents():
			if len(evt.PriceChanges) == 0 {
				continue
			}
			if slot := e.slotForToken(evt.PriceChanges[0].AssetID); slot != nil {
				slot.book.ApplyPriceChange(evt)
				for _, pc := range evt.PriceChanges {
					slot.core.OnPriceUpdate(pc.AssetID)
				}
			}
		}
	}
}

func (e *Engine) slotForToken(tokenID string) *marketSlot {
	e.tokenMapMu.RLock()
	conditionID, ok := e.tokenMap[tokenID]
	e.tokenMapMu.RUnlock()
	if !ok {
		return nil
	}

	e.slotsMu.RLock()
	slot := e.slots[conditionID]
	e.slotsMu.RUnlock()
	return slot
}

// dispatchUserEvents routes WS user events to the owning core. The core
// enqueues internally and never drops; an event for an unknown market is
// recorded but cannot mutate any ledger.
func (e *Engine) dispatchUserEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case trade := <-e.usrFeed.TradeEvents():
			e.slotsMu.RLock()
			slot, ok := e.slots[trade.Market]
			e.slotsMu.RUnlock()
			if !ok {
				e.logger.Warn("trade event for unknown market", "market", trade.Market, "trade_id", trade.ID)
				continue
			}
			slot.core.OnTrade(trade)
		case order := <-e.usrFeed.OrderEvents():
			e.slotsMu.RLock()
			slot, ok := e.slots[order.Market]
			e.slotsMu.RUnlock()
			if !ok {
				continue
			}
			slot.core.OnOrder(order)
		}
	}
}

// DashboardEvents returns the dashboard event channel (may be nil).
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent {
	return e.dashboardEvents
}

// GetMarketsSnapshot returns current state of all active markets for the
// dashboard.
func (e *Engine) GetMarketsSnapshot() []api.MarketStatus {
	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()

	result := make([]api.MarketStatus, 0, len(e.slots))
	for _, slot := range e.slots {
		mid, _ := slot.book.MidPrice(slot.info.YesTokenID)
		bid := slot.book.BestBid(slot.info.YesTokenID)
		ask := slot.book.BestAsk(slot.info.YesTokenID)

		var spread, spreadBps float64
		if bid > 0 && ask > 0 {
			spread = ask - bid
			if mid > 0 {
				spreadBps = (spread / mid) * 10000
			}
		}

		snap := e.led.Snapshot(slot.info.ConditionID)
		upQty, _ := snap.UpQty.Float64()
		downQty, _ := snap.DownQty.Float64()
		avgUp, _ := snap.AvgUp.Float64()
		avgDown, _ := snap.AvgDown.Float64()
		pairCost, _ := snap.PairCost.Float64()
		hedged, _ := snap.HedgedPairs.Float64()
		guaranteed, _ := snap.GuaranteedProfit.Float64()
		cumulative, _ := snap.CumulativeProfit.Float64()
		imbalance, _ := snap.Imbalance.Float64()

		staleTimeout := e.cfg.Arbitrage.StaleBookTimeout
		if staleTimeout <= 0 {
			staleTimeout = 30 * time.Second
		}

		result = append(result, api.MarketStatus{
			ConditionID: slot.info.ConditionID,
			Slug:        slot.info.Slug,
			Question:    slot.info.Question,
			MidPrice:    mid,
			BestBid:     bid,
			BestAsk:     ask,
			Spread:      spread,
			SpreadBps:   spreadBps,
			LastUpdated: slot.book.LastUpdated(),
			IsStale:     slot.book.IsStale(staleTimeout),
			Position: api.PositionSnapshot{
				UpQty:            upQty,
				DownQty:          downQty,
				AvgUp:            avgUp,
				AvgDown:          avgDown,
				PairCost:         pairCost,
				HedgedPairs:      hedged,
				GuaranteedProfit: guaranteed,
				CumulativeProfit: cumulative,
				Imbalance:        imbalance,
			},
			TickSize:  parseTickSize(slot.info.TickSize),
			EndDate:   slot.info.EndDate,
			Liquidity: slot.info.Liquidity,
			Volume24h: slot.info.Volume24h,
		})
	}

	return result
}

// GetScanner returns the scanner for dashboard access.
func (e *Engine) GetScanner() *market.Scanner {
	return e.scanner
}

// GetRiskManager returns the risk manager for dashboard access.
func (e *Engine) GetRiskManager() *risk.Manager {
	return e.riskMgr
}

// emitDashboardEvent sends an event to the dashboard (non-blocking; the
// dashboard is a spectator and may miss frames under load).
func (e *Engine) emitDashboardEvent(evt api.DashboardEvent) {
	if e.dashboardEvents == nil {
		return
	}

	select {
	case e.dashboardEvents <- evt:
	default:
	}
}

// parseTickSize converts TickSize string to float64
func parseTickSize(ts types.TickSize) float64 {
	switch ts {
	case types.Tick01:
		return 0.1
	case types.Tick001:
		return 0.01
	case types.Tick0001:
		return 0.001
	case types.Tick00001:
		return 0.0001
	default:
		return 0.01
	}
}
