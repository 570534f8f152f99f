// executor.go is the high-level order execution surface the strategy cores
// call. It layers price/size policy on top of the raw REST client:
//
//   - prices are rounded to the market tick and clamped to [tick, 1-tick]
//   - orders below the venue's $1 minimum value are refused with a typed
//     permanent error rather than bounced off the API
//   - taker orders (FAK/FOK) carry the configured taker fee
//   - split/merge/redeem go through the gas-free relayer, with redemption
//     attempts de-duplicated per (condition, outcome) for the process
//     lifetime
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"

	"polyarb/internal/config"
	"polyarb/internal/xerrors"
	"polyarb/pkg/types"
)

// minOrderValueUSD is the venue-wide floor on size*price for a new order.
const minOrderValueUSD = 1.0

// OrderResult is what a strategy core gets back from a place call.
type OrderResult struct {
	OrderID string // as returned by the venue; callers lowercase for lookups
	Status  string
	Price   float64 // the price actually submitted after rounding
	Size    float64 // the size actually submitted
}

// Executor executes orders and bulk CTF operations for one strategy process.
type Executor struct {
	client      *Client
	relayer     *Relayer
	takerFeeBps int
	logger      *slog.Logger

	// attempted de-duplicates redemption submissions per (condition, outcome).
	// Never cleared at runtime; a process restart is the only reset.
	attemptedMu sync.Mutex
	attempted   map[string]struct{}
}

// NewExecutor wires an executor from the shared REST client and relayer.
func NewExecutor(cfg config.Config, client *Client, relayer *Relayer, logger *slog.Logger) *Executor {
	return &Executor{
		client:      client,
		relayer:     relayer,
		takerFeeBps: cfg.API.TakerFeeBps,
		logger:      logger.With("component", "executor"),
		attempted:   make(map[string]struct{}),
	}
}

// BuyGTC posts a good-till-cancelled bid for size shares at the given limit.
func (e *Executor) BuyGTC(ctx context.Context, m types.MarketInfo, tokenID string, size, price float64) (*OrderResult, error) {
	return e.placeLimit(ctx, m, tokenID, types.BUY, types.OrderTypeGTC, size, price, 0, 0)
}

// BuyGTD posts a bid that the venue cancels automatically at expiration.
func (e *Executor) BuyGTD(ctx context.Context, m types.MarketInfo, tokenID string, size, price float64, expiration int64) (*OrderResult, error) {
	return e.placeLimit(ctx, m, tokenID, types.BUY, types.OrderTypeGTD, size, price, expiration, 0)
}

// SellGTC posts a good-till-cancelled ask for size shares at the given limit.
// The caller is responsible for actually holding the shares.
func (e *Executor) SellGTC(ctx context.Context, m types.MarketInfo, tokenID string, size, price float64) (*OrderResult, error) {
	return e.placeLimit(ctx, m, tokenID, types.SELL, types.OrderTypeGTC, size, price, 0, 0)
}

// BuyFAK submits an immediate-or-kill buy of up to amountUSD at maxPrice.
// Whatever does not fill immediately is dropped by the venue.
func (e *Executor) BuyFAK(ctx context.Context, m types.MarketInfo, tokenID string, amountUSD, maxPrice float64) (*OrderResult, error) {
	return e.placeMarketable(ctx, m, tokenID, types.OrderTypeFAK, amountUSD, maxPrice)
}

// BuyFOK submits a fill-or-kill buy of amountUSD at maxPrice: it either fully
// fills immediately or the venue rejects it.
func (e *Executor) BuyFOK(ctx context.Context, m types.MarketInfo, tokenID string, amountUSD, maxPrice float64) (*OrderResult, error) {
	return e.placeMarketable(ctx, m, tokenID, types.OrderTypeFOK, amountUSD, maxPrice)
}

func (e *Executor) placeMarketable(ctx context.Context, m types.MarketInfo, tokenID string, ot types.OrderType, amountUSD, maxPrice float64) (*OrderResult, error) {
	if maxPrice <= 0 {
		return nil, xerrors.New(xerrors.PermanentOrder, "place_order",
			fmt.Errorf("max price %v is not positive", maxPrice))
	}
	size := amountUSD / maxPrice
	// Taker orders carry the configured fee rate in the signed order; the
	// size itself is not adjusted for the fee.
	return e.placeLimit(ctx, m, tokenID, types.BUY, ot, size, maxPrice, 0, e.takerFeeBps)
}

func (e *Executor) placeLimit(ctx context.Context, m types.MarketInfo, tokenID string, side types.Side, ot types.OrderType, size, price float64, expiration int64, feeBps int) (*OrderResult, error) {
	tick := m.TickSize
	if tick == "" {
		tick = types.Tick001
	}
	p := RoundToTick(price, tick)
	p = clampPrice(p, tick)

	if size <= 0 {
		return nil, xerrors.New(xerrors.PermanentOrder, "place_order",
			fmt.Errorf("size %v is not positive", size))
	}
	if size*p < minOrderValueUSD {
		return nil, xerrors.New(xerrors.PermanentOrder, "place_order",
			fmt.Errorf("order value $%.4f below venue minimum $%.2f", size*p, minOrderValueUSD))
	}

	order := types.UserOrder{
		TokenID:    tokenID,
		Price:      p,
		Size:       size,
		Side:       side,
		OrderType:  ot,
		TickSize:   tick,
		Expiration: expiration,
		FeeRateBps: feeBps,
	}

	results, err := e.client.PostOrders(ctx, []types.UserOrder{order}, m.NegRisk)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, xerrors.New(xerrors.Transient, "place_order", fmt.Errorf("empty order response"))
	}
	res := results[0]
	if !res.Success {
		return nil, classifyOrderError(res.ErrorMsg)
	}

	e.logger.Debug("order placed",
		"order_id", res.OrderID, "side", side, "type", ot,
		"token", tokenID, "price", p, "size", size)

	return &OrderResult{OrderID: res.OrderID, Status: res.Status, Price: p, Size: size}, nil
}

// CancelOrders cancels the given order IDs. A duplicate cancel (order already
// gone) is reported as success by the venue and surfaces here as a normal
// response with the ID absent from Canceled.
func (e *Executor) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	return e.client.CancelOrders(ctx, orderIDs)
}

// CancelMarket cancels every open order scoped to one condition ID, or all
// orders everywhere when conditionID is empty.
func (e *Executor) CancelMarket(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	if conditionID == "" {
		return e.client.CancelAll(ctx)
	}
	return e.client.CancelMarketOrders(ctx, conditionID)
}

// OpenOrders fetches resting orders, optionally scoped to one condition ID.
func (e *Executor) OpenOrders(ctx context.Context, conditionID string) ([]types.OpenOrder, error) {
	return e.client.GetOpenOrders(ctx, conditionID)
}

// Split converts amountUSD of USDC into equal shares of every outcome token.
func (e *Executor) Split(ctx context.Context, conditionID string, amountUSD float64, negRisk bool) (*types.RelayerResponse, error) {
	return e.relayer.Split(ctx, types.SplitRequest{
		ConditionID: conditionID,
		AmountUSDC:  usdcUnits(amountUSD),
		NegRisk:     negRisk,
	})
}

// Merge converts shares matched pairs back into USDC at $1 per pair.
func (e *Executor) Merge(ctx context.Context, conditionID string, shares float64, negRisk bool) (*types.RelayerResponse, error) {
	return e.relayer.Merge(ctx, types.MergeRequest{
		ConditionID: conditionID,
		Shares:      usdcUnits(shares),
		NegRisk:     negRisk,
	})
}

// Redeem claims settlement payout for the winning outcome. Attempts are
// de-duplicated per (condition, outcome): a repeat call returns an
// idempotent success without touching the relayer.
func (e *Executor) Redeem(ctx context.Context, conditionID string, outcomeIndex int, negRisk bool, shares float64) (*types.RelayerResponse, error) {
	key := fmt.Sprintf("%s|%d", conditionID, outcomeIndex)

	e.attemptedMu.Lock()
	if _, dup := e.attempted[key]; dup {
		e.attemptedMu.Unlock()
		e.logger.Debug("redeem already attempted", "condition_id", conditionID, "outcome", outcomeIndex)
		return &types.RelayerResponse{Success: true, AlreadyDone: true}, nil
	}
	e.attempted[key] = struct{}{}
	e.attemptedMu.Unlock()

	req := types.RedeemRequest{
		ConditionID:  conditionID,
		OutcomeIndex: outcomeIndex,
		NegRisk:      negRisk,
	}
	if shares > 0 {
		req.Shares = usdcUnits(shares)
	}
	return e.relayer.Redeem(ctx, req)
}

// HasRedeemAttempt reports whether a redemption was already submitted for
// the given (condition, outcome) in this process lifetime.
func (e *Executor) HasRedeemAttempt(conditionID string, outcomeIndex int) bool {
	e.attemptedMu.Lock()
	defer e.attemptedMu.Unlock()
	_, ok := e.attempted[fmt.Sprintf("%s|%d", conditionID, outcomeIndex)]
	return ok
}

// RoundToTick rounds a price to the market's tick grid (nearest).
func RoundToTick(price float64, tick types.TickSize) float64 {
	pow := math.Pow(10, float64(tick.Decimals()))
	return math.Round(price*pow) / pow
}

// clampPrice bounds a price to [tick, 1-tick].
func clampPrice(price float64, tick types.TickSize) float64 {
	step := math.Pow(10, -float64(tick.Decimals()))
	if price < step {
		return step
	}
	if price > 1-step {
		return 1 - step
	}
	return price
}

// usdcUnits converts a dollar (or share) amount to six-decimal fixed point.
func usdcUnits(amount float64) *big.Int {
	return big.NewInt(int64(math.Round(amount * 1e6)))
}

// classifyOrderError maps a venue rejection message onto the error taxonomy.
// Anything unrecognized is treated as permanent: retrying an order the venue
// just refused wins nothing, the strategy will decide again next tick.
func classifyOrderError(msg string) error {
	err := fmt.Errorf("order rejected: %s", msg)
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many"):
		return xerrors.New(xerrors.RateLimited, "place_order", err)
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "unavailable"):
		return xerrors.New(xerrors.Transient, "place_order", err)
	default:
		return xerrors.New(xerrors.PermanentOrder, "place_order", err)
	}
}
