// polyctl is the operator CLI for the trading processes: credential
// bootstrap, balance/position reporting, open-order inspection, and bulk
// cleanup (merge / sell / redeem / emergency-stop). It talks to the same
// exchange, relayer, and SQLite store as the bots but never runs strategy
// logic. Exit code 0 on success, non-zero on error.
//
// Usage:
//
//	polyctl init
//	polyctl aum
//	polyctl status
//	polyctl openorders [--market <condition_id>]
//	polyctl merge  --market <condition_id> [--neg-risk]
//	polyctl sell   --market <condition_id> --token <token_id> --size N --price P
//	polyctl redeem --market <condition_id> --outcome <index> [--neg-risk]
//	polyctl emergency-stop --market {<condition_id>|all} [--dry-run] [--force]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"polyarb/internal/config"
	"polyarb/internal/exchange"
	"polyarb/internal/store"
	"polyarb/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tool, err := newTool(ctx, *cfg, logger)
	if err != nil {
		fatal("%v", err)
	}
	defer tool.close()

	switch os.Args[1] {
	case "init":
		err = tool.cmdInit(ctx)
	case "aum":
		err = tool.cmdAUM(ctx)
	case "status":
		err = tool.cmdStatus()
	case "openorders":
		err = tool.cmdOpenOrders(ctx, os.Args[2:])
	case "merge":
		err = tool.cmdMerge(ctx, os.Args[2:])
	case "sell":
		err = tool.cmdSell(ctx, os.Args[2:])
	case "redeem":
		err = tool.cmdRedeem(ctx, os.Args[2:])
	case "emergency-stop":
		err = tool.cmdEmergencyStop(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal("%v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: polyctl {init|aum|status|openorders|merge|sell|redeem|emergency-stop} [flags]")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "polyctl: "+format+"\n", args...)
	os.Exit(1)
}

type tool struct {
	cfg    config.Config
	client *exchange.Client
	exec   *exchange.Executor
	store  *store.Store
}

func newTool(ctx context.Context, cfg config.Config, logger *slog.Logger) (*tool, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	client := exchange.NewClient(cfg, auth, logger)
	if !auth.HasL2Credentials() {
		creds, err := client.DeriveAPIKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("derive api key: %w", err)
		}
		auth.SetCredentials(*creds)
	}
	relayer := exchange.NewRelayer(cfg, auth, exchange.NewRateLimiter(), logger)
	exec := exchange.NewExecutor(cfg, client, relayer, logger)

	st, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &tool{cfg: cfg, client: client, exec: exec, store: st}, nil
}

func (t *tool) close() {
	t.store.Close()
}

// cmdInit bootstraps credentials: derives the L2 API key triplet from the
// wallet's L1 signature so the strategy processes can start with a warm
// credential cache.
func (t *tool) cmdInit(ctx context.Context) error {
	creds, err := t.client.DeriveAPIKey(ctx)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	fmt.Printf("api key derived: %s\n", creds.ApiKey)
	fmt.Println("set POLY_API_KEY / POLY_API_SECRET / POLY_PASSPHRASE to skip derivation on startup")
	return nil
}

// cmdAUM reports the position breakdown from the persisted store plus open
// order exposure.
func (t *tool) cmdAUM(ctx context.Context) error {
	rows, err := t.store.LoadPositions()
	if err != nil {
		return err
	}

	var totalCost float64
	fmt.Println("positions:")
	for _, r := range rows {
		if r.Qty == 0 {
			continue
		}
		fmt.Printf("  %-66s %-5s qty=%10.2f cost=$%9.2f avg=%.4f\n",
			r.MarketID, r.Side, r.Qty, r.Cost, r.Cost/r.Qty)
		totalCost += r.Cost
	}
	fmt.Printf("total invested: $%.2f\n", totalCost)

	open, err := t.exec.OpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	fmt.Printf("open orders: %d\n", len(open))
	return nil
}

// cmdStatus prints persisted positions, baselines, and open cycles.
func (t *tool) cmdStatus() error {
	rows, err := t.store.LoadPositions()
	if err != nil {
		return err
	}
	markets := make(map[string]bool)
	for _, r := range rows {
		markets[r.MarketID] = true
	}
	fmt.Printf("markets with persisted positions: %d\n", len(markets))
	for m := range markets {
		if b, ok, err := t.store.LoadBaseline(m); err == nil && ok {
			fmt.Printf("  %s baseline: imbalance=%.0f up=%.0f down=%.0f at %s\n",
				m, b.ImbalanceShares, b.UpQty, b.DownQty, b.SavedAt.Format(time.RFC3339))
		}
	}

	cycles, err := t.store.LoadOpenCycles()
	if err != nil {
		return err
	}
	fmt.Printf("open cycles: %d\n", len(cycles))
	for _, c := range cycles {
		fmt.Printf("  %s game=%s presplit=$%.2f side=%s\n", c.ID, c.GameID, c.PresplitUSDC, c.ShockedSide)
	}
	return nil
}

func (t *tool) cmdOpenOrders(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("openorders", flag.ExitOnError)
	marketID := fs.String("market", "", "condition ID to scope to")
	fs.Parse(args)

	open, err := t.exec.OpenOrders(ctx, *marketID)
	if err != nil {
		return err
	}
	for _, o := range open {
		fmt.Printf("%s  %-4s %s @ %s  size=%s matched=%s  market=%s\n",
			o.ID, o.Side, o.AssetID, o.Price, o.OriginalSize, o.SizeMatched, o.Market)
	}
	fmt.Printf("%d open orders\n", len(open))
	return nil
}

func (t *tool) cmdMerge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	marketID := fs.String("market", "", "condition ID (required)")
	negRisk := fs.Bool("neg-risk", false, "market uses the neg-risk adapter")
	fs.Parse(args)
	if *marketID == "" {
		return fmt.Errorf("merge: --market is required")
	}

	pairs, err := t.mergeablePairs(*marketID)
	if err != nil {
		return err
	}
	if pairs <= 0 {
		fmt.Println("no mergeable pairs")
		return nil
	}

	resp, err := t.exec.Merge(ctx, *marketID, pairs, *negRisk)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	fmt.Printf("merged %.2f pairs, recovered ~$%.2f (tx %s)\n", pairs, pairs, resp.TxHash)
	return nil
}

func (t *tool) cmdSell(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sell", flag.ExitOnError)
	marketID := fs.String("market", "", "condition ID (required)")
	tokenID := fs.String("token", "", "token ID to sell (required)")
	size := fs.Float64("size", 0, "shares to sell")
	price := fs.Float64("price", 0, "limit price")
	fs.Parse(args)
	if *marketID == "" || *tokenID == "" || *size <= 0 || *price <= 0 {
		return fmt.Errorf("sell: --market, --token, --size and --price are required")
	}

	info := types.MarketInfo{ConditionID: *marketID, TickSize: types.Tick001}
	res, err := t.exec.SellGTC(ctx, info, *tokenID, *size, *price)
	if err != nil {
		return fmt.Errorf("sell: %w", err)
	}
	fmt.Printf("sell placed: %s %.2f @ %.4f\n", res.OrderID, res.Size, res.Price)
	return nil
}

func (t *tool) cmdRedeem(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("redeem", flag.ExitOnError)
	marketID := fs.String("market", "", "condition ID (required)")
	outcome := fs.Int("outcome", 0, "winning outcome index")
	negRisk := fs.Bool("neg-risk", false, "market uses the neg-risk adapter")
	fs.Parse(args)
	if *marketID == "" {
		return fmt.Errorf("redeem: --market is required")
	}

	resp, err := t.exec.Redeem(ctx, *marketID, *outcome, *negRisk, 0)
	if err != nil {
		return fmt.Errorf("redeem: %w", err)
	}
	if err := t.store.MarkRedemptionAttempt(*marketID, *outcome); err != nil {
		return err
	}
	if resp.AlreadyDone {
		fmt.Println("already redeemed")
	} else {
		fmt.Printf("redeemed (tx %s)\n", resp.TxHash)
	}
	return nil
}

// cmdEmergencyStop halts trading in a market (or everywhere): cancel all
// open orders, merge min(up, down) pairs back to USDC, and sell whatever
// imbalance remains, reporting recovered capital. The strategy process
// should be SIGTERMed first; this tool only cleans up the book and chain
// state.
func (t *tool) cmdEmergencyStop(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("emergency-stop", flag.ExitOnError)
	marketFlag := fs.String("market", "", "condition ID or 'all' (required)")
	dryRun := fs.Bool("dry-run", false, "report what would be done without doing it")
	force := fs.Bool("force", false, "skip the confirmation prompt")
	fs.Parse(args)
	if *marketFlag == "" {
		return fmt.Errorf("emergency-stop: --market is required")
	}

	if !*force && !*dryRun {
		fmt.Printf("about to cancel orders and liquidate %q — type 'yes' to continue: ", *marketFlag)
		var confirm string
		fmt.Scanln(&confirm)
		if confirm != "yes" {
			return fmt.Errorf("aborted")
		}
	}

	rows, err := t.store.LoadPositions()
	if err != nil {
		return err
	}
	targets := make(map[string][2]store.PositionRow) // market -> [up, down]
	for _, r := range rows {
		if *marketFlag != "all" && r.MarketID != *marketFlag {
			continue
		}
		pair := targets[r.MarketID]
		if r.Side == string(types.SideUp) {
			pair[0] = r
		} else {
			pair[1] = r
		}
		targets[r.MarketID] = pair
	}
	if len(targets) == 0 {
		fmt.Println("no positions to recover")
		return nil
	}

	var recovered float64
	for marketID, pair := range targets {
		up, down := pair[0], pair[1]
		pairs := up.Qty
		if down.Qty < pairs {
			pairs = down.Qty
		}

		fmt.Printf("%s: up=%.2f down=%.2f mergeable=%.2f\n", marketID, up.Qty, down.Qty, pairs)
		if *dryRun {
			recovered += pairs
			continue
		}

		if _, err := t.exec.CancelMarket(ctx, marketID); err != nil {
			fmt.Fprintf(os.Stderr, "  cancel failed: %v\n", err)
		}

		if pairs > 0 {
			if _, err := t.exec.Merge(ctx, marketID, pairs, false); err != nil {
				fmt.Fprintf(os.Stderr, "  merge failed: %v\n", err)
			} else {
				recovered += pairs
				fmt.Printf("  merged %.2f pairs -> $%.2f\n", pairs, pairs)
			}
		}

		// Sell the leftover imbalance at the current bid.
		for _, side := range []store.PositionRow{up, down} {
			remainder := side.Qty - pairs
			if remainder <= 0 || side.TokenID == "" {
				continue
			}
			book, err := t.client.GetOrderBook(ctx, side.TokenID)
			if err != nil || len(book.Bids) == 0 {
				fmt.Fprintf(os.Stderr, "  no bid for %s remainder of %.2f shares, skipped\n", side.Side, remainder)
				continue
			}
			bid := parsePrice(book.Bids[0].Price)
			info := types.MarketInfo{ConditionID: marketID, TickSize: types.Tick001}
			res, err := t.exec.SellGTC(ctx, info, side.TokenID, remainder, bid)
			if err != nil {
				fmt.Fprintf(os.Stderr, "  remainder sell failed: %v\n", err)
				continue
			}
			recovered += remainder * bid
			fmt.Printf("  selling %s remainder %.2f @ %.4f (order %s)\n", side.Side, remainder, res.Price, res.OrderID)
		}
	}

	if *dryRun {
		fmt.Printf("dry-run: would recover ~$%.2f from merges\n", recovered)
	} else {
		fmt.Printf("recovered ~$%.2f USDC from merges and remainder sells\n", recovered)
	}
	return nil
}

func parsePrice(s string) float64 {
	var v float64
	fmt.Sscanf(s, "%f", &v)
	return v
}

func (t *tool) mergeablePairs(marketID string) (float64, error) {
	rows, err := t.store.LoadPositions()
	if err != nil {
		return 0, err
	}
	var up, down float64
	for _, r := range rows {
		if r.MarketID != marketID {
			continue
		}
		if r.Side == string(types.SideUp) {
			up = r.Qty
		} else {
			down = r.Qty
		}
	}
	if down < up {
		return down, nil
	}
	return up, nil
}
