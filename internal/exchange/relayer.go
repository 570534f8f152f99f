// relayer.go implements the gas-free relayer client used for split/merge/
// redeem submissions against the CTF (Conditional Tokens Framework).
//
// Unlike order placement these operations are on-chain transactions; rather
// than sign and broadcast a raw Polygon transaction, the bot submits a signed
// relayer request and the relayer pays gas and broadcasts on the caller's
// behalf. Submissions are rate-limited to 25/min. Merge and redeem responses
// are treated as idempotent: a second submission for an already-completed
// operation reports success rather than erroring. Split errors are returned
// as they come.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polyarb/internal/config"
	"polyarb/internal/xerrors"
	"polyarb/pkg/types"
)

// Relayer submits split/merge/redeem requests to the gas-free relayer.
type Relayer struct {
	http   *resty.Client
	auth   *Auth
	bucket *TokenBucket
	dryRun bool
	logger *slog.Logger
}

// NewRelayer creates a relayer client sharing the wallet's signing auth.
func NewRelayer(cfg config.Config, auth *Auth, rl *RateLimiter, logger *slog.Logger) *Relayer {
	httpClient := resty.New().
		SetBaseURL(cfg.Relayer.BaseURL).
		SetTimeout(20 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Relayer{
		http:   httpClient,
		auth:   auth,
		bucket: rl.Relayer,
		dryRun: cfg.DryRun,
		logger: logger.With("component", "relayer"),
	}
}

func (r *Relayer) l2Headers(method, path, body string) (map[string]string, error) {
	return r.auth.L2Headers(method, path, body)
}

// Split converts USDC into an equal number of Up/Down (or Team-A/Team-B)
// outcome tokens for one conditionID, presplitting capital ahead of a
// shock-fade cycle or arbitrage accumulation.
func (r *Relayer) Split(ctx context.Context, req types.SplitRequest) (*types.RelayerResponse, error) {
	if r.dryRun {
		r.logger.Info("DRY-RUN: would split", "condition_id", req.ConditionID, "amount", req.AmountUSDC)
		return &types.RelayerResponse{Success: true, TxHash: "dry-run-split"}, nil
	}
	return r.submit(ctx, "/split", req)
}

// Merge converts matched Up+Down (or Team-A+Team-B) share pairs back into
// USDC, locking in guaranteed profit once a hedged pair is fully formed.
func (r *Relayer) Merge(ctx context.Context, req types.MergeRequest) (*types.RelayerResponse, error) {
	if r.dryRun {
		r.logger.Info("DRY-RUN: would merge", "condition_id", req.ConditionID, "shares", req.Shares)
		return &types.RelayerResponse{Success: true, TxHash: "dry-run-merge"}, nil
	}
	resp, err := r.submit(ctx, "/merge", req)
	if err != nil {
		if isAlreadyDone(err) {
			return &types.RelayerResponse{Success: true, TxHash: "", AlreadyDone: true}, nil
		}
		return nil, err
	}
	return resp, nil
}

// Redeem converts winning shares into USDC after market resolution. Calling
// Redeem twice on an already-redeemed position is idempotent: the relayer
// (and the underlying CTF contract) reports success either way.
func (r *Relayer) Redeem(ctx context.Context, req types.RedeemRequest) (*types.RelayerResponse, error) {
	if r.dryRun {
		r.logger.Info("DRY-RUN: would redeem", "condition_id", req.ConditionID, "shares", req.Shares)
		return &types.RelayerResponse{Success: true, TxHash: "dry-run-redeem"}, nil
	}
	resp, err := r.submit(ctx, "/redeem", req)
	if err != nil {
		if isAlreadyDone(err) {
			return &types.RelayerResponse{Success: true, TxHash: "", AlreadyDone: true}, nil
		}
		return nil, err
	}
	return resp, nil
}

func (r *Relayer) submit(ctx context.Context, path string, req any) (*types.RelayerResponse, error) {
	if err := r.bucket.Wait(ctx); err != nil {
		return nil, xerrors.New(xerrors.RateLimited, "relayer.submit", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal relayer request: %w", err)
	}
	headers, err := r.l2Headers(http.MethodPost, path, string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.RelayerResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post(path)
	if err != nil {
		return nil, xerrors.New(xerrors.Transient, "relayer.submit", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, xerrors.New(xerrors.PermanentOrder, "relayer.submit",
			fmt.Errorf("relayer %s: status %d: %s", path, resp.StatusCode(), resp.String()))
	}

	return &result, nil
}

// isAlreadyDone recognizes the relayer's idempotent-completion responses
// (ALREADY_REDEEMED, ALREADY_DONE) as success rather than failure.
func isAlreadyDone(err error) bool {
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "ALREADY_REDEEMED") || strings.Contains(msg, "ALREADY_DONE") ||
		strings.Contains(msg, "ALREADY_MERGED") || strings.Contains(msg, "ALREADY_SPLIT")
}
