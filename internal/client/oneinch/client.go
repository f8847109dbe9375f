package oneinch

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"dcaengine/internal/config"
	"dcaengine/internal/swap"
)

type Client struct {
	host       string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aggregator error (%d): %s", e.Status, e.Body)
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func (e *APIError) Is(target error) bool {
	return target == swap.ErrRejected && !e.Temporary()
}

func NewClient(httpClient *http.Client, cfg config.AggregatorConfig) *Client {
	host := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if host == "" {
		host = "https://api.1inch.dev/swap/v6.0/1"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		host:       host,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
	}
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid json from %s", path)
	}
	return body, nil
}

func (c *Client) GetQuote(ctx context.Context, src, dst string, amount *big.Int) (*swap.Quote, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	query := url.Values{}
	query.Set("src", src)
	query.Set("dst", dst)
	query.Set("amount", amount.String())
	query.Set("includeGas", "true")
	body, err := c.doRequest(ctx, "/quote", query)
	if err != nil {
		return nil, err
	}
	dstAmount, err := bigField(body, "dstAmount")
	if err != nil {
		return nil, err
	}
	return &swap.Quote{
		Src:       src,
		Dst:       dst,
		Amount:    new(big.Int).Set(amount),
		DstAmount: dstAmount,
		Gas:       gjson.GetBytes(body, "gas").Uint(),
	}, nil
}

func (c *Client) GetSwapTransaction(ctx context.Context, in swap.SwapRequest) (*swap.Transaction, error) {
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if in.From == "" {
		return nil, fmt.Errorf("from is required")
	}
	query := url.Values{}
	query.Set("src", in.Src)
	query.Set("dst", in.Dst)
	query.Set("amount", in.Amount.String())
	query.Set("from", in.From)
	query.Set("origin", in.From)
	query.Set("slippage", in.Slippage.String())
	if in.Receiver != "" {
		query.Set("receiver", in.Receiver)
	}
	body, err := c.doRequest(ctx, "/swap", query)
	if err != nil {
		return nil, err
	}
	return parseTx(gjson.GetBytes(body, "tx"))
}

func (c *Client) GetAllowance(ctx context.Context, token, owner string) (*big.Int, error) {
	query := url.Values{}
	query.Set("tokenAddress", token)
	query.Set("walletAddress", owner)
	body, err := c.doRequest(ctx, "/approve/allowance", query)
	if err != nil {
		return nil, err
	}
	return bigField(body, "allowance")
}

// GetApprovalTransaction approves exactly amount when given, otherwise the
// aggregator's default (unlimited) approval.
func (c *Client) GetApprovalTransaction(ctx context.Context, token string, amount *big.Int) (*swap.Transaction, error) {
	query := url.Values{}
	query.Set("tokenAddress", token)
	if amount != nil && amount.Sign() > 0 {
		query.Set("amount", amount.String())
	}
	body, err := c.doRequest(ctx, "/approve/transaction", query)
	if err != nil {
		return nil, err
	}
	return parseTx(gjson.ParseBytes(body))
}

func parseTx(res gjson.Result) (*swap.Transaction, error) {
	if !res.Exists() || !res.IsObject() {
		return nil, fmt.Errorf("missing transaction in response")
	}
	to := res.Get("to").String()
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid tx.to %q", to)
	}
	out := &swap.Transaction{
		To:    to,
		Data:  common.FromHex(res.Get("data").String()),
		Value: new(big.Int),
		Gas:   res.Get("gas").Uint(),
	}
	if v := res.Get("value").String(); v != "" {
		value, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, fmt.Errorf("invalid tx.value %q", v)
		}
		out.Value = value
	}
	if gp := res.Get("gasPrice").String(); gp != "" && gp != "0" {
		price, ok := new(big.Int).SetString(gp, 10)
		if !ok {
			return nil, fmt.Errorf("invalid tx.gasPrice %q", gp)
		}
		out.GasPrice = price
	}
	return out, nil
}

func bigField(body []byte, path string) (*big.Int, error) {
	raw := gjson.GetBytes(body, path)
	if !raw.Exists() {
		return nil, fmt.Errorf("missing %s in response", path)
	}
	val, ok := new(big.Int).SetString(raw.String(), 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s %q", path, raw.String())
	}
	return val, nil
}

var _ swap.Provider = (*Client)(nil)
