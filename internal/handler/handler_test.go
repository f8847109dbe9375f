package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"dcaengine/internal/chain"
	"dcaengine/internal/config"
	"dcaengine/internal/db"
	"dcaengine/internal/deposit"
	gormrepository "dcaengine/internal/repository/gorm"
	"dcaengine/internal/service"
)

const usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

type emptyChain struct{}

func (emptyChain) GetTransaction(context.Context, common.Hash) (*chain.Transaction, error) {
	return nil, nil
}

func (emptyChain) GetTransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, nil
}

func (emptyChain) GetBlockNumber(context.Context) (uint64, error) { return 42, nil }

type fixedDecimals int32

func (d fixedDecimals) Decimals(context.Context, string) (int32, error) { return int32(d), nil }

type fixture struct {
	engine *gin.Engine
	store  *gormrepository.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := db.Open(config.DBConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(conn) })
	require.NoError(t, db.AutoMigrate(conn))
	store := gormrepository.New(conn.Gorm)

	settings := &service.SystemSettingsService{Repo: store}
	require.NoError(t, settings.EnsureDefaultSwitches(context.Background()))
	strategies := &service.StrategyService{Repo: store}
	deposits := &deposit.Service{
		Repo:     store,
		Verifier: &deposit.Verifier{Chain: emptyChain{}, MasterWallet: common.HexToAddress("0xc1")},
		Tokens:   fixedDecimals(18),
		Flags:    settings,
	}

	r := gin.New()
	(&HealthHandler{DB: conn.Gorm, Chain: emptyChain{}}).Register(r)
	(&StrategyHandler{Service: strategies}).Register(r)
	(&AccountHandler{Repo: store, Deposits: deposits}).Register(r)
	(&OperatorHandler{Strategies: strategies, Settings: settings}).Register(r)
	return &fixture{engine: r, store: store}
}

func (f *fixture) do(t *testing.T, method, path, user, body string) (int, gjson.Result) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w.Code, gjson.ParseBytes(w.Body.Bytes())
}

func strategyBody(total int) string {
	return fmt.Sprintf(`{"params":{"fromToken":%q,"toToken":"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",`+
		`"amountPerRun":"10","totalAmount":"%d","recurrence":"@every 1h","slippage":"1"}}`, usdc, total)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body.Get("status").String())

	code, body = f.do(t, http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 42, body.Get("block").Int())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}

func TestStrategyLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, _ := f.do(t, http.MethodPost, "/api/v1/strategies", "", strategyBody(100))
	require.Equal(t, http.StatusUnauthorized, code)

	code, body := f.do(t, http.MethodPost, "/api/v1/strategies", "user-1", strategyBody(100))
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "INSUFFICIENT_BALANCE", body.Get("kind").String())

	require.NoError(t, f.store.CreditBalance(ctx, "user-1", usdc, decimal.NewFromInt(100)))
	code, body = f.do(t, http.MethodPost, "/api/v1/strategies", "user-1", strategyBody(100))
	require.Equal(t, http.StatusCreated, code, body.Raw)
	id := body.Get("data.ID").Uint()
	require.NotZero(t, id)

	code, body = f.do(t, http.MethodGet, "/api/v1/balances", "user-1", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "100", body.Get("data.0.locked").String())
	require.Equal(t, "0", body.Get("data.0.available").String())

	path := fmt.Sprintf("/api/v1/strategies/%d", id)
	code, _ = f.do(t, http.MethodGet, path, "user-2", "")
	require.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodPost, path+"/pause", "user-1", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "PAUSED", body.Get("data.Status").String())

	code, body = f.do(t, http.MethodPost, path+"/pause", "user-1", "")
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "CONFLICT", body.Get("kind").String())

	code, body = f.do(t, http.MethodPost, path+"/stop", "user-1", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "STOPPED", body.Get("data.Status").String())

	code, body = f.do(t, http.MethodGet, "/api/v1/strategies", "user-1", "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body.Get("meta.count").Int())

	code, _ = f.do(t, http.MethodGet, "/api/v1/strategies/abc", "user-1", "")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestInvalidParamsAreBadRequest(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodPost, "/api/v1/strategies", "user-1", `{"params":{"amountPerRun":"-1"}}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "VALIDATION", body.Get("kind").String())
}

func TestWalletRegistration(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodPut, "/api/v1/wallet", "user-1", `{"walletAddress":"nope"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, body := f.do(t, http.MethodPut, "/api/v1/wallet", "user-1", `{"walletAddress":"0x00000000000000000000000000000000000000Aa"}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "0x00000000000000000000000000000000000000aa", body.Get("data.WalletAddress").String())

	user, err := f.store.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, user)
}

func TestDepositClaimReportsReason(t *testing.T) {
	f := newFixture(t)
	hash := common.BigToHash(common.Big1).Hex()

	code, body := f.do(t, http.MethodPost, "/api/v1/deposits", "user-1", fmt.Sprintf(`{"txHash":%q}`, hash))
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "NOT_FOUND", body.Get("kind").String())
	require.False(t, body.Get("data.verification.valid").Bool())

	code, body = f.do(t, http.MethodPost, "/api/v1/deposits", "user-1", `{"txHash":"0x12"}`)
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "VALIDATION", body.Get("kind").String())

	code, body = f.do(t, http.MethodGet, "/api/v1/deposits/verify/"+hash, "", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "NOT_FOUND", body.Get("data.reason").String())

	code, body = f.do(t, http.MethodGet, "/api/v1/deposits", "user-1", "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 0, body.Get("meta.count").Int())
}

func TestOperatorSwitches(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPut, "/api/v1/operator/switches/feature.deposits", "", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, code)
	require.False(t, body.Get("data.enabled").Bool())

	code, body = f.do(t, http.MethodPost, "/api/v1/deposits", "user-1", fmt.Sprintf(`{"txHash":%q}`, common.BigToHash(common.Big1).Hex()))
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "CONFLICT", body.Get("kind").String())

	code, _ = f.do(t, http.MethodPut, "/api/v1/operator/switches/feature.nope", "", `{"enabled":true}`)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPut, "/api/v1/operator/switches/feature.workers", "", `{}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/operator/switches", "", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Get("data").Array(), 3)

	code, body = f.do(t, http.MethodGet, "/api/v1/operator/reconciliation?stale_after=1h", "", "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 0, body.Get("meta.failures").Int())

	code, _ = f.do(t, http.MethodGet, "/api/v1/operator/reconciliation?stale_after=x", "", "")
	require.Equal(t, http.StatusBadRequest, code)
}
