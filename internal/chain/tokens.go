package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"dcaengine/internal/config"
)

// TokenDecimals resolves how many decimals a token uses, the native sentinel
// included. *TokenRegistry implements it.
type TokenDecimals interface {
	Decimals(ctx context.Context, token string) (int32, error)
}

var _ TokenDecimals = (*TokenRegistry)(nil)

type TokenInfo struct {
	Address  string
	Symbol   string
	Decimals int32
}

// TokenRegistry resolves token decimals from the configured table first and
// falls back to the token's decimals() call, caching the answer.
type TokenRegistry struct {
	caller interface {
		CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	}

	mu     sync.RWMutex
	tokens map[string]TokenInfo
}

func NewTokenRegistry(caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}, chainCfg config.ChainConfig, known []config.TokenConfig) *TokenRegistry {
	r := &TokenRegistry{caller: caller, tokens: map[string]TokenInfo{}}
	nativeDecimals := chainCfg.NativeDecimals
	if nativeDecimals <= 0 {
		nativeDecimals = 18
	}
	r.tokens[NormalizeAddress(NativeToken)] = TokenInfo{Address: NativeToken, Symbol: chainCfg.NativeSymbol, Decimals: nativeDecimals}
	for _, t := range known {
		if !ValidAddress(t.Address) || t.Decimals < 0 {
			continue
		}
		r.tokens[NormalizeAddress(t.Address)] = TokenInfo{Address: t.Address, Symbol: t.Symbol, Decimals: t.Decimals}
	}
	return r
}

func (r *TokenRegistry) Decimals(ctx context.Context, token string) (int32, error) {
	key := NormalizeAddress(token)
	r.mu.RLock()
	info, ok := r.tokens[key]
	r.mu.RUnlock()
	if ok {
		return info.Decimals, nil
	}
	if !ValidAddress(token) {
		return 0, fmt.Errorf("invalid token address %q", token)
	}
	if r.caller == nil {
		return 0, fmt.Errorf("decimals unknown for %s", token)
	}
	data, err := PackDecimals()
	if err != nil {
		return 0, err
	}
	out, err := r.caller.CallContract(ctx, common.HexToAddress(token), data)
	if err != nil {
		return 0, fmt.Errorf("decimals() %s: %w", token, err)
	}
	d, err := UnpackDecimals(out)
	if err != nil {
		return 0, fmt.Errorf("decimals() %s: %w", token, err)
	}
	r.mu.Lock()
	r.tokens[key] = TokenInfo{Address: token, Decimals: int32(d)}
	r.mu.Unlock()
	return int32(d), nil
}

// ToUnits converts a whole-token amount to base units, truncating any
// precision finer than the token supports.
func ToUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

func FromUnits(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}
