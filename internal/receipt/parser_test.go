package receipt

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"dcaengine/internal/chain"
)

var (
	signer = common.HexToAddress("0x5555555555555555555555555555555555555555")
	router = common.HexToAddress("0x1111111111111111111111111111111111111111")
	usdc   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	other  = common.HexToAddress("0x9999999999999999999999999999999999999999")
	weth   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

func transferLog(token, from, to common.Address, value int64) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			chain.TransferEventID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
	}
}

func withdrawalLog(contract, src common.Address, wad int64) *types.Log {
	return &types.Log{
		Address: contract,
		Topics:  []common.Hash{chain.WithdrawalEventID, common.BytesToHash(src.Bytes())},
		Data:    common.LeftPadBytes(big.NewInt(wad).Bytes(), 32),
	}
}

func TestReceivedSumsAllTransfersToSigner(t *testing.T) {
	p := NewParser(nil)
	r := &types.Receipt{Logs: []*types.Log{
		transferLog(usdc, router, signer, 100),
		transferLog(usdc, router, other, 70),
		transferLog(other, router, signer, 999),
		transferLog(usdc, router, signer, 50),
	}}

	res, err := p.Received(r, strings.ToLower(usdc.Hex()), signer)
	if err != nil {
		t.Fatalf("Received: %v", err)
	}
	if res.Amount.Int64() != 150 {
		t.Fatalf("amount=%s want=150", res.Amount)
	}
	if res.Matches != 2 {
		t.Fatalf("matches=%d want=2", res.Matches)
	}
}

func TestReceivedNoMatchingTransferFails(t *testing.T) {
	p := NewParser(nil)
	r := &types.Receipt{Logs: []*types.Log{transferLog(usdc, router, other, 10)}}

	_, err := p.Received(r, usdc.Hex(), signer)
	if !errors.Is(err, ErrNoTransferFound) {
		t.Fatalf("err=%v want=ErrNoTransferFound", err)
	}
}

func TestReceivedSkipsMalformedTopics(t *testing.T) {
	p := NewParser(nil)
	bad := transferLog(usdc, router, signer, 10)
	bad.Topics[2][0] = 0xff
	short := transferLog(usdc, router, signer, 10)
	short.Topics = short.Topics[:2]
	r := &types.Receipt{Logs: []*types.Log{bad, short}}

	if _, err := p.Received(r, usdc.Hex(), signer); !errors.Is(err, ErrNoTransferFound) {
		t.Fatalf("err=%v want=ErrNoTransferFound", err)
	}
}

func TestReceivedNativeReadsUnwrapEvent(t *testing.T) {
	p := NewParser([]string{weth.Hex()})
	r := &types.Receipt{Logs: []*types.Log{
		withdrawalLog(other, signer, 1),
		withdrawalLog(weth, router, 2),
		withdrawalLog(weth, signer, 3_000),
	}}

	res, err := p.Received(r, chain.NativeToken, signer)
	if err != nil {
		t.Fatalf("Received: %v", err)
	}
	if res.Amount.Int64() != 3_000 || res.Warning != "" {
		t.Fatalf("amount=%s warning=%q", res.Amount, res.Warning)
	}
}

func TestReceivedNativeWithoutUnwrapWarns(t *testing.T) {
	p := NewParser([]string{weth.Hex()})
	r := &types.Receipt{Logs: []*types.Log{transferLog(usdc, signer, router, 100)}}

	res, err := p.Received(r, strings.ToLower(chain.NativeToken), signer)
	if err != nil {
		t.Fatalf("Received: %v", err)
	}
	if res.Amount.Sign() != 0 {
		t.Fatalf("amount=%s want=0", res.Amount)
	}
	if res.Warning == "" {
		t.Fatalf("expected warning")
	}
}
