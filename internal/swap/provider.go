package swap

import (
	"context"
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// ErrRejected matches provider errors for requests that will not succeed on
// retry, such as an unsupported token or insufficient liquidity.
var ErrRejected = errors.New("swap request rejected")

// Transaction is an executable call returned by the aggregator. GasPrice is
// nil when the aggregator leaves fee selection to the sender.
type Transaction struct {
	To       string
	Data     []byte
	Value    *big.Int
	Gas      uint64
	GasPrice *big.Int
}

type Quote struct {
	Src       string
	Dst       string
	Amount    *big.Int
	DstAmount *big.Int
	Gas       uint64
}

// SwapRequest amounts are in source-token base units; Slippage is a percent.
type SwapRequest struct {
	Src      string
	Dst      string
	Amount   *big.Int
	From     string
	Receiver string
	Slippage decimal.Decimal
}

// Provider is the liquidity aggregator. The spender of approvals is the
// aggregator's router.
type Provider interface {
	GetQuote(ctx context.Context, src, dst string, amount *big.Int) (*Quote, error)
	GetSwapTransaction(ctx context.Context, req SwapRequest) (*Transaction, error)
	GetAllowance(ctx context.Context, token, owner string) (*big.Int, error)
	GetApprovalTransaction(ctx context.Context, token string, amount *big.Int) (*Transaction, error)
}
