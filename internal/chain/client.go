package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"dcaengine/internal/config"
)

// TxRequest is an unsigned call from the custodial signer. GasLimit 0 means
// estimate; a nil GasPrice means EIP-1559 fees. OnSigned, when set, receives
// the transaction hash after signing and before broadcast.
type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
	OnSigned func(hash common.Hash)
}

// BroadcastError reports a signed transaction the node did not acknowledge.
// The transaction may still have reached the mempool.
type BroadcastError struct {
	Hash common.Hash
	Err  error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast tx %s: %v", e.Hash.Hex(), e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// Transaction is the subset of a mined or pending transaction callers need.
type Transaction struct {
	Hash    common.Hash
	From    common.Address
	To      *common.Address
	Value   *big.Int
	Data    []byte
	Pending bool
}

// Client is the custodial signer's view of the chain.
type Client interface {
	Address() common.Address
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
	// WaitForTransaction returns (nil, nil) when no receipt with the requested
	// confirmations appeared before the receipt timeout.
	WaitForTransaction(ctx context.Context, hash common.Hash, confirmations uint64) (*types.Receipt, error)
	// GetTransaction and GetTransactionReceipt return (nil, nil) when unknown.
	GetTransaction(ctx context.Context, hash common.Hash) (*Transaction, error)
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Backend is the JSON-RPC surface used by EthClient; *ethclient.Client
// satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type EthClient struct {
	backend Backend
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
	nonces  *NonceSequencer
	logger  *zap.Logger

	receiptTimeout time.Duration
	pollMin        time.Duration
	pollMax        time.Duration
	gasMultiplier  float64
	priorityFee    *big.Int
}

func Dial(ctx context.Context, cfg config.ChainConfig, logger *zap.Logger) (*EthClient, error) {
	endpoint := strings.TrimSpace(cfg.RPCURL)
	if endpoint == "" {
		return nil, fmt.Errorf("chain rpc url required")
	}
	ec, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return NewEthClient(ctx, ec, cfg, logger)
}

func NewEthClient(ctx context.Context, backend Backend, cfg config.ChainConfig, logger *zap.Logger) (*EthClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain backend required")
	}
	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("custodial key: %w", err)
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID <= 0 {
		chainID, err = backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	address := gethcrypto.PubkeyToAddress(key.PublicKey)
	c := &EthClient{
		backend:        backend,
		key:            key,
		address:        address,
		chainID:        chainID,
		signer:         types.LatestSignerForChainID(chainID),
		logger:         logger,
		receiptTimeout: durationOr(cfg.ReceiptTimeout, 5*time.Minute),
		pollMin:        durationOr(cfg.ReceiptPollMin, time.Second),
		pollMax:        durationOr(cfg.ReceiptPollMax, 15*time.Second),
		gasMultiplier:  cfg.GasLimitMultiplier,
		priorityFee:    gweiToWei(cfg.MaxPriorityFeeGwei),
	}
	c.nonces = NewNonceSequencer(func(ctx context.Context) (uint64, error) {
		return backend.PendingNonceAt(ctx, address)
	})
	return c, nil
}

func (c *EthClient) Address() common.Address {
	return c.address
}

func (c *EthClient) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		estimated, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: &to, Value: value, Data: req.Data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
		gasLimit = c.padGas(estimated)
	}

	var (
		tipCap, feeCap *big.Int
		err            error
	)
	if req.GasPrice == nil {
		tipCap, feeCap, err = c.dynamicFees(ctx)
		if err != nil {
			return common.Hash{}, err
		}
	}

	var hash common.Hash
	err = c.nonces.Do(ctx, func(nonce uint64) error {
		var inner types.TxData
		if req.GasPrice != nil {
			inner = &types.LegacyTx{
				Nonce:    nonce,
				GasPrice: req.GasPrice,
				Gas:      gasLimit,
				To:       &to,
				Value:    value,
				Data:     req.Data,
			}
		} else {
			inner = &types.DynamicFeeTx{
				ChainID:   c.chainID,
				Nonce:     nonce,
				GasTipCap: tipCap,
				GasFeeCap: feeCap,
				Gas:       gasLimit,
				To:        &to,
				Value:     value,
				Data:      req.Data,
			}
		}
		signed, err := types.SignNewTx(c.key, c.signer, inner)
		if err != nil {
			return fmt.Errorf("sign tx: %w", err)
		}
		hash = signed.Hash()
		if req.OnSigned != nil {
			req.OnSigned(hash)
		}
		if err := c.backend.SendTransaction(ctx, signed); err != nil {
			return &BroadcastError{Hash: hash, Err: err}
		}
		c.logger.Info("tx submitted",
			zap.String("hash", hash.Hex()),
			zap.String("to", to.Hex()),
			zap.Uint64("nonce", nonce),
			zap.Uint64("gas", gasLimit),
		)
		return nil
	})
	if err != nil {
		var be *BroadcastError
		if errors.As(err, &be) {
			return be.Hash, err
		}
		return common.Hash{}, err
	}
	return hash, nil
}

func (c *EthClient) WaitForTransaction(ctx context.Context, hash common.Hash, confirmations uint64) (*types.Receipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}
	deadline := time.NewTimer(c.receiptTimeout)
	defer deadline.Stop()

	delay := c.pollMin
	for {
		receipt, err := c.GetTransactionReceipt(ctx, hash)
		if err != nil {
			c.logger.Warn("receipt poll failed", zap.String("hash", hash.Hex()), zap.Error(err))
		}
		if receipt != nil && receipt.BlockNumber != nil {
			head, err := c.backend.BlockNumber(ctx)
			if err == nil && Confirmations(head, receipt.BlockNumber.Uint64()) >= confirmations {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.pollMax {
			delay = c.pollMax
		}
	}
}

func (c *EthClient) GetTransaction(ctx context.Context, hash common.Hash) (*Transaction, error) {
	tx, pending, err := c.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	return &Transaction{
		Hash:    tx.Hash(),
		From:    from,
		To:      tx.To(),
		Value:   tx.Value(),
		Data:    tx.Data(),
		Pending: pending,
	}, nil
}

func (c *EthClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (c *EthClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

func (c *EthClient) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.backend.BalanceAt(ctx, addr, nil)
}

func (c *EthClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.backend.CallContract(ctx, ethereum.CallMsg{From: c.address, To: &to, Data: data}, nil)
}

func (c *EthClient) dynamicFees(ctx context.Context) (*big.Int, *big.Int, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch head: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest tip: %w", err)
	}
	if c.priorityFee != nil && c.priorityFee.Sign() > 0 && tip.Cmp(c.priorityFee) > 0 {
		tip = new(big.Int).Set(c.priorityFee)
	}
	baseFee := new(big.Int)
	if head != nil && head.BaseFee != nil {
		baseFee.Set(head.BaseFee)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return tip, feeCap, nil
}

func (c *EthClient) padGas(estimated uint64) uint64 {
	if c.gasMultiplier <= 1 {
		return estimated
	}
	padded := math.Ceil(float64(estimated) * c.gasMultiplier)
	if padded >= math.MaxUint64 {
		return estimated
	}
	return uint64(padded)
}

// Confirmations counts the inclusion block itself as the first confirmation.
func Confirmations(head, block uint64) uint64 {
	if head < block {
		return 0
	}
	return head - block + 1
}

func parsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	h := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if h == "" {
		return nil, errors.New("empty private key")
	}
	return gethcrypto.HexToECDSA(h)
}

func gweiToWei(gwei float64) *big.Int {
	if gwei <= 0 {
		return nil
	}
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9)).Int(nil)
	return wei
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
