package deposit

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"dcaengine/internal/apperr"
	"dcaengine/internal/chain"
	"dcaengine/internal/config"
	"dcaengine/internal/db"
	"dcaengine/internal/models"
	gormrepository "dcaengine/internal/repository/gorm"
)

var (
	master = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	sender = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	usdc   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

type fakeReader struct {
	head     uint64
	txs      map[common.Hash]*chain.Transaction
	receipts map[common.Hash]*types.Receipt
}

func (f *fakeReader) GetTransaction(_ context.Context, hash common.Hash) (*chain.Transaction, error) {
	return f.txs[hash], nil
}

func (f *fakeReader) GetTransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	return f.receipts[hash], nil
}

func (f *fakeReader) GetBlockNumber(context.Context) (uint64, error) { return f.head, nil }

// add registers a mined tx from sender at block 100 and returns its hash.
func (f *fakeReader) add(n int64, to common.Address, value *big.Int, data []byte, status uint64, logs ...*types.Log) string {
	return f.addFrom(n, sender, to, value, data, status, logs...)
}

func (f *fakeReader) addFrom(n int64, from, to common.Address, value *big.Int, data []byte, status uint64, logs ...*types.Log) string {
	hash := common.BigToHash(big.NewInt(n))
	dst := to
	f.txs[hash] = &chain.Transaction{Hash: hash, From: from, To: &dst, Value: value, Data: data}
	f.receipts[hash] = &types.Receipt{Status: status, TxHash: hash, BlockNumber: big.NewInt(100), Logs: logs}
	return hash.Hex()
}

type decimalsTable map[string]int32

func (d decimalsTable) Decimals(_ context.Context, token string) (int32, error) {
	v, ok := d[chain.NormalizeAddress(token)]
	if !ok {
		return 0, fmt.Errorf("unknown token %s", token)
	}
	return v, nil
}

func transferLog(token, from, to common.Address, value int64) *types.Log {
	return &types.Log{
		Address: token,
		Topics:  []common.Hash{chain.TransferEventID, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
	}
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func setup(t *testing.T) (*Service, *fakeReader, *gormrepository.Store) {
	t.Helper()
	dsn := fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := db.Open(config.DBConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(conn) })
	require.NoError(t, db.AutoMigrate(conn))
	store := gormrepository.New(conn.Gorm)

	reader := &fakeReader{head: 110, txs: map[common.Hash]*chain.Transaction{}, receipts: map[common.Hash]*types.Receipt{}}
	svc := &Service{
		Repo:     store,
		Verifier: &Verifier{Chain: reader, MasterWallet: master, MinimumConfirmations: 3},
		Tokens: decimalsTable{
			chain.NormalizeAddress(chain.NativeToken): 18,
			chain.NormalizeAddress(usdc.Hex()):        6,
		},
		RequireSenderMatch: true,
	}
	return svc, reader, store
}

func requireBalance(t *testing.T, store *gormrepository.Store, token string, want decimal.Decimal) {
	t.Helper()
	bal, err := store.GetBalance(context.Background(), "user-1", token)
	require.NoError(t, err)
	require.NotNil(t, bal)
	require.True(t, bal.Amount.Equal(want), "balance=%s want=%s", bal.Amount, want)
}

func TestClaimNativeDepositCreditsOnce(t *testing.T) {
	ctx := context.Background()
	svc, reader, store := setup(t)
	hash := reader.add(1, master, ether(2), nil, types.ReceiptStatusSuccessful)

	res, err := svc.Claim(ctx, "user-1", hash)
	require.NoError(t, err)
	require.NotNil(t, res.Deposit)
	require.True(t, res.Verification.Valid)
	require.EqualValues(t, 11, res.Verification.Confirmations)
	require.Equal(t, chain.NormalizeAddress(chain.NativeToken), res.Deposit.TokenAddress)
	require.Equal(t, ether(2).String(), res.Deposit.RawAmount)
	requireBalance(t, store, chain.NativeToken, decimal.NewFromInt(2))

	_, err = svc.Claim(ctx, "user-2", hash)
	require.True(t, apperr.Is(err, apperr.KindDuplicateDeposit), "err=%v", err)
	requireBalance(t, store, chain.NativeToken, decimal.NewFromInt(2))

	deposits, err := store.ListDeposits(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, deposits, 1)
}

func TestClaimWaitsForConfirmations(t *testing.T) {
	ctx := context.Background()
	svc, reader, store := setup(t)
	hash := reader.add(1, master, ether(1), nil, types.ReceiptStatusSuccessful)
	reader.head = 101

	res, err := svc.Claim(ctx, "user-1", hash)
	require.NoError(t, err)
	require.Nil(t, res.Deposit)
	require.Equal(t, ReasonInsufficientConfirmations, res.Verification.Reason)
	require.True(t, res.Verification.Reason.Retry())
	require.EqualValues(t, 2, res.Verification.Confirmations)

	bal, err := store.GetBalance(ctx, "user-1", chain.NativeToken)
	require.NoError(t, err)
	require.Nil(t, bal)

	reader.head = 102
	res, err = svc.Claim(ctx, "user-1", hash)
	require.NoError(t, err)
	require.NotNil(t, res.Deposit)
	requireBalance(t, store, chain.NativeToken, decimal.NewFromInt(1))
}

func TestClaimTokenDepositNormalizesDecimals(t *testing.T) {
	ctx := context.Background()
	svc, reader, store := setup(t)
	data, err := chain.PackTransfer(master, big.NewInt(2_500_000))
	require.NoError(t, err)
	hash := reader.add(1, usdc, big.NewInt(0), data, types.ReceiptStatusSuccessful,
		transferLog(usdc, sender, master, 2_500_000),
	)

	res, err := svc.Claim(ctx, "user-1", hash)
	require.NoError(t, err)
	require.NotNil(t, res.Deposit)
	require.Equal(t, usdc.Hex(), res.Verification.TokenAddress)
	require.Equal(t, "2500000", res.Deposit.RawAmount)
	require.True(t, res.Deposit.Amount.Equal(decimal.RequireFromString("2.5")))
	requireBalance(t, store, usdc.Hex(), decimal.RequireFromString("2.5"))
}

func TestVerifyRejections(t *testing.T) {
	ctx := context.Background()
	svc, reader, _ := setup(t)
	other := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	data, err := chain.PackTransfer(other, big.NewInt(5))
	require.NoError(t, err)

	cases := map[string]struct {
		hash string
		want Reason
	}{
		"unknown":   {common.BigToHash(big.NewInt(99)).Hex(), ReasonNotFound},
		"reverted":  {reader.add(1, master, ether(1), nil, types.ReceiptStatusFailed), ReasonTransactionFailed},
		"elsewhere": {reader.add(2, other, ether(1), nil, types.ReceiptStatusSuccessful), ReasonWrongRecipient},
		"no value":  {reader.add(3, master, big.NewInt(0), nil, types.ReceiptStatusSuccessful), ReasonNoTransferToMasterWallet},
		"token to other": {
			reader.add(4, usdc, big.NewInt(0), data, types.ReceiptStatusSuccessful, transferLog(usdc, sender, other, 5)),
			ReasonNoTransferToMasterWallet,
		},
	}
	for name, tc := range cases {
		v, err := svc.Verifier.Verify(ctx, tc.hash)
		require.NoError(t, err, name)
		require.False(t, v.Valid, name)
		require.Equal(t, tc.want, v.Reason, name)
	}

	_, err = svc.Verifier.Verify(ctx, "0x1234")
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestClaimRejectsForeignSender(t *testing.T) {
	ctx := context.Background()
	svc, reader, store := setup(t)
	require.NoError(t, store.UpsertUser(ctx, &models.User{ID: "user-1", WalletAddress: "0x00000000000000000000000000000000000000Dd"}))
	hash := reader.add(1, master, ether(1), nil, types.ReceiptStatusSuccessful)

	res, err := svc.Claim(ctx, "user-1", hash)
	require.NoError(t, err)
	require.Nil(t, res.Deposit)
	require.Equal(t, ReasonSenderMismatch, res.Verification.Reason)

	require.NoError(t, store.UpsertUser(ctx, &models.User{ID: "user-1", WalletAddress: sender.Hex()}))
	res, err = svc.Claim(ctx, "user-1", hash)
	require.NoError(t, err)
	require.NotNil(t, res.Deposit)
}

func TestClaimRejectsSwapOutputDeliveredToCustodialWallet(t *testing.T) {
	ctx := context.Background()
	svc, reader, store := setup(t)
	router := common.HexToAddress("0x1111111254EEB25477B68fb85Ed929f73A960582")
	pool := common.HexToAddress("0x00000000000000000000000000000000000000e5")

	// A swap sent by the custodial wallet: the router pays the output to it.
	swapTx := reader.addFrom(1, master, router, big.NewInt(0), []byte{0x12, 0xaa}, types.ReceiptStatusSuccessful,
		transferLog(usdc, master, pool, 10_000_000),
		transferLog(usdc, pool, master, 3_000_000),
	)
	res, err := svc.Claim(ctx, "user-1", swapTx)
	require.NoError(t, err)
	require.Nil(t, res.Deposit)
	require.Equal(t, ReasonCustodialSender, res.Verification.Reason)
	require.False(t, res.Verification.Reason.Retry())

	// A contract call by someone else whose Transfer to the custodial wallet
	// moves tokens that are not the caller's.
	relayed := reader.add(2, router, big.NewInt(0), []byte{0x12, 0xaa}, types.ReceiptStatusSuccessful,
		transferLog(usdc, pool, master, 3_000_000),
	)
	res, err = svc.Claim(ctx, "user-1", relayed)
	require.NoError(t, err)
	require.Nil(t, res.Deposit)
	require.Equal(t, ReasonNoTransferToMasterWallet, res.Verification.Reason)

	bal, err := store.GetBalance(ctx, "user-1", usdc.Hex())
	require.NoError(t, err)
	require.Nil(t, bal)
}
