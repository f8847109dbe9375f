package deposit

import (
	"context"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"dcaengine/internal/apperr"
	"dcaengine/internal/chain"
)

// Reason explains why a transaction is not (yet) an acceptable deposit.
type Reason string

const (
	ReasonNotFound                  Reason = "NOT_FOUND"
	ReasonTransactionFailed         Reason = "TRANSACTION_FAILED"
	ReasonInsufficientConfirmations Reason = "INSUFFICIENT_CONFIRMATIONS"
	ReasonWrongRecipient            Reason = "WRONG_RECIPIENT"
	ReasonNoTransferToMasterWallet  Reason = "NO_TRANSFER_TO_MASTER_WALLET"
	ReasonSenderMismatch            Reason = "SENDER_MISMATCH"
	ReasonCustodialSender           Reason = "CUSTODIAL_SENDER"
)

// Retry reports whether the same transaction may verify later.
func (r Reason) Retry() bool {
	return r == ReasonInsufficientConfirmations || r == ReasonNotFound
}

// Verification is the outcome of checking one transaction. Value is the
// native amount carried by the transaction; TokenAmount is set for ERC-20
// deposits. Amounts are base units.
type Verification struct {
	Valid         bool     `json:"valid"`
	TxHash        string   `json:"txHash"`
	From          string   `json:"from,omitempty"`
	To            string   `json:"to,omitempty"`
	Value         *big.Int `json:"value,omitempty"`
	TokenAddress  string   `json:"tokenAddress,omitempty"`
	TokenAmount   *big.Int `json:"tokenAmount,omitempty"`
	Confirmations uint64   `json:"confirmations"`
	Reason        Reason   `json:"reason,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Token is the deposited asset: the native sentinel or the ERC-20 contract.
func (v *Verification) Token() string {
	if v.TokenAddress != "" {
		return v.TokenAddress
	}
	return chain.NativeToken
}

// RawAmount is the deposited amount in the token's base units.
func (v *Verification) RawAmount() *big.Int {
	if v.TokenAddress != "" {
		return v.TokenAmount
	}
	return v.Value
}

func (v *Verification) reject(reason Reason, msg string) *Verification {
	v.Valid = false
	v.Reason = reason
	v.Error = msg
	return v
}

type ChainReader interface {
	GetTransaction(ctx context.Context, hash common.Hash) (*chain.Transaction, error)
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	GetBlockNumber(ctx context.Context) (uint64, error)
}

// Verifier checks inbound transfers against the chain. It is stateless and
// never writes; replay protection belongs to whoever credits the ledger.
type Verifier struct {
	Chain                ChainReader
	MasterWallet         common.Address
	MinimumConfirmations uint64
}

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

func ValidTxHash(hash string) bool {
	return txHashPattern.MatchString(strings.TrimSpace(hash))
}

// Verify returns a negative Verification for transactions that are not valid
// deposits and an error only when the chain could not be read.
func (vf *Verifier) Verify(ctx context.Context, txHash string) (*Verification, error) {
	txHash = strings.TrimSpace(txHash)
	if !ValidTxHash(txHash) {
		return nil, apperr.Newf(apperr.KindValidation, "invalid transaction hash %q", txHash)
	}
	if vf == nil || vf.Chain == nil {
		return nil, apperr.New(apperr.KindInternal, "deposit verifier not configured")
	}
	hash := common.HexToHash(txHash)
	out := &Verification{TxHash: strings.ToLower(txHash)}

	tx, err := vf.Chain.GetTransaction(ctx, hash)
	if err != nil {
		return nil, apperr.Transient(err, "get transaction")
	}
	if tx == nil {
		return out.reject(ReasonNotFound, "transaction not found"), nil
	}
	out.From = tx.From.Hex()
	out.Value = tx.Value
	if tx.To != nil {
		out.To = tx.To.Hex()
	}
	rcpt, err := vf.Chain.GetTransactionReceipt(ctx, hash)
	if err != nil {
		return nil, apperr.Transient(err, "get receipt")
	}
	if rcpt == nil || rcpt.BlockNumber == nil {
		return out.reject(ReasonNotFound, "receipt not found"), nil
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		return out.reject(ReasonTransactionFailed, "transaction reverted"), nil
	}

	head, err := vf.Chain.GetBlockNumber(ctx)
	if err != nil {
		return nil, apperr.Transient(err, "get block number")
	}
	out.Confirmations = chain.Confirmations(head, rcpt.BlockNumber.Uint64())
	required := vf.MinimumConfirmations
	if required == 0 {
		required = 1
	}
	if out.Confirmations < required {
		return out.reject(ReasonInsufficientConfirmations, "waiting for confirmations"), nil
	}
	if tx.To == nil {
		return out.reject(ReasonWrongRecipient, "contract creation is not a deposit"), nil
	}
	// The engine's own swaps deliver output to the custodial wallet.
	if tx.From == vf.MasterWallet {
		return out.reject(ReasonCustodialSender, "transaction was sent by the custodial wallet"), nil
	}

	if len(tx.Data) == 0 {
		if *tx.To != vf.MasterWallet {
			return out.reject(ReasonWrongRecipient, "recipient is not the custodial wallet"), nil
		}
		if tx.Value == nil || tx.Value.Sign() <= 0 {
			return out.reject(ReasonNoTransferToMasterWallet, "transaction carries no value"), nil
		}
		out.Valid = true
		return out, nil
	}

	// Token deposits are addressed to the token contract; the custodial
	// wallet appears as the Transfer recipient instead, with the sender's
	// own tokens moving.
	for _, lg := range rcpt.Logs {
		tr, ok := chain.DecodeTransfer(lg)
		if !ok || tr.To != vf.MasterWallet || tr.From != tx.From || tr.Value.Sign() <= 0 {
			continue
		}
		out.TokenAddress = tr.Token.Hex()
		out.TokenAmount = tr.Value
		out.Valid = true
		return out, nil
	}
	return out.reject(ReasonNoTransferToMasterWallet, "no transfer to the custodial wallet"), nil
}
