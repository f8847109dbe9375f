package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const erc20ABIJSON = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"value","type":"uint256","indexed":false}]}
]`

const wrappedNativeABIJSON = `[
 {"type":"event","name":"Withdrawal","anonymous":false,"inputs":[{"name":"src","type":"address","indexed":true},{"name":"wad","type":"uint256","indexed":false}]}
]`

var (
	ERC20ABI         = mustABI(erc20ABIJSON)
	WrappedNativeABI = mustABI(wrappedNativeABIJSON)

	TransferEventID   = ERC20ABI.Events["Transfer"].ID
	WithdrawalEventID = WrappedNativeABI.Events["Withdrawal"].ID
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive")
	}
	return ERC20ABI.Pack("transfer", to, amount)
}

func PackDecimals() ([]byte, error) {
	return ERC20ABI.Pack("decimals")
}

func UnpackDecimals(out []byte) (uint8, error) {
	vals, err := ERC20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("decimals: unexpected output")
	}
	d, ok := vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected type %T", vals[0])
	}
	return d, nil
}

// TransferLog is a decoded ERC-20 Transfer event.
type TransferLog struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// DecodeTransfer returns ok=false for logs that are not a well-formed
// Transfer event.
func DecodeTransfer(lg *types.Log) (TransferLog, bool) {
	if lg == nil || len(lg.Topics) != 3 || lg.Topics[0] != TransferEventID {
		return TransferLog{}, false
	}
	from, okFrom := topicAddress(lg.Topics[1])
	to, okTo := topicAddress(lg.Topics[2])
	if !okFrom || !okTo {
		return TransferLog{}, false
	}
	vals, err := ERC20ABI.Events["Transfer"].Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil || len(vals) != 1 {
		return TransferLog{}, false
	}
	value, ok := vals[0].(*big.Int)
	if !ok {
		return TransferLog{}, false
	}
	return TransferLog{Token: lg.Address, From: from, To: to, Value: value}, true
}

// WithdrawalLog is a decoded wrapped-native Withdrawal (unwrap) event.
type WithdrawalLog struct {
	Contract common.Address
	Src      common.Address
	Wad      *big.Int
}

func DecodeWithdrawal(lg *types.Log) (WithdrawalLog, bool) {
	if lg == nil || len(lg.Topics) != 2 || lg.Topics[0] != WithdrawalEventID {
		return WithdrawalLog{}, false
	}
	src, ok := topicAddress(lg.Topics[1])
	if !ok {
		return WithdrawalLog{}, false
	}
	vals, err := WrappedNativeABI.Events["Withdrawal"].Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil || len(vals) != 1 {
		return WithdrawalLog{}, false
	}
	wad, ok := vals[0].(*big.Int)
	if !ok {
		return WithdrawalLog{}, false
	}
	return WithdrawalLog{Contract: lg.Address, Src: src, Wad: wad}, true
}

// topicAddress rejects topics whose upper 12 bytes are not zero, which a
// well-formed indexed address never has.
func topicAddress(topic common.Hash) (common.Address, bool) {
	for _, b := range topic[:12] {
		if b != 0 {
			return common.Address{}, false
		}
	}
	return common.BytesToAddress(topic[12:]), true
}
