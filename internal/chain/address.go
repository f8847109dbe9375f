package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeToken is the sentinel address used for the chain's native asset in
// strategies, balances and deposits.
const NativeToken = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

var nativeTokenAddress = common.HexToAddress(NativeToken)

func IsNative(token string) bool {
	return strings.EqualFold(strings.TrimSpace(token), NativeToken)
}

func IsNativeAddress(addr common.Address) bool {
	return addr == nativeTokenAddress
}

// ValidAddress accepts 0x-prefixed 20-byte hex. The zero address is rejected.
func ValidAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return false
	}
	if !common.IsHexAddress(addr) {
		return false
	}
	return common.HexToAddress(addr) != (common.Address{})
}

// NormalizeAddress is the ledger key form of an address: trimmed, lowercase.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}
