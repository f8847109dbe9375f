package receipt

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"dcaengine/internal/chain"
)

var ErrNoTransferFound = errors.New("no transfer to signer found in receipt")

// Result is the amount of the destination asset the signer actually received.
// Warning is set when the amount could not be established from logs and was
// reported as zero.
type Result struct {
	Amount  *big.Int
	Matches int
	Warning string
}

type Parser struct {
	wrappedNative map[common.Address]struct{}
}

func NewParser(wrappedNative []string) *Parser {
	p := &Parser{wrappedNative: map[common.Address]struct{}{}}
	for _, addr := range wrappedNative {
		if chain.ValidAddress(addr) {
			p.wrappedNative[common.HexToAddress(addr)] = struct{}{}
		}
	}
	return p
}

// Received decodes the receipt's logs for the destination token. Native
// destinations are read from the wrapped-native unwrap event; tokens are the
// sum of every Transfer from the token contract to the signer.
func (p *Parser) Received(r *types.Receipt, dstToken string, signer common.Address) (Result, error) {
	if r == nil {
		return Result{}, fmt.Errorf("receipt required")
	}
	if chain.IsNative(dstToken) {
		return p.nativeReceived(r, signer), nil
	}
	if !chain.ValidAddress(dstToken) {
		return Result{}, fmt.Errorf("invalid destination token %q", dstToken)
	}
	token := common.HexToAddress(dstToken)

	total := new(big.Int)
	matches := 0
	for _, lg := range r.Logs {
		if lg == nil || lg.Address != token {
			continue
		}
		tr, ok := chain.DecodeTransfer(lg)
		if !ok || tr.To != signer {
			continue
		}
		total.Add(total, tr.Value)
		matches++
	}
	if matches == 0 {
		return Result{}, ErrNoTransferFound
	}
	return Result{Amount: total, Matches: matches}, nil
}

func (p *Parser) nativeReceived(r *types.Receipt, signer common.Address) Result {
	for _, lg := range r.Logs {
		if lg == nil {
			continue
		}
		if _, ok := p.wrappedNative[lg.Address]; !ok {
			continue
		}
		w, ok := chain.DecodeWithdrawal(lg)
		if !ok || w.Src != signer {
			continue
		}
		return Result{Amount: new(big.Int).Set(w.Wad), Matches: 1}
	}
	return Result{
		Amount:  new(big.Int),
		Warning: fmt.Sprintf("no unwrap event for signer %s in tx %s", signer.Hex(), r.TxHash.Hex()),
	}
}
