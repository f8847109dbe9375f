package strategy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"dcaengine/internal/apperr"
	"dcaengine/internal/chain"
	"dcaengine/internal/models"
)

// Params is the decoded, type-specific parameter record of a strategy.
type Params interface {
	Type() string
	Validate() error
}

// RecurringBuyParams are fixed at creation. Amounts are whole source-token
// units; Slippage is a percent.
type RecurringBuyParams struct {
	FromToken    string          `json:"fromToken"`
	ToToken      string          `json:"toToken"`
	AmountPerRun decimal.Decimal `json:"amountPerRun"`
	TotalAmount  decimal.Decimal `json:"totalAmount"`
	MaxRuns      int             `json:"maxRuns"`
	Recurrence   string          `json:"recurrence"`
	Slippage     decimal.Decimal `json:"slippage"`
}

var maxSlippage = decimal.NewFromInt(50)

func (RecurringBuyParams) Type() string {
	return models.StrategyTypeRecurringBuy
}

func (p RecurringBuyParams) Validate() error {
	if !chain.ValidAddress(p.FromToken) {
		return apperr.Newf(apperr.KindValidation, "invalid fromToken %q", p.FromToken)
	}
	if !chain.ValidAddress(p.ToToken) {
		return apperr.Newf(apperr.KindValidation, "invalid toToken %q", p.ToToken)
	}
	if chain.SameAddress(p.FromToken, p.ToToken) {
		return apperr.New(apperr.KindValidation, "fromToken and toToken must differ")
	}
	if p.AmountPerRun.Sign() <= 0 {
		return apperr.New(apperr.KindValidation, "amountPerRun must be positive")
	}
	if p.TotalAmount.LessThan(p.AmountPerRun) {
		return apperr.New(apperr.KindValidation, "totalAmount must be at least amountPerRun")
	}
	if p.MaxRuns < 0 {
		return apperr.New(apperr.KindValidation, "maxRuns must not be negative")
	}
	if p.Slippage.Sign() <= 0 || p.Slippage.GreaterThan(maxSlippage) {
		return apperr.New(apperr.KindValidation, "slippage must be in (0, 50]")
	}
	if _, err := ParseRecurrence(p.Recurrence); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid recurrence")
	}
	return nil
}

// Normalized returns a copy with addresses in ledger key form.
func (p RecurringBuyParams) Normalized() RecurringBuyParams {
	p.FromToken = chain.NormalizeAddress(p.FromToken)
	p.ToToken = chain.NormalizeAddress(p.ToToken)
	p.Recurrence = strings.TrimSpace(p.Recurrence)
	return p
}

// DecodeParams decodes a stored parameter document for the given strategy type.
func DecodeParams(strategyType string, raw []byte) (Params, error) {
	switch strings.ToUpper(strings.TrimSpace(strategyType)) {
	case models.StrategyTypeRecurringBuy:
		var p RecurringBuyParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "decode recurring-buy params")
		}
		return p.Normalized(), nil
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unsupported strategy type %q", strategyType)
	}
}

func EncodeParams(p Params) (datatypes.JSON, error) {
	if p == nil {
		return nil, fmt.Errorf("params required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// RecurringBuy decodes the strategy's parameters, failing if the strategy is
// of another type.
func RecurringBuy(st *models.Strategy) (RecurringBuyParams, error) {
	if st == nil {
		return RecurringBuyParams{}, apperr.New(apperr.KindNotFound, "strategy not found")
	}
	p, err := DecodeParams(st.Type, st.Params)
	if err != nil {
		return RecurringBuyParams{}, err
	}
	rb, ok := p.(RecurringBuyParams)
	if !ok {
		return RecurringBuyParams{}, apperr.Newf(apperr.KindValidation, "strategy %d is not recurring-buy", st.ID)
	}
	return rb, nil
}
