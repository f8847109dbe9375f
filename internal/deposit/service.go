package deposit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"dcaengine/internal/apperr"
	"dcaengine/internal/chain"
	"dcaengine/internal/metrics"
	"dcaengine/internal/models"
	"dcaengine/internal/repository"
	"dcaengine/internal/service"
)

// ClaimResult carries the verification and, when it passed, the credited
// deposit.
type ClaimResult struct {
	Deposit      *models.Deposit `json:"deposit,omitempty"`
	Verification *Verification   `json:"verification"`
}

// Service credits verified deposits to the ledger exactly once per tx hash.
type Service struct {
	Repo     repository.Repository
	Verifier *Verifier
	Tokens   chain.TokenDecimals
	Flags    *service.SystemSettingsService
	Logger   *zap.Logger
	// RequireSenderMatch rejects deposits not sent from the user's registered
	// wallet, when the user has one.
	RequireSenderMatch bool
}

// Claim verifies txHash and credits it to userID. A rejected verification is
// a normal result with a nil Deposit, not an error.
func (s *Service) Claim(ctx context.Context, userID, txHash string) (*ClaimResult, error) {
	if s == nil || s.Repo == nil || s.Verifier == nil || s.Tokens == nil {
		return nil, apperr.New(apperr.KindInternal, "deposit service not configured")
	}
	if s.Flags != nil && !s.Flags.IsEnabled(ctx, service.FeatureDeposits, true) {
		return nil, apperr.New(apperr.KindConflict, "deposits are temporarily disabled")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.New(apperr.KindValidation, "user required")
	}
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if !ValidTxHash(txHash) {
		return nil, apperr.Newf(apperr.KindValidation, "invalid transaction hash %q", txHash)
	}

	existing, err := s.Repo.GetDepositByTxHash(ctx, txHash)
	if err != nil {
		return nil, apperr.Transient(err, "load deposit")
	}
	if existing != nil {
		metrics.RecordDeposit("duplicate")
		return nil, apperr.Newf(apperr.KindDuplicateDeposit, "transaction %s was already credited", txHash)
	}

	v, err := s.Verifier.Verify(ctx, txHash)
	if err != nil {
		metrics.RecordDeposit("error")
		return nil, err
	}
	if !v.Valid {
		return s.rejected(userID, v), nil
	}
	if s.RequireSenderMatch {
		user, err := s.Repo.GetUser(ctx, userID)
		if err != nil {
			return nil, apperr.Transient(err, "load user")
		}
		if user != nil && user.WalletAddress != "" && !chain.SameAddress(user.WalletAddress, v.From) {
			return s.rejected(userID, v.reject(ReasonSenderMismatch, "sender is not the user's registered wallet")), nil
		}
	}

	token := chain.NormalizeAddress(v.Token())
	decimals, err := s.Tokens.Decimals(ctx, token)
	if err != nil {
		metrics.RecordDeposit("error")
		return nil, apperr.Transient(err, "token decimals")
	}
	raw := v.RawAmount()
	item := &models.Deposit{
		UserID:        userID,
		TxHash:        txHash,
		TokenAddress:  token,
		Amount:        chain.FromUnits(raw, decimals),
		RawAmount:     raw.String(),
		FromAddress:   chain.NormalizeAddress(v.From),
		Confirmations: v.Confirmations,
		Status:        models.DepositStatusConfirmed,
	}
	err = s.Repo.WithTx(ctx, func(tx repository.Repository) error {
		if err := tx.CreateDeposit(ctx, item); err != nil {
			return err
		}
		return tx.CreditBalance(ctx, userID, token, item.Amount)
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		metrics.RecordDeposit("duplicate")
		return nil, apperr.Newf(apperr.KindDuplicateDeposit, "transaction %s was already credited", txHash)
	}
	if err != nil {
		metrics.RecordDeposit("error")
		return nil, apperr.Transient(err, "credit deposit")
	}

	metrics.RecordDeposit("credited")
	if s.Logger != nil {
		s.Logger.Info("deposit credited",
			zap.String("user_id", userID),
			zap.String("tx_hash", txHash),
			zap.String("token", token),
			zap.String("amount", item.Amount.String()),
		)
	}
	return &ClaimResult{Deposit: item, Verification: v}, nil
}

func (s *Service) rejected(userID string, v *Verification) *ClaimResult {
	metrics.RecordDeposit("rejected")
	if s.Logger != nil {
		s.Logger.Info("deposit rejected",
			zap.String("user_id", userID),
			zap.String("tx_hash", v.TxHash),
			zap.String("reason", string(v.Reason)),
			zap.Uint64("confirmations", v.Confirmations),
		)
	}
	return &ClaimResult{Verification: v}
}
