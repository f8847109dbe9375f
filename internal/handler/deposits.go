package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dcaengine/internal/chain"
	"dcaengine/internal/deposit"
	"dcaengine/internal/models"
	"dcaengine/internal/repository"
)

// AccountHandler serves the caller's custodial account: deposits, balances
// and the payout wallet.
type AccountHandler struct {
	Repo     repository.Repository
	Deposits *deposit.Service
}

func (h *AccountHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1")
	g.POST("/deposits", h.claim)
	g.GET("/deposits", h.listDeposits)
	g.GET("/deposits/verify/:txHash", h.verify)
	g.GET("/balances", h.balances)
	g.PUT("/wallet", h.putWallet)
}

type claimRequest struct {
	TxHash string `json:"txHash" binding:"required"`
}

func (h *AccountHandler) claim(c *gin.Context) {
	if h.Deposits == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "txHash required", nil)
		return
	}
	res, err := h.Deposits.Claim(c.Request.Context(), userID, req.TxHash)
	if err != nil {
		Fail(c, err)
		return
	}
	if res.Deposit == nil {
		// Not a usable deposit (yet); the verification says why.
		c.JSON(http.StatusUnprocessableEntity, apiResponse{
			Code:    http.StatusUnprocessableEntity,
			Message: res.Verification.Error,
			Kind:    string(res.Verification.Reason),
			Data:    res,
		})
		return
	}
	c.JSON(http.StatusCreated, apiResponse{Message: "ok", Data: res})
}

// verify runs the on-chain checks without crediting anything.
func (h *AccountHandler) verify(c *gin.Context) {
	if h.Deposits == nil || h.Deposits.Verifier == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	v, err := h.Deposits.Verifier.Verify(c.Request.Context(), c.Param("txHash"))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, v, nil)
}

func (h *AccountHandler) listDeposits(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limit, offset := pageQuery(c)
	items, err := h.Repo.ListDeposits(c.Request.Context(), userID, limit, offset)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, len(items)))
}

type balanceView struct {
	TokenAddress string `json:"tokenAddress"`
	Amount       string `json:"amount"`
	Locked       string `json:"locked"`
	Available    string `json:"available"`
}

func (h *AccountHandler) balances(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	items, err := h.Repo.ListBalances(c.Request.Context(), userID)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	out := make([]balanceView, 0, len(items))
	for _, b := range items {
		out = append(out, balanceView{
			TokenAddress: b.TokenAddress,
			Amount:       b.Amount.String(),
			Locked:       b.LockedAmount.String(),
			Available:    b.Available().String(),
		})
	}
	Ok(c, out, nil)
}

type walletRequest struct {
	WalletAddress string `json:"walletAddress" binding:"required"`
}

// putWallet registers the address that receives swap output and that
// deposits must come from.
func (h *AccountHandler) putWallet(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req walletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "walletAddress required", nil)
		return
	}
	addr := strings.TrimSpace(req.WalletAddress)
	if !chain.ValidAddress(addr) || chain.IsNative(addr) {
		Error(c, http.StatusBadRequest, "invalid wallet address", nil)
		return
	}
	item := &models.User{ID: userID, WalletAddress: chain.NormalizeAddress(addr)}
	if err := h.Repo.UpsertUser(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}
