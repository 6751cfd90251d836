package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cashflow402/gateway/internal/apperr"
	"github.com/cashflow402/gateway/internal/gate"
	"github.com/cashflow402/gateway/internal/store"
	"github.com/cashflow402/gateway/internal/token"
)

// handleChallenge mints a payment challenge on demand, for clients that
// want to pre-pay before hitting a gated endpoint.
func (s *Server) handleChallenge(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		path = "/api/premium/hello"
	}
	c.JSON(http.StatusOK, s.gate.NewChallenge(path))
}

type verifyPaymentRequest struct {
	TxID  string `json:"txid"`
	Nonce string `json:"nonce"`
}

func (s *Server) handleVerifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperr.New(apperr.BadRequest, "invalid request body"))
		return
	}
	res, err := s.gate.VerifyPayment(c.Request.Context(), req.TxID, req.Nonce)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type txConfirmedRequest struct {
	TxID            string `json:"txid"`
	ContractAddress string `json:"contractAddress"`
}

// handleTxConfirmed lets an external notifier (wallet, indexer) push a
// confirmation: pending contracts get an activation attempt, active
// ones a balance refresh.
func (s *Server) handleTxConfirmed(c *gin.Context) {
	var req txConfirmedRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ContractAddress == "" {
		s.renderError(c, apperr.New(apperr.BadRequest, "contractAddress is required"))
		return
	}
	rec, err := s.subs.GetByAddress(req.ContractAddress)
	if err != nil {
		s.renderError(c, err)
		return
	}

	switch rec.Status {
	case store.StatusPendingFunding:
		if req.TxID == "" {
			s.renderError(c, apperr.New(apperr.BadRequest, "txid is required for a pending contract"))
			return
		}
		res, err := s.verif.VerifySubscriptionFunding(c.Request.Context(), req.TxID, rec.TokenAddress, rec.TokenCategory, 1)
		if err != nil {
			s.renderError(c, err)
			return
		}
		if !res.Verified {
			c.JSON(http.StatusOK, gin.H{"activated": false, "reason": res.Reason})
			return
		}
		updated, err := s.subs.Patch(rec.ContractAddress, func(r *store.Subscription) {
			r.TokenCategory = res.Category
			r.Status = store.StatusActive
			r.Balance = store.Sats(res.AmountSats)
		})
		if err != nil {
			s.renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"activated": true, "subscription": updated})
	case store.StatusActive:
		updated, err := s.settler.RefreshBalance(c.Request.Context(), rec.ContractAddress)
		if err != nil {
			s.renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"refreshed": true, "subscription": updated})
	default:
		c.JSON(http.StatusOK, gin.H{"ignored": true, "status": rec.Status})
	}
}

type blockWebhookRequest struct {
	Height int64 `json:"height"`
}

// handleBlock is the block-notice maintenance hook: it logs the tip and
// sweeps expired challenges.
func (s *Server) handleBlock(c *gin.Context) {
	var req blockWebhookRequest
	_ = c.ShouldBindJSON(&req)
	s.nonces.Sweep()
	s.log.Info(c.Request.Context(), "Block notice", map[string]interface{}{
		"height": req.Height,
	})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handlePremiumHello sits behind the per-call gate.
func (s *Server) handlePremiumHello(c *gin.Context) {
	resp := gin.H{"message": "hello, paid caller"}
	if v, ok := c.Get(gate.PaymentContextKey); ok {
		if claims, ok := v.(*token.Claims); ok {
			resp["paidWithTxid"] = claims.TxID
			resp["amountSats"] = claims.AmountSats
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleSubscriptionData sits behind Router402 and echoes the metered
// call context, including the claim txid when this call tripped a
// just-in-time settlement.
func (s *Server) handleSubscriptionData(c *gin.Context) {
	resp := gin.H{
		"data": gin.H{"series": []int{4, 8, 15, 16, 23, 42}},
	}
	if call := gate.CallFromContext(c); call != nil {
		resp["costSats"] = call.CostSats
		resp["remainingBalance"] = call.RemainingBalance
		resp["pendingSats"] = call.PendingSats
		if call.ClaimTxID != "" {
			resp["claimTxid"] = call.ClaimTxID
		}
	}
	c.JSON(http.StatusOK, resp)
}
