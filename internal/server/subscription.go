package server

import (
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cashflow402/gateway/internal/apperr"
	"github.com/cashflow402/gateway/internal/covenant"
	"github.com/cashflow402/gateway/internal/keys"
	"github.com/cashflow402/gateway/internal/store"
	"github.com/cashflow402/gateway/internal/token"
)

type deployRequest struct {
	SubscriberAddress string      `json:"subscriberAddress"`
	PlanID            string      `json:"planId"`
	IntervalBlocks    int64       `json:"intervalBlocks"`
	AuthorizedSats    *store.Sats `json:"authorizedSats"`
	DepositSats       *store.Sats `json:"depositSats"`
}

type deployResponse struct {
	ContractAddress   string     `json:"contractAddress"`
	TokenAddress      string     `json:"tokenAddress"`
	TokenCategory     string     `json:"tokenCategory"`
	GenesisCommitment string     `json:"genesisCommitment"`
	FundingURI        string     `json:"fundingUri"`
	StartBlock        int64      `json:"startBlock"`
	IntervalBlocks    int64      `json:"intervalBlocks"`
	AuthorizedSats    store.Sats `json:"authorizedSats"`
	DepositSats       store.Sats `json:"depositSats"`
	Status            string     `json:"status"`
}

// handleDeploySubscription derives the covenant for a subscriber and
// registers it as pending until the genesis funding is seen.
func (s *Server) handleDeploySubscription(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperr.New(apperr.BadRequest, "invalid request body"))
		return
	}
	if req.SubscriberAddress == "" {
		s.renderError(c, apperr.New(apperr.BadRequest, "subscriberAddress is required"))
		return
	}
	resp, err := s.deploy(c, &req, req.SubscriberAddress)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

type createSessionResponse struct {
	SubscriberAddress string `json:"subscriberAddress"`
	// SubscriberWIF is returned for demo flows only; production clients
	// bring their own wallet.
	SubscriberWIF string `json:"subscriberWif"`
	deployResponse
}

// handleCreateSession generates a throwaway subscriber keypair and
// deploys a covenant for it in one step.
func (s *Server) handleCreateSession(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		s.renderError(c, apperr.New(apperr.BadRequest, "invalid request body"))
		return
	}

	kp, err := keys.GenerateKeypair(s.cfg.AddressPrefix())
	if err != nil {
		s.renderError(c, err)
		return
	}
	resp, err := s.deploy(c, &req, kp.Address)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createSessionResponse{
		SubscriberAddress: kp.Address,
		SubscriberWIF:     kp.WIF,
		deployResponse:    *resp,
	})
}

func (s *Server) deploy(c *gin.Context, req *deployRequest, subscriberAddress string) (*deployResponse, error) {
	subscriberPKH, err := keys.AddressToPKH(subscriberAddress)
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "invalid subscriberAddress", err)
	}

	interval := s.cfg.DefaultIntervalBlocks
	authorized := store.Sats(s.cfg.DefaultAuthorizedSats)
	deposit := store.Sats(s.cfg.DefaultDepositSats)
	var planID string

	if req.PlanID != "" {
		plan, err := s.plans.Get(req.PlanID)
		if err != nil {
			return nil, err
		}
		if plan.Status != store.PlanActive {
			return nil, apperr.Newf(apperr.Conflict, "plan %s is %s", plan.PlanID, plan.Status)
		}
		interval = plan.IntervalBlocks
		authorized = plan.AuthorizedSats
		planID = plan.PlanID
	}
	if req.IntervalBlocks > 0 {
		interval = req.IntervalBlocks
	}
	if req.AuthorizedSats != nil && *req.AuthorizedSats > 0 {
		authorized = *req.AuthorizedSats
	}
	if req.DepositSats != nil && *req.DepositSats > 0 {
		deposit = *req.DepositSats
	}
	// The NFT commitment stores the budget as a little-endian int32; a
	// larger value would wrap silently on chain.
	if authorized.Int64() > math.MaxInt32 {
		return nil, apperr.Newf(apperr.BadRequest,
			"authorizedSats must not exceed %d", math.MaxInt32)
	}

	inst, err := s.cov.Instantiate(covenant.Params{
		MerchantPKH:    s.merchant.PKH,
		SubscriberPKH:  subscriberPKH,
		IntervalBlocks: interval,
		MaxSats:        authorized.Int64(),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "cannot derive contract", err)
	}

	startBlock, err := s.provider.GetBlockHeight(c.Request.Context())
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "cannot read chain height", err)
	}

	commitment := keys.BuildNftCommitment(int32(startBlock), int32(authorized.Int64()))
	rec := &store.Subscription{
		ContractAddress:   inst.ContractAddress,
		TokenAddress:      inst.TokenAddress,
		TokenCategory:     store.PendingCategoryPrefix + uuid.NewString(),
		MerchantPKH:       hex.EncodeToString(s.merchant.PKH),
		SubscriberPKH:     hex.EncodeToString(subscriberPKH),
		MerchantAddress:   s.merchant.Address,
		SubscriberAddress: subscriberAddress,
		IntervalBlocks:    interval,
		AuthorizedSats:    authorized,
		DepositSats:       deposit,
		LastClaimBlock:    startBlock,
		Status:            store.StatusPendingFunding,
		PlanID:            planID,
	}
	if err := s.subs.Add(rec); err != nil {
		return nil, err
	}
	if planID != "" {
		if err := s.plans.IncrementSubscribers(planID); err != nil {
			s.log.Warn(c.Request.Context(), "Subscriber count bump failed", map[string]interface{}{
				"planId": planID, "reason": err.Error(),
			})
		}
	}
	if s.watcher != nil {
		if err := s.watcher.Watch(c.Request.Context(), inst.ContractAddress); err != nil {
			s.log.Warn(c.Request.Context(), "Contract watch failed", map[string]interface{}{
				"contract": inst.ContractAddress, "reason": err.Error(),
			})
		}
	}

	s.log.Info(c.Request.Context(), "Subscription deployed", map[string]interface{}{
		"contract":       inst.ContractAddress,
		"subscriber":     subscriberAddress,
		"intervalBlocks": interval,
		"authorizedSats": authorized,
	})
	return &deployResponse{
		ContractAddress:   inst.ContractAddress,
		TokenAddress:      inst.TokenAddress,
		TokenCategory:     rec.TokenCategory,
		GenesisCommitment: commitment,
		FundingURI:        fundingURI(inst.TokenAddress, deposit, rec.TokenCategory),
		StartBlock:        startBlock,
		IntervalBlocks:    interval,
		AuthorizedSats:    authorized,
		DepositSats:       deposit,
		Status:            string(store.StatusPendingFunding),
	}, nil
}

type autoFundRequest struct {
	ContractAddress string `json:"contractAddress"`
	SubscriberWIF   string `json:"subscriberWif"`
}

// handleAutoFund builds and broadcasts the genesis transaction from the
// subscriber's own wallet, then activates the record.
func (s *Server) handleAutoFund(c *gin.Context) {
	var req autoFundRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ContractAddress == "" || req.SubscriberWIF == "" {
		s.renderError(c, apperr.New(apperr.BadRequest, "contractAddress and subscriberWif are required"))
		return
	}
	rec, err := s.subs.GetByAddress(req.ContractAddress)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if rec.Status == store.StatusActive {
		c.JSON(http.StatusOK, gin.H{"status": "active", "alreadyActive": true, "tokenCategory": rec.TokenCategory})
		return
	}
	if rec.Status != store.StatusPendingFunding {
		s.renderError(c, apperr.Newf(apperr.Conflict, "subscription is %s", rec.Status))
		return
	}

	kp, err := keys.FromWIF(req.SubscriberWIF, s.cfg.AddressPrefix())
	if err != nil {
		s.renderError(c, apperr.Wrap(apperr.BadRequest, "invalid subscriberWif", err))
		return
	}
	if hex.EncodeToString(kp.PKH) != rec.SubscriberPKH {
		s.renderError(c, apperr.New(apperr.BadRequest, "subscriberWif does not match the contract's subscriber"))
		return
	}

	commitment := keys.BuildNftCommitment(int32(rec.LastClaimBlock), int32(rec.AuthorizedSats.Int64()))
	res, err := s.cov.BuildAndBroadcastGenesis(c.Request.Context(), covenant.GenesisParams{
		Subscriber:           kp,
		ContractTokenAddress: rec.TokenAddress,
		GenesisCommitment:    commitment,
		DepositSats:          rec.DepositSats.Int64(),
	})
	if err != nil {
		s.renderError(c, err)
		return
	}

	updated, err := s.subs.Patch(rec.ContractAddress, func(r *store.Subscription) {
		r.TokenCategory = res.TokenCategory
		r.Status = store.StatusActive
		r.Balance = r.DepositSats
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"txid":          res.TxID,
		"tokenCategory": res.TokenCategory,
		"status":        updated.Status,
		"balance":       updated.Balance,
	})
}

type fundConfirmRequest struct {
	ContractAddress string `json:"contractAddress"`
	TxID            string `json:"txid"`
}

// handleFundConfirm verifies externally broadcast genesis funding and
// activates the record. Idempotent: an already-active record is 200.
func (s *Server) handleFundConfirm(c *gin.Context) {
	var req fundConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ContractAddress == "" || req.TxID == "" {
		s.renderError(c, apperr.New(apperr.BadRequest, "contractAddress and txid are required"))
		return
	}
	rec, err := s.subs.GetByAddress(req.ContractAddress)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if rec.Status == store.StatusActive {
		c.JSON(http.StatusOK, gin.H{"status": "active", "alreadyActive": true, "tokenCategory": rec.TokenCategory})
		return
	}

	minFunding := rec.DepositSats.Int64()
	if minFunding <= 0 {
		minFunding = covenant.DustLimit
	}
	res, err := s.verif.VerifySubscriptionFunding(c.Request.Context(), req.TxID, rec.TokenAddress, rec.TokenCategory, minFunding)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if !res.Verified {
		s.renderError(c, apperr.Newf(apperr.PaymentRequired, "funding not verified: %s", res.Reason))
		return
	}

	updated, err := s.subs.Patch(rec.ContractAddress, func(r *store.Subscription) {
		r.TokenCategory = res.Category
		r.Status = store.StatusActive
		r.Balance = store.Sats(res.AmountSats)
		if last, _, err := keys.ParseNftCommitment(res.Commitment); err == nil {
			r.LastClaimBlock = int64(last)
		}
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	s.log.Info(c.Request.Context(), "Subscription funding confirmed", map[string]interface{}{
		"contract":      updated.ContractAddress,
		"tokenCategory": updated.TokenCategory,
		"balance":       updated.Balance,
	})
	c.JSON(http.StatusOK, updated)
}

// handleStatus refreshes the cached balance and reports claim
// eligibility.
func (s *Server) handleStatus(c *gin.Context) {
	addr := c.Param("addr")
	rec, err := s.settler.RefreshBalance(c.Request.Context(), addr)
	if err != nil {
		s.renderError(c, err)
		return
	}

	canClaimNow := false
	if rec.Status == store.StatusActive {
		if height, err := s.provider.GetBlockHeight(c.Request.Context()); err == nil {
			canClaimNow = height >= rec.LastClaimBlock+rec.IntervalBlocks
		}
	}

	resp := gin.H{"subscription": rec, "canClaimNow": canClaimNow}
	if u := s.usage.GetUsage(rec.TokenCategory); u != nil {
		resp["usage"] = u
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"subscriptions": s.subs.GetAll()})
}

// handleVerifySubscription issues a session token for an active
// subscription, addressed by token category or contract address.
func (s *Server) handleVerifySubscription(c *gin.Context) {
	var rec *store.Subscription
	var err error
	switch {
	case c.Query("tokenCategory") != "":
		rec, err = s.subs.GetByCategory(c.Query("tokenCategory"))
	case c.Query("contractAddress") != "":
		rec, err = s.subs.GetByAddress(c.Query("contractAddress"))
	default:
		s.renderError(c, apperr.New(apperr.BadRequest, "tokenCategory or contractAddress is required"))
		return
	}
	if err != nil {
		s.renderError(c, err)
		return
	}
	if rec.Status != store.StatusActive {
		s.renderError(c, apperr.Newf(apperr.PaymentRequired, "subscription is %s, not active", rec.Status))
		return
	}

	accessToken, err := s.signer.SignSubscription(rec.TokenCategory, rec.ContractAddress)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accessToken":      accessToken,
		"tokenType":        token.TypeSubscription,
		"expiresInSeconds": int(s.cfg.JWTExpirySubscription.Seconds()),
	})
}

type claimRequest struct {
	ContractAddress string `json:"contractAddress"`
}

func (s *Server) handleClaim(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ContractAddress == "" {
		s.renderError(c, apperr.New(apperr.BadRequest, "contractAddress is required"))
		return
	}
	res, err := s.settler.Claim(c.Request.Context(), req.ContractAddress)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type cancelRequest struct {
	ContractAddress string `json:"contractAddress"`
	SubscriberWIF   string `json:"subscriberWif"`
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ContractAddress == "" || req.SubscriberWIF == "" {
		s.renderError(c, apperr.New(apperr.BadRequest, "contractAddress and subscriberWif are required"))
		return
	}
	res, err := s.settler.Cancel(c.Request.Context(), req.ContractAddress, req.SubscriberWIF)
	if err != nil {
		s.renderError(c, err)
		return
	}
	if s.watcher != nil {
		s.watcher.Unwatch(req.ContractAddress)
	}
	c.JSON(http.StatusOK, res)
}

// fundingURI points a token-aware wallet at the contract's token
// address with the expected deposit and the pending category marker.
func fundingURI(tokenAddress string, deposit store.Sats, category string) string {
	bch := strconv.FormatFloat(float64(deposit)/1e8, 'f', 8, 64)
	q := url.Values{}
	q.Set("amount", bch)
	q.Set("label", "Subscription deposit")
	q.Set("message", "Fund your metered subscription")
	if category != "" && strings.HasPrefix(category, store.PendingCategoryPrefix) {
		q.Set("c", category)
	}
	return fmt.Sprintf("%s?%s", tokenAddress, q.Encode())
}
