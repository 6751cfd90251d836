package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cashflow402/gateway/internal/apperr"
	"github.com/cashflow402/gateway/internal/store"
)

type createPlanRequest struct {
	Name           string      `json:"name"`
	Description    string      `json:"description"`
	AuthorizedSats *store.Sats `json:"authorizedSats"`
	IntervalBlocks int64       `json:"intervalBlocks"`
	PerCallSats    store.Sats  `json:"perCallSats"`
	AllowedPaths   []string    `json:"allowedPaths"`
}

func (s *Server) handleCreatePlan(c *gin.Context) {
	var req createPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperr.New(apperr.BadRequest, "invalid request body"))
		return
	}
	if req.Name == "" || req.AuthorizedSats == nil || *req.AuthorizedSats <= 0 {
		s.renderError(c, apperr.New(apperr.BadRequest, "name and authorizedSats are required"))
		return
	}

	plan := &store.Plan{
		Name:            req.Name,
		Description:     req.Description,
		AuthorizedSats:  *req.AuthorizedSats,
		IntervalBlocks:  req.IntervalBlocks,
		PerCallSats:     req.PerCallSats,
		AllowedPaths:    req.AllowedPaths,
		MerchantAddress: s.merchant.Address,
	}
	if plan.IntervalBlocks <= 0 {
		plan.IntervalBlocks = s.cfg.DefaultIntervalBlocks
	}
	if plan.PerCallSats <= 0 {
		plan.PerCallSats = store.Sats(s.cfg.DefaultPerCallRateSats)
	}
	s.plans.Create(plan)

	s.log.Info(c.Request.Context(), "Plan created", map[string]interface{}{
		"planId": plan.PlanID,
		"name":   plan.Name,
	})
	c.JSON(http.StatusCreated, plan)
}

func (s *Server) handleListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": s.plans.List()})
}

func (s *Server) handleGetPlan(c *gin.Context) {
	plan, err := s.plans.Get(c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

type updatePlanRequest struct {
	Name           *string     `json:"name"`
	Description    *string     `json:"description"`
	AuthorizedSats *store.Sats `json:"authorizedSats"`
	IntervalBlocks *int64      `json:"intervalBlocks"`
	PerCallSats    *store.Sats `json:"perCallSats"`
	AllowedPaths   []string    `json:"allowedPaths"`
	Status         *string     `json:"status"`
}

func (s *Server) handleUpdatePlan(c *gin.Context) {
	var req updatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.renderError(c, apperr.New(apperr.BadRequest, "invalid request body"))
		return
	}
	if req.Status != nil {
		switch store.PlanStatus(*req.Status) {
		case store.PlanActive, store.PlanPaused, store.PlanArchived:
		default:
			s.renderError(c, apperr.Newf(apperr.BadRequest, "unknown plan status %q", *req.Status))
			return
		}
	}

	plan, err := s.plans.Update(c.Param("id"), func(p *store.Plan) {
		if req.Name != nil {
			p.Name = *req.Name
		}
		if req.Description != nil {
			p.Description = *req.Description
		}
		if req.AuthorizedSats != nil && *req.AuthorizedSats > 0 {
			p.AuthorizedSats = *req.AuthorizedSats
		}
		if req.IntervalBlocks != nil && *req.IntervalBlocks > 0 {
			p.IntervalBlocks = *req.IntervalBlocks
		}
		if req.PerCallSats != nil && *req.PerCallSats > 0 {
			p.PerCallSats = *req.PerCallSats
		}
		if len(req.AllowedPaths) > 0 {
			p.AllowedPaths = req.AllowedPaths
		}
		if req.Status != nil {
			p.Status = store.PlanStatus(*req.Status)
		}
	})
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// handleDashboard aggregates plans, subscriptions, and usage for the
// merchant overview.
func (s *Server) handleDashboard(c *gin.Context) {
	subs := s.subs.GetAll()
	var active, pending int
	var totalBalance store.Sats
	for _, rec := range subs {
		switch rec.Status {
		case store.StatusActive:
			active++
			totalBalance += rec.Balance
		case store.StatusPendingFunding:
			pending++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"summary": gin.H{
			"merchantAddress":      s.merchant.Address,
			"network":              s.cfg.Network,
			"totalSubscriptions":   len(subs),
			"activeSubscriptions":  active,
			"pendingSubscriptions": pending,
			"totalBalanceSats":     totalBalance,
			"totalPendingSats":     s.usage.GetTotalPendingSats(),
		},
		"plans":         s.plans.List(),
		"subscriptions": subs,
		"usage":         s.usage.GetAllUsage(),
	})
}

func (s *Server) handleClaimAll(c *gin.Context) {
	res := s.settler.ClaimAll(c.Request.Context())
	c.JSON(http.StatusOK, res)
}
