// Package server assembles the HTTP surface: merchant plan management,
// subscription lifecycle, per-call payment redemption, webhooks, and
// the demo endpoints sitting behind the two gates.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cashflow402/gateway/internal/apperr"
	"github.com/cashflow402/gateway/internal/chain"
	"github.com/cashflow402/gateway/internal/config"
	"github.com/cashflow402/gateway/internal/covenant"
	"github.com/cashflow402/gateway/internal/gate"
	"github.com/cashflow402/gateway/internal/keys"
	"github.com/cashflow402/gateway/internal/logging"
	"github.com/cashflow402/gateway/internal/settle"
	"github.com/cashflow402/gateway/internal/store"
	"github.com/cashflow402/gateway/internal/token"
	"github.com/cashflow402/gateway/internal/verify"
	"github.com/cashflow402/gateway/internal/watch"
)

// Server bundles every collaborator behind the HTTP handlers.
type Server struct {
	cfg      *config.Config
	log      *logging.Logger
	merchant *keys.Keypair

	subs   *store.SubscriptionStore
	usage  *store.UsageStore
	plans  *store.PlanStore
	nonces *store.NonceStore

	provider chain.Provider
	cov      *covenant.Covenant
	verif    *verify.Verifier
	signer   *token.Signer
	settler  *settle.Orchestrator
	gate     *gate.Gate
	watcher  *watch.Watcher

	http *http.Server
}

// Deps carries the server's collaborators.
type Deps struct {
	Config   *config.Config
	Logger   *logging.Logger
	Merchant *keys.Keypair

	Subscriptions *store.SubscriptionStore
	Usage         *store.UsageStore
	Plans         *store.PlanStore
	Nonces        *store.NonceStore

	Provider chain.Provider
	Covenant *covenant.Covenant
	Verifier *verify.Verifier
	Signer   *token.Signer
	Settler  *settle.Orchestrator
	Gate     *gate.Gate
	Watcher  *watch.Watcher
}

// New creates the server.
func New(d Deps) (*Server, error) {
	if d.Config == nil || d.Merchant == nil {
		return nil, errors.New("server: config and merchant keypair are required")
	}
	log := d.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		cfg:      d.Config,
		log:      log,
		merchant: d.Merchant,
		subs:     d.Subscriptions,
		usage:    d.Usage,
		plans:    d.Plans,
		nonces:   d.Nonces,
		provider: d.Provider,
		cov:      d.Covenant,
		verif:    d.Verifier,
		signer:   d.Signer,
		settler:  d.Settler,
		gate:     d.Gate,
		watcher:  d.Watcher,
	}, nil
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID())

	r.GET("/healthz", s.handleHealthz)

	merchant := r.Group("/merchant")
	{
		merchant.POST("/plan", s.handleCreatePlan)
		merchant.GET("/plans", s.handleListPlans)
		merchant.GET("/plans/:id", s.handleGetPlan)
		merchant.PATCH("/plans/:id", s.handleUpdatePlan)
		merchant.GET("/dashboard", s.handleDashboard)
		merchant.POST("/claim-all", s.handleClaimAll)
	}

	r.POST("/deploy-subscription", s.handleDeploySubscription)

	sub := r.Group("/subscription")
	{
		sub.POST("/create-session", s.handleCreateSession)
		sub.POST("/auto-fund", s.handleAutoFund)
		sub.POST("/fund-confirm", s.handleFundConfirm)
		sub.GET("/status/:addr", s.handleStatus)
		sub.GET("/list", s.handleList)
		sub.GET("/verify", s.handleVerifySubscription)
		sub.POST("/claim", s.handleClaim)
		sub.POST("/cancel", s.handleCancel)
	}

	r.GET("/payment/challenge", s.handleChallenge)
	r.POST("/verify-payment", s.handleVerifyPayment)

	webhook := r.Group("/webhook", s.webhookAuth())
	{
		webhook.POST("/tx-confirmed", s.handleTxConfirmed)
		webhook.POST("/block", s.handleBlock)
	}

	// Demo endpoints behind each gate.
	r.GET("/api/premium/hello", s.gate.RequirePayment(), s.handlePremiumHello)
	r.GET("/api/subscription/data", s.gate.Router402(), s.handleSubscriptionData)
	r.GET("/api/subscription/data/records", s.gate.Router402(), s.handleSubscriptionData)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "Gateway listening", map[string]interface{}{
			"port":    s.cfg.Port,
			"network": s.cfg.Network,
		})
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// requestID tags every request with a uuid, on the context for log
// correlation and on the response for clients.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// webhookAuth enforces the shared webhook secret when one is set.
// Without a configured secret the endpoints stay open for development.
func (s *Server) webhookAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.WebhookSecret != "" && c.GetHeader("X-Webhook-Secret") != s.cfg.WebhookSecret {
			s.renderError(c, apperr.New(apperr.Unauthorized, "webhook secret mismatch"))
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	body := gin.H{
		"status":        "ok",
		"network":       s.cfg.Network,
		"subscriptions": len(s.subs.GetAll()),
		"time":          time.Now().UTC(),
	}
	if height, err := s.provider.GetBlockHeight(c.Request.Context()); err == nil {
		body["blockHeight"] = height
	} else {
		body["status"] = "degraded"
		body["chainError"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// renderError maps a classified error onto the uniform error body.
func (s *Server) renderError(c *gin.Context, err error) {
	status := apperr.StatusOf(err)
	body := gin.H{"error": err.Error()}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		body["error"] = ae.Msg
		if ae.Err != nil {
			body["detail"] = ae.Err.Error()
		}
		if ae.Hint != "" {
			body["hint"] = ae.Hint
		}
	}
	if id := logging.RequestID(c.Request.Context()); id != "" {
		body["requestId"] = id
	}
	if status >= http.StatusInternalServerError {
		s.log.Error(c.Request.Context(), "Request failed", err, map[string]interface{}{
			"path": c.Request.URL.Path,
		})
	}
	c.AbortWithStatusJSON(status, body)
}
