package gate

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cashflow402/gateway/internal/logging"
	"github.com/cashflow402/gateway/internal/store"
	"github.com/cashflow402/gateway/internal/token"
)

// SubscriptionContextKey is where Router402 stores the metered call
// context on the gin context.
const SubscriptionContextKey = "subscriptionCall"

// CallContext describes an admitted metered call.
type CallContext struct {
	TokenCategory    string     `json:"tokenCategory"`
	ContractAddress  string     `json:"contractAddress"`
	CostSats         store.Sats `json:"costSats"`
	RemainingBalance store.Sats `json:"remainingBalance"`
	PendingSats      store.Sats `json:"pendingSats"`
	RequestID        string     `json:"requestId"`
	PlanID           string     `json:"planId,omitempty"`
	// ClaimTxID is set when this call tripped a just-in-time settlement.
	ClaimTxID string `json:"claimTxid,omitempty"`
}

// CallFromContext returns the metered call context attached by
// Router402, or nil outside a gated handler.
func CallFromContext(c *gin.Context) *CallContext {
	v, ok := c.Get(SubscriptionContextKey)
	if !ok {
		return nil
	}
	cc, _ := v.(*CallContext)
	return cc
}

// RouteOption tunes Router402 per route.
type RouteOption func(*routeOptions)

type routeOptions struct {
	perCallSats store.Sats
}

// WithPerCallSats overrides the per-call price for one route.
func WithPerCallSats(sats store.Sats) RouteOption {
	return func(o *routeOptions) { o.perCallSats = sats }
}

// Router402 meters requests against a funded subscription. The token
// category is taken from X-Subscription-Token, a bearer subscription
// token, or the tokenCategory query parameter, in that order.
func (g *Gate) Router402(opts ...RouteOption) gin.HandlerFunc {
	var o routeOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(c *gin.Context) {
		category := g.resolveCategory(c)
		if category == "" {
			g.reject(c, "subscription required",
				"subscribe via /deploy-subscription and pass your token category in X-Subscription-Token")
			return
		}

		rec, err := g.subs.GetByCategory(category)
		if err != nil {
			g.reject(c, "unknown subscription", "no subscription matches this token category")
			return
		}
		if rec.Status != store.StatusActive {
			g.reject(c, "subscription is "+string(rec.Status), statusHint(rec.Status))
			return
		}

		cost := g.defaultRate
		if o.perCallSats > 0 {
			cost = o.perCallSats
		}
		var plan *store.Plan
		if rec.PlanID != "" {
			plan, err = g.plans.Get(rec.PlanID)
			if err != nil {
				g.reject(c, "subscription plan missing", "contact the merchant")
				return
			}
			if plan.Status != store.PlanActive {
				g.reject(c, "plan is "+string(plan.Status), "the merchant has paused or retired this plan")
				return
			}
			if !store.IsPathAllowed(plan, c.Request.URL.Path) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "path not covered by plan",
					"hint":  "this endpoint is outside the plan's allowed paths",
				})
				return
			}
			if o.perCallSats == 0 && plan.PerCallSats > 0 {
				cost = plan.PerCallSats
			}
		}

		requestID := logging.RequestID(c.Request.Context())
		res, err := g.usage.RecordUsage(store.UsageParams{
			TokenCategory:   rec.TokenCategory,
			ContractAddress: rec.ContractAddress,
			CurrentBalance:  rec.Balance,
			CostSats:        cost,
			APIPath:         c.Request.URL.Path,
			RequestID:       requestID,
		})
		if err != nil {
			if errors.Is(err, store.ErrBalanceExhausted) {
				g.reject(c, "balance exhausted", "top up by funding a new subscription or settling and re-depositing")
				return
			}
			g.log.Error(c.Request.Context(), "Usage deduction failed", err, nil)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "usage meter failure"})
			return
		}

		call := &CallContext{
			TokenCategory:    rec.TokenCategory,
			ContractAddress:  rec.ContractAddress,
			CostSats:         cost,
			RemainingBalance: res.RemainingBalance,
			PendingSats:      res.PendingSats,
			RequestID:        requestID,
		}
		if plan != nil {
			call.PlanID = plan.PlanID
		}

		// Settle opportunistically once pending usage crosses the
		// threshold, so the txid is visible on this response. A failed
		// claim never fails the call.
		if g.settler != nil && g.jitThreshold > 0 && res.PendingSats >= g.jitThreshold {
			claim, claimErr := g.settler.ClaimByCategory(c.Request.Context(), rec.TokenCategory)
			if claimErr != nil {
				g.log.Warn(c.Request.Context(), "Just-in-time settlement failed", map[string]interface{}{
					"tokenCategory": rec.TokenCategory,
					"reason":        claimErr.Error(),
				})
			} else {
				call.ClaimTxID = claim.TxID
				c.Header("X-Claim-Txid", claim.TxID)
			}
		}

		c.Set(SubscriptionContextKey, call)
		c.Header("X-Subscription-Cost-Sats", strconv.FormatInt(cost.Int64(), 10))
		c.Header("X-Subscription-Balance-Sats", strconv.FormatInt(res.RemainingBalance.Int64(), 10))
		c.Header("X-Subscription-Pending-Sats", strconv.FormatInt(res.PendingSats.Int64(), 10))
		c.Header("X-Subscription-Token-Category", rec.TokenCategory)
		if requestID != "" {
			c.Header("X-Request-Id", requestID)
		}
		c.Next()
	}
}

func (g *Gate) resolveCategory(c *gin.Context) string {
	if cat := c.GetHeader("X-Subscription-Token"); cat != "" {
		// The header may carry either the raw category or a signed
		// subscription token.
		if claims, err := g.signer.Verify(cat); err == nil && claims.Type == token.TypeSubscription {
			return claims.TokenCategory
		}
		return cat
	}
	if bearer := extractBearer(c); bearer != "" {
		if claims, err := g.signer.Verify(bearer); err == nil && claims.Type == token.TypeSubscription {
			return claims.TokenCategory
		}
	}
	return c.Query("tokenCategory")
}

func (g *Gate) reject(c *gin.Context, msg, hint string) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error": msg,
		"hint":  hint,
	})
}

func statusHint(s store.Status) string {
	switch s {
	case store.StatusPendingFunding:
		return "fund the contract and confirm via /subscription/fund-confirm"
	case store.StatusCancelled:
		return "this subscription was cancelled; deploy a new one"
	case store.StatusExpired:
		return "the deposit is spent; deploy and fund a new subscription"
	default:
		return ""
	}
}
