package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cashflow402/gateway/internal/apperr"
)

// PlanStatus is a plan lifecycle state.
type PlanStatus string

const (
	PlanActive   PlanStatus = "active"
	PlanPaused   PlanStatus = "paused"
	PlanArchived PlanStatus = "archived"
)

// DefaultAllowedPaths gates plan subscribers to the public API surface
// unless the merchant narrows it.
var DefaultAllowedPaths = []string{"/api/*"}

// Plan is a merchant-defined subscription offering.
type Plan struct {
	PlanID          string     `json:"planId"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	AuthorizedSats  Sats       `json:"authorizedSats"`
	IntervalBlocks  int64      `json:"intervalBlocks"`
	PerCallSats     Sats       `json:"perCallSats"`
	AllowedPaths    []string   `json:"allowedPaths"`
	MerchantAddress string     `json:"merchantAddress"`
	Status          PlanStatus `json:"status"`
	SubscriberCount int64      `json:"subscriberCount"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// PlanStore is the in-memory plan registry.
type PlanStore struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewPlanStore creates an empty registry.
func NewPlanStore() *PlanStore {
	return &PlanStore{plans: make(map[string]*Plan)}
}

// Create registers a plan, assigning its uuid and defaults.
func (s *PlanStore) Create(p *Plan) *Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	p.PlanID = uuid.NewString()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = PlanActive
	}
	if len(p.AllowedPaths) == 0 {
		p.AllowedPaths = append([]string(nil), DefaultAllowedPaths...)
	}
	cp := *p
	s.plans[cp.PlanID] = &cp
	return p
}

// Get returns a copy of the plan.
func (s *PlanStore) Get(planID string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planID]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "plan %s not found", planID)
	}
	cp := *p
	cp.AllowedPaths = append([]string(nil), p.AllowedPaths...)
	return &cp, nil
}

// List returns copies of all plans ordered by creation time.
func (s *PlanStore) List() []*Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Plan, 0, len(s.plans))
	for _, p := range s.plans {
		cp := *p
		cp.AllowedPaths = append([]string(nil), p.AllowedPaths...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Update applies fn to the live plan and restamps updatedAt.
func (s *PlanStore) Update(planID string, fn func(*Plan)) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "plan %s not found", planID)
	}
	fn(p)
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	cp.AllowedPaths = append([]string(nil), p.AllowedPaths...)
	return &cp, nil
}

// Delete removes a plan from the registry.
func (s *PlanStore) Delete(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[planID]; !ok {
		return apperr.Newf(apperr.NotFound, "plan %s not found", planID)
	}
	delete(s.plans, planID)
	return nil
}

// IncrementSubscribers bumps the plan's subscriber count.
func (s *PlanStore) IncrementSubscribers(planID string) error {
	_, err := s.Update(planID, func(p *Plan) { p.SubscriberCount++ })
	return err
}

// IsPathAllowed matches a request path against the plan's glob
// patterns. `*` matches exactly one path segment, except that a
// trailing `*` matches one or more remaining segments, so `/api/*`
// admits `/api/data` and `/api/data/records` alike.
func IsPathAllowed(p *Plan, path string) bool {
	for _, pattern := range p.AllowedPaths {
		if globMatch(pattern, path) {
			return true
		}
	}
	return false
}

func globMatch(pattern, path string) bool {
	pat := splitPath(pattern)
	seg := splitPath(path)
	for i, p := range pat {
		if p == "*" && i == len(pat)-1 {
			return len(seg) > i
		}
		if i >= len(seg) {
			return false
		}
		if p != "*" && p != seg[i] {
			return false
		}
	}
	return len(seg) == len(pat)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
