package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cashflow402/gateway/internal/apperr"
)

// Status is a subscription lifecycle state.
type Status string

const (
	StatusPendingFunding Status = "pending_funding"
	StatusActive         Status = "active"
	StatusCancelled      Status = "cancelled"
	StatusExpired        Status = "expired"
)

// PendingCategoryPrefix marks a tokenCategory placeholder assigned
// before the genesis transaction fixes the real category.
const PendingCategoryPrefix = "pending_"

// Subscription is the primary persisted entity: one covenant contract
// and its cached chain state.
type Subscription struct {
	ContractAddress   string    `json:"contractAddress"`
	TokenAddress      string    `json:"tokenAddress"`
	TokenCategory     string    `json:"tokenCategory"`
	MerchantPKH       string    `json:"merchantPkh"`
	SubscriberPKH     string    `json:"subscriberPkh"`
	MerchantAddress   string    `json:"merchantAddress"`
	SubscriberAddress string    `json:"subscriberAddress"`
	IntervalBlocks    int64     `json:"intervalBlocks"`
	AuthorizedSats    Sats      `json:"authorizedSats"`
	DepositSats       Sats      `json:"depositSats"`
	LastClaimBlock    int64     `json:"lastClaimBlock"`
	Balance           Sats      `json:"balance"`
	Status            Status    `json:"status"`
	PlanID            string    `json:"planId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Funded reports whether the genesis transaction has fixed the real
// token category.
func (s *Subscription) Funded() bool {
	return s.TokenCategory != "" && !strings.HasPrefix(s.TokenCategory, PendingCategoryPrefix)
}

// SubscriptionStore keeps subscriptions in memory with a disk-backed
// JSON document flushed on every mutation. The category index is
// rebuilt on load and kept consistent across all mutations.
type SubscriptionStore struct {
	mu        sync.RWMutex
	byAddress map[string]*Subscription
	byCat     map[string]string

	fileMu sync.Mutex
	path   string
}

// NewSubscriptionStore opens (or creates) the store rooted at dataDir.
func NewSubscriptionStore(dataDir string) (*SubscriptionStore, error) {
	s := &SubscriptionStore{
		byAddress: make(map[string]*Subscription),
		byCat:     make(map[string]string),
		path:      filepath.Join(dataDir, "subscriptions.json"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SubscriptionStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read subscription store: %w", err)
	}
	var records []*Subscription
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("parse subscription store: %w", err)
	}
	for _, rec := range records {
		s.byAddress[rec.ContractAddress] = rec
		if rec.TokenCategory != "" {
			s.byCat[rec.TokenCategory] = rec.ContractAddress
		}
	}
	return nil
}

// Add inserts a new subscription. Both the contract address and the
// token category must be unused.
func (s *SubscriptionStore) Add(sub *Subscription) error {
	s.mu.Lock()
	if _, exists := s.byAddress[sub.ContractAddress]; exists {
		s.mu.Unlock()
		return apperr.Newf(apperr.Conflict, "subscription %s already exists", sub.ContractAddress)
	}
	if addr, exists := s.byCat[sub.TokenCategory]; exists {
		s.mu.Unlock()
		return apperr.Newf(apperr.Conflict, "token category %s already bound to %s", sub.TokenCategory, addr)
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	cp := *sub
	s.byAddress[cp.ContractAddress] = &cp
	s.byCat[cp.TokenCategory] = cp.ContractAddress
	raw := s.snapshotLocked()
	s.mu.Unlock()
	return s.flush(raw)
}

// GetByAddress returns a copy of the record at the contract address.
func (s *SubscriptionStore) GetByAddress(addr string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byAddress[addr]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "subscription %s not found", addr)
	}
	cp := *rec
	return &cp, nil
}

// GetByCategory resolves a token category through the secondary index.
func (s *SubscriptionStore) GetByCategory(category string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.byCat[category]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "no subscription for token category %s", category)
	}
	cp := *s.byAddress[addr]
	return &cp, nil
}

// GetAll returns copies of every record, ordered by creation time.
func (s *SubscriptionStore) GetAll() []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subscription, 0, len(s.byAddress))
	for _, rec := range s.byAddress {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Patch applies fn to the record at addr, restamps updatedAt, re-indexes
// the token category, and flushes.
func (s *SubscriptionStore) Patch(addr string, fn func(*Subscription)) (*Subscription, error) {
	s.mu.Lock()
	rec, ok := s.byAddress[addr]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.Newf(apperr.NotFound, "subscription %s not found", addr)
	}
	oldCat := rec.TokenCategory
	fn(rec)
	rec.UpdatedAt = time.Now().UTC()
	if rec.TokenCategory != oldCat {
		delete(s.byCat, oldCat)
		s.byCat[rec.TokenCategory] = addr
	}
	cp := *rec
	raw := s.snapshotLocked()
	s.mu.Unlock()
	if err := s.flush(raw); err != nil {
		return nil, err
	}
	return &cp, nil
}

// SetStatus moves a subscription to the given lifecycle state.
func (s *SubscriptionStore) SetStatus(addr string, status Status) (*Subscription, error) {
	return s.Patch(addr, func(rec *Subscription) { rec.Status = status })
}

// RecordClaim persists the post-settlement chain state.
func (s *SubscriptionStore) RecordClaim(addr string, newLastClaimBlock int64, newBalance Sats) (*Subscription, error) {
	return s.Patch(addr, func(rec *Subscription) {
		rec.LastClaimBlock = newLastClaimBlock
		rec.Balance = newBalance
	})
}

// Remove deletes a record and its category index entry.
func (s *SubscriptionStore) Remove(addr string) error {
	s.mu.Lock()
	rec, ok := s.byAddress[addr]
	if !ok {
		s.mu.Unlock()
		return apperr.Newf(apperr.NotFound, "subscription %s not found", addr)
	}
	delete(s.byCat, rec.TokenCategory)
	delete(s.byAddress, addr)
	raw := s.snapshotLocked()
	s.mu.Unlock()
	return s.flush(raw)
}

func (s *SubscriptionStore) snapshotLocked() []byte {
	records := make([]*Subscription, 0, len(s.byAddress))
	for _, rec := range s.byAddress {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		// Subscription has no unmarshalable fields.
		panic(fmt.Sprintf("marshal subscription store: %v", err))
	}
	return raw
}

// flush writes atomically: temp file in the same directory, then rename.
func (s *SubscriptionStore) flush(raw []byte) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return writeFileAtomic(s.path, raw)
}

func writeFileAtomic(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
