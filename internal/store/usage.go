package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrBalanceExhausted rejects a deduction that would push pending usage
// past the subscription's effective balance.
var ErrBalanceExhausted = errors.New("balance exhausted")

// recentCallCap bounds the per-subscription call history.
const recentCallCap = 100

// CallEntry is one gated API call in a usage record's history.
type CallEntry struct {
	Timestamp time.Time `json:"timestamp"`
	APIPath   string    `json:"apiPath"`
	CostSats  Sats      `json:"costSats"`
	RequestID string    `json:"requestId,omitempty"`
}

// UsageRecord accumulates off-chain metering for one subscription.
// RecentCalls is newest-first and holds at most the last 100 entries.
type UsageRecord struct {
	TokenCategory   string      `json:"tokenCategory"`
	ContractAddress string      `json:"contractAddress"`
	PendingSats     Sats        `json:"pendingSats"`
	TotalSats       Sats        `json:"totalSats"`
	RecentCalls     []CallEntry `json:"recentCalls"`
	LastUsedAt      time.Time   `json:"lastUsedAt"`
}

// UsageParams describes one metered deduction.
type UsageParams struct {
	TokenCategory   string
	ContractAddress string
	// CurrentBalance is the cached on-chain balance at deduction time.
	CurrentBalance Sats
	CostSats       Sats
	APIPath        string
	RequestID      string
}

// UsageResult reports the meter state after an accepted deduction.
type UsageResult struct {
	PendingSats      Sats
	RemainingBalance Sats
}

// UsageStore is the off-chain usage meter, persisted as one JSON
// document. Deduction arithmetic runs under the lock; the disk flush
// happens after it is released.
type UsageStore struct {
	mu      sync.RWMutex
	records map[string]*UsageRecord

	fileMu sync.Mutex
	path   string
}

// NewUsageStore opens (or creates) the meter rooted at dataDir.
func NewUsageStore(dataDir string) (*UsageStore, error) {
	s := &UsageStore{
		records: make(map[string]*UsageRecord),
		path:    filepath.Join(dataDir, "usage.json"),
	}
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read usage store: %w", err)
	}
	var records []*UsageRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse usage store: %w", err)
	}
	for _, rec := range records {
		s.records[rec.TokenCategory] = rec
	}
	return s, nil
}

// RecordUsage admits one call against the subscription's effective
// balance (cached balance minus already-pending usage) and accrues its
// cost. The admission check and the increment are atomic per category.
func (s *UsageStore) RecordUsage(p UsageParams) (*UsageResult, error) {
	if p.CostSats <= 0 {
		return nil, fmt.Errorf("cost must be positive, got %d", p.CostSats)
	}

	s.mu.Lock()
	rec, ok := s.records[p.TokenCategory]
	if !ok {
		rec = &UsageRecord{
			TokenCategory:   p.TokenCategory,
			ContractAddress: p.ContractAddress,
		}
		s.records[p.TokenCategory] = rec
	}

	effective := p.CurrentBalance - rec.PendingSats
	if effective < p.CostSats {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: effective balance %d sats, call costs %d",
			ErrBalanceExhausted, effective, p.CostSats)
	}

	rec.PendingSats += p.CostSats
	rec.TotalSats += p.CostSats
	rec.LastUsedAt = time.Now().UTC()
	rec.RecentCalls = append([]CallEntry{{
		Timestamp: rec.LastUsedAt,
		APIPath:   p.APIPath,
		CostSats:  p.CostSats,
		RequestID: p.RequestID,
	}}, rec.RecentCalls...)
	if len(rec.RecentCalls) > recentCallCap {
		rec.RecentCalls = rec.RecentCalls[:recentCallCap]
	}

	result := &UsageResult{
		PendingSats:      rec.PendingSats,
		RemainingBalance: p.CurrentBalance - rec.PendingSats,
	}
	raw := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.flush(raw); err != nil {
		return nil, err
	}
	return result, nil
}

// ResetPendingSats subtracts a settled amount from pending usage,
// floored at zero. Deductions accepted while the settlement was in
// flight stay pending for the next claim.
func (s *UsageStore) ResetPendingSats(category string, claimedSats Sats) error {
	s.mu.Lock()
	rec, ok := s.records[category]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	rec.PendingSats -= claimedSats
	if rec.PendingSats < 0 {
		rec.PendingSats = 0
	}
	raw := s.snapshotLocked()
	s.mu.Unlock()
	return s.flush(raw)
}

// GetUsage returns a copy of one record, or nil if the category has no
// recorded usage.
func (s *UsageStore) GetUsage(category string) *UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[category]
	if !ok {
		return nil
	}
	cp := *rec
	cp.RecentCalls = append([]CallEntry(nil), rec.RecentCalls...)
	return &cp
}

// GetAllUsage returns copies of every record, ordered by category.
func (s *UsageStore) GetAllUsage() []*UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*UsageRecord, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		cp.RecentCalls = append([]CallEntry(nil), rec.RecentCalls...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenCategory < out[j].TokenCategory })
	return out
}

// GetTotalPendingSats sums unsettled usage across all subscriptions.
func (s *UsageStore) GetTotalPendingSats() Sats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total Sats
	for _, rec := range s.records {
		total += rec.PendingSats
	}
	return total
}

func (s *UsageStore) snapshotLocked() []byte {
	records := make([]*UsageRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].TokenCategory < records[j].TokenCategory
	})
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		panic(fmt.Sprintf("marshal usage store: %v", err))
	}
	return raw
}

func (s *UsageStore) flush(raw []byte) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	return writeFileAtomic(s.path, raw)
}
