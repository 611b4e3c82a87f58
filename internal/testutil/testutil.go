// Package testutil provides in-memory collaborators for package tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MarketStore is an in-memory domain.MarketStore.
type MarketStore struct {
	mu      sync.Mutex
	markets map[string]domain.Market
	Inserts int
	Flagged map[string]string
}

// NewMarketStore returns a store seeded with markets.
func NewMarketStore(markets ...domain.Market) *MarketStore {
	s := &MarketStore{markets: make(map[string]domain.Market), Flagged: make(map[string]string)}
	for _, m := range markets {
		s.markets[m.ID] = m
	}
	return s
}

func (s *MarketStore) InsertMarkets(_ context.Context, markets []domain.Market) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range markets {
		if _, ok := s.markets[m.ID]; ok {
			return nil, fmt.Errorf("insert market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
	}
	for _, m := range markets {
		s.markets[m.ID] = m
	}
	s.Inserts++
	return append([]domain.Market(nil), markets...), nil
}

func (s *MarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("market %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (s *MarketStore) UpdateResolution(_ context.Context, id string, res domain.Resolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return false, fmt.Errorf("market %s: %w", id, domain.ErrNotFound)
	}
	if m.Result != nil {
		return false, nil
	}
	result, conf, reason := res.Result, res.Confidence, res.Reasoning
	now := time.Now()
	m.Result = &result
	m.ResolutionConfidence = &conf
	m.ResolutionReasoning = &reason
	m.ResolutionSources = append([]domain.Source{}, res.Sources...)
	m.ResolvedAt = &now
	s.markets[id] = m
	return true, nil
}

func (s *MarketStore) UpdateImage(_ context.Context, id string, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, domain.ErrNotFound)
	}
	m.ImagePath = path
	s.markets[id] = m
	return nil
}

func (s *MarketStore) FlagForReview(_ context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.markets[id]
	m.NeedsReview = true
	s.markets[id] = m
	s.Flagged[id] = reason
	return nil
}

func (s *MarketStore) ListExpiredUnresolved(_ context.Context, now time.Time, limit int) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if m.Result == nil && !m.NeedsReview && !m.ExpiresAt.After(now) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SettlementStore is an in-memory domain.SettlementStore.
type SettlementStore struct {
	mu          sync.Mutex
	settlements map[string]domain.Settlement
	// TotalsWrites counts calls that actually stored totals.
	TotalsWrites int
}

func NewSettlementStore() *SettlementStore {
	return &SettlementStore{settlements: make(map[string]domain.Settlement)}
}

func (s *SettlementStore) Get(_ context.Context, marketID string) (domain.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settlements[marketID]
	if !ok {
		return domain.Settlement{}, fmt.Errorf("settlement %s: %w", marketID, domain.ErrNotFound)
	}
	return st, nil
}

func (s *SettlementStore) UpdateDecryptedTotals(_ context.Context, marketID string, onChainID int64, totals domain.DecryptedTotals, proof []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.settlements[marketID]
	if st.Totals != nil {
		return false, nil
	}
	now := time.Now()
	t := totals
	st.MarketID, st.OnChainMarketID = marketID, onChainID
	st.Totals, st.Proof, st.DecryptedAt, st.UpdatedAt = &t, proof, &now, now
	s.settlements[marketID] = st
	s.TotalsWrites++
	return true, nil
}

func (s *SettlementStore) MarkPayoutAuthorized(_ context.Context, marketID string, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settlements[marketID]
	if !ok {
		return fmt.Errorf("settlement %s: %w", marketID, domain.ErrNotFound)
	}
	st.PayoutAuthorizeTx = txHash
	s.settlements[marketID] = st
	return nil
}

func (s *SettlementStore) Freeze(_ context.Context, marketID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.settlements[marketID]
	st.MarketID, st.Frozen, st.FrozenReason = marketID, true, reason
	s.settlements[marketID] = st
	return nil
}

// AuditStore records audit events in memory.
type AuditStore struct {
	mu      sync.Mutex
	Entries []domain.AuditEntry
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Entries = append(s.Entries, domain.AuditEntry{
		ID: int64(len(s.Entries) + 1), Event: event, Detail: detail, CreatedAt: time.Now(),
	})
	return nil
}

func (s *AuditStore) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.Entries...), nil
}

// ProfileStore records avatar updates.
type ProfileStore struct {
	mu      sync.Mutex
	Avatars map[string]string
}

func (s *ProfileStore) UpdateAvatar(_ context.Context, userID string, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Avatars == nil {
		s.Avatars = make(map[string]string)
	}
	s.Avatars[userID] = path
	return nil
}

// Blobs is an in-memory domain.StorageClient.
type Blobs struct {
	mu      sync.Mutex
	Objects map[string][]byte
	Types   map[string]string
}

func NewBlobs() *Blobs {
	return &Blobs{Objects: make(map[string][]byte), Types: make(map[string]string)}
}

func (b *Blobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Objects[path] = raw
	b.Types[path] = contentType
	return nil
}

func (b *Blobs) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.Objects, path)
	return nil
}

func (b *Blobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.Objects[path]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *Blobs) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.Objects[path]
	return ok, nil
}

// AI is a scripted domain.AIClient. Structured answers are JSON-encoded
// into the caller's out value.
type AI struct {
	mu            sync.Mutex
	ResearchText  string
	ResearchErr   error
	Structured    any
	StructuredErr error
	Image         []byte
	ImageErr      error
	Requests      []domain.StructuredRequest
	ImagePrompts  []string
}

func (a *AI) Research(context.Context, string) (string, error) {
	return a.ResearchText, a.ResearchErr
}

func (a *AI) GenerateStructured(_ context.Context, req domain.StructuredRequest, out any) error {
	a.mu.Lock()
	a.Requests = append(a.Requests, req)
	a.mu.Unlock()
	if a.StructuredErr != nil {
		return a.StructuredErr
	}
	raw, err := json.Marshal(a.Structured)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (a *AI) GenerateImage(_ context.Context, prompt string) ([]byte, error) {
	a.mu.Lock()
	a.ImagePrompts = append(a.ImagePrompts, prompt)
	a.mu.Unlock()
	return a.Image, a.ImageErr
}

// Alerts records notifier calls.
type Alerts struct {
	mu     sync.Mutex
	Events []string
}

func (a *Alerts) Notify(_ context.Context, event, title, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Events = append(a.Events, event)
	return nil
}

// Count returns how many alerts were sent for event.
func (a *Alerts) Count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.Events {
		if e == event {
			n++
		}
	}
	return n
}

var (
	_ domain.MarketStore     = (*MarketStore)(nil)
	_ domain.SettlementStore = (*SettlementStore)(nil)
	_ domain.AuditStore      = (*AuditStore)(nil)
	_ domain.ProfileStore    = (*ProfileStore)(nil)
	_ domain.StorageClient   = (*Blobs)(nil)
	_ domain.AIClient        = (*AI)(nil)
	_ domain.Alerter         = (*Alerts)(nil)
)
