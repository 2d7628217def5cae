package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cfx-platform/cfx-router/internal/shared/models"
)

// Memory is an in-process Store used in development and tests
type Memory struct {
	mu       sync.RWMutex
	plans    map[string]models.Plan
	accounts map[string]string // account id -> plan name
	keys     map[string]*models.APIKey
	byHash   map[string]string
	logs     []models.LogEntry
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store holding the given plans
func NewMemory(plans []models.Plan) *Memory {
	m := &Memory{
		plans:    make(map[string]models.Plan),
		accounts: make(map[string]string),
		keys:     make(map[string]*models.APIKey),
		byHash:   make(map[string]string),
	}
	for _, p := range plans {
		m.plans[p.Name] = p
	}
	return m
}

// SetAccountPlan assigns the active plan of an account, creating it if needed
func (m *Memory) SetAccountPlan(accountID, planName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[planName]; !ok {
		return ErrNotFound
	}
	m.accounts[accountID] = planName
	return nil
}

func (m *Memory) GetKeyByHash(_ context.Context, keyHash string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	k := *m.keys[id]
	return &k, nil
}

func (m *Memory) CreateKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[key.AccountID]; !ok {
		return ErrNotFound
	}
	k := *key
	m.keys[k.ID] = &k
	m.byHash[k.KeyHash] = k.ID
	return nil
}

func (m *Memory) ListKeys(_ context.Context, accountID string) ([]models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.APIKey
	for _, k := range m.keys {
		if k.AccountID == accountID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RevokeKey(_ context.Context, accountID, keyID string) (*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok || k.AccountID != accountID {
		return nil, ErrNotFound
	}
	if k.Status == models.KeyRevoked {
		return nil, ErrRevoked
	}
	k.Status = models.KeyRevoked
	out := *k
	return &out, nil
}

func (m *Memory) PlanForAccount(_ context.Context, accountID string) (*models.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	p := m.plans[name]
	return &p, nil
}

func (m *Memory) InsertLogs(_ context.Context, entries []models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entries...)
	for _, e := range entries {
		if k, ok := m.keys[e.APIKeyID]; ok {
			at := e.CreatedAt
			k.LastUsedAt = &at
		}
	}
	return nil
}

func (m *Memory) ListLogs(_ context.Context, f models.LogFilter) ([]models.LogEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []models.LogEntry
	for i := len(m.logs) - 1; i >= 0; i-- {
		e := m.logs[i]
		if e.AccountID != f.AccountID || (f.Stage != "" && e.Stage != f.Stage) {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	if f.Offset >= total {
		return []models.LogEntry{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return matched[f.Offset:end], total, nil
}

func (m *Memory) Stats(_ context.Context, accountID string, dayStart time.Time) (models.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s models.Stats
	var latency int64
	for _, e := range m.logs {
		if e.AccountID != accountID {
			continue
		}
		s.TotalRequests++
		if !e.CreatedAt.Before(dayStart) {
			s.TodayRequests++
		}
		s.TotalCost = s.TotalCost.Add(e.Cost)
		latency += e.LatencyMs
	}
	if s.TotalRequests > 0 {
		s.AvgLatencyMs = float64(latency) / float64(s.TotalRequests)
	}
	return s, nil
}

func (m *Memory) DailyUsage(_ context.Context, accountID string, since time.Time) ([]models.UsageDay, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	days := make(map[string]*models.UsageDay)
	for _, e := range m.logs {
		if e.AccountID != accountID || e.CreatedAt.Before(since) {
			continue
		}
		date := e.CreatedAt.UTC().Format(time.DateOnly)
		d, ok := days[date]
		if !ok {
			d = &models.UsageDay{Date: date, Cost: decimal.Zero}
			days[date] = d
		}
		d.Requests++
		d.Cost = d.Cost.Add(e.Cost)
		d.Tokens += int64(e.TotalTokens)
	}
	out := make([]models.UsageDay, 0, len(days))
	for _, d := range days {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// Logs returns a copy of every recorded entry
func (m *Memory) Logs() []models.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.LogEntry(nil), m.logs...)
}
