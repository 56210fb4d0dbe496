package apikeys

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// record is the mutable status of one configured key.
type record struct {
	key          string
	exhausted    bool
	lastError    string
	exhaustedAt  time.Time
	requestCount int64
}

// Manager rotates through a fixed, ordered pool of API keys. Keys are only
// ever flagged exhausted, never removed or restored, for the life of the process.
type Manager struct {
	mu      sync.RWMutex
	records []*record
	byKey   map[string]*record
	byPrint map[string]*record
	logger  *zap.Logger

	// onExhausted observes local exhaustion events; used by the redis sync.
	onExhausted func(fingerprint, errText string)
}

// NewManager builds the pool. Duplicate and blank keys are dropped, order is kept.
func NewManager(keys []string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		byKey:   make(map[string]*record, len(keys)),
		byPrint: make(map[string]*record, len(keys)),
		logger:  logger.Named("apikeys"),
	}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := m.byKey[k]; dup {
			continue
		}
		rec := &record{key: k}
		m.records = append(m.records, rec)
		m.byKey[k] = rec
		m.byPrint[Fingerprint(k)] = rec
	}
	m.logger.Info("api key pool loaded", zap.Int("keys", len(m.records)))
	return m
}

// Len reports how many keys are configured.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// ActiveKey returns the first non-exhausted key in configured order. When all
// are exhausted the first key is returned anyway so the caller surfaces a
// fresh error. ok is false only when no keys are configured.
func (m *Manager) ActiveKey() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return "", false
	}
	for _, rec := range m.records {
		if !rec.exhausted {
			return rec.key, true
		}
	}
	return m.records[0].key, true
}

// MarkExhausted flags key as unusable. Unknown keys are ignored.
func (m *Manager) MarkExhausted(key, errText string) {
	fingerprint, changed := m.markExhausted(key, errText)
	if !changed {
		return
	}
	m.logger.Warn("api key exhausted",
		zap.String("key", MaskKey(key)),
		zap.Int("remaining", m.activeCount()),
	)
	if hook := m.hook(); hook != nil {
		hook(fingerprint, errText)
	}
}

func (m *Manager) markExhausted(key, errText string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byKey[key]
	if !ok {
		return "", false
	}
	changed := !rec.exhausted
	rec.exhausted = true
	rec.lastError = errText
	rec.exhaustedAt = time.Now().UTC()
	return Fingerprint(key), changed
}

// MarkFingerprintExhausted applies an exhaustion observed by another process.
// It never notifies the sync hook.
func (m *Manager) MarkFingerprintExhausted(fingerprint, errText string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byPrint[fingerprint]
	if !ok || rec.exhausted {
		return false
	}
	rec.exhausted = true
	rec.lastError = errText
	rec.exhaustedAt = time.Now().UTC()
	return true
}

// RecordRequest counts one model invocation made with key.
func (m *Manager) RecordRequest(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.byKey[key]; ok {
		rec.requestCount++
	}
}

func (m *Manager) activeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.records {
		if !rec.exhausted {
			n++
		}
	}
	return n
}

func (m *Manager) fingerprints() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, Fingerprint(rec.key))
	}
	return out
}

func (m *Manager) hook() func(string, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onExhausted
}

func (m *Manager) setHook(fn func(string, string)) {
	m.mu.Lock()
	m.onExhausted = fn
	m.mu.Unlock()
}

// KeyStatus is the public view of one key.
type KeyStatus struct {
	Index        int        `json:"index"`
	Key          string     `json:"key"`
	Exhausted    bool       `json:"exhausted"`
	LastError    string     `json:"last_error,omitempty"`
	ExhaustedAt  *time.Time `json:"exhausted_at,omitempty"`
	RequestCount int64      `json:"request_count"`
}

type StatusReport struct {
	Total     int         `json:"total_keys"`
	Active    int         `json:"active_keys"`
	Exhausted int         `json:"exhausted_keys"`
	Keys      []KeyStatus `json:"keys"`
}

// StatusReport snapshots the pool with every key masked.
func (m *Manager) StatusReport() StatusReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	report := StatusReport{Total: len(m.records), Keys: make([]KeyStatus, 0, len(m.records))}
	for i, rec := range m.records {
		st := KeyStatus{
			Index:        i,
			Key:          MaskKey(rec.key),
			Exhausted:    rec.exhausted,
			LastError:    rec.lastError,
			RequestCount: rec.requestCount,
		}
		if rec.exhausted {
			report.Exhausted++
			at := rec.exhaustedAt
			st.ExhaustedAt = &at
		} else {
			report.Active++
		}
		report.Keys = append(report.Keys, st)
	}
	return report
}

const maskPrefixLen = 8

// MaskKey keeps at most a short prefix of key, never more than half of it.
func MaskKey(key string) string {
	n := maskPrefixLen
	if half := len(key) / 2; half < n {
		n = half
	}
	return key[:n] + "..."
}

// Fingerprint identifies a key across processes without revealing it.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
