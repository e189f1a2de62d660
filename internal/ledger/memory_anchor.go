package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-vitals/internal/fingerprint"
	"wisefido-vitals/internal/models"
)

// ErrLedgerUnavailable 模拟账本不可用
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// MemoryAnchor 内存账本（测试替身，可配置失败次数与延迟）
type MemoryAnchor struct {
	mu        sync.Mutex
	entries   []memoryEntry
	byAlert   map[string]string
	byRef     map[string]int
	failNext  int
	failAll   bool
	latency   time.Duration
	callCount int
}

type memoryEntry struct {
	ref      string
	request  AnchorRequest
	prevSeal string
	seal     string
}

// NewMemoryAnchor 创建内存账本
func NewMemoryAnchor() *MemoryAnchor {
	return &MemoryAnchor{
		byAlert: make(map[string]string),
		byRef:   make(map[string]int),
	}
}

// FailNext 接下来 n 次 Anchor 调用失败
func (m *MemoryAnchor) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// SetUnavailable 持续失败开关
func (m *MemoryAnchor) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = v
}

// SetLatency 每次调用的模拟延迟
func (m *MemoryAnchor) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls Anchor 调用次数
func (m *MemoryAnchor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Len 条目数
func (m *MemoryAnchor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryAnchor) wait(ctx context.Context) error {
	m.mu.Lock()
	d := m.latency
	m.mu.Unlock()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return models.TransientError("ledger.anchor", ctx.Err())
	case <-t.C:
		return nil
	}
}

// Anchor 追加条目
func (m *MemoryAnchor) Anchor(ctx context.Context, req AnchorRequest) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount++

	if m.failAll {
		return "", models.TransientError("ledger.anchor", ErrLedgerUnavailable)
	}
	if m.failNext > 0 {
		m.failNext--
		return "", models.TransientError("ledger.anchor", ErrLedgerUnavailable)
	}

	if ref, ok := m.byAlert[req.AlertID]; ok {
		return ref, nil
	}

	prev := ""
	if n := len(m.entries); n > 0 {
		prev = m.entries[n-1].seal
	}
	ref := fmt.Sprintf("mem-%06d", len(m.entries)+1)
	m.entries = append(m.entries, memoryEntry{
		ref:      ref,
		request:  req,
		prevSeal: prev,
		seal:     entrySeal(prev, req),
	})
	m.byAlert[req.AlertID] = ref
	m.byRef[ref] = len(m.entries) - 1
	return ref, nil
}

// Verify 校验引用处记录的摘要
func (m *MemoryAnchor) Verify(ctx context.Context, ref string, digest fingerprint.Digest) (bool, error) {
	if err := m.wait(ctx); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return false, models.TransientError("ledger.verify", ErrLedgerUnavailable)
	}
	idx, ok := m.byRef[ref]
	if !ok {
		return false, fmt.Errorf("ledger entry %s: %w", ref, models.ErrNotFound)
	}
	e := m.entries[idx]
	if entrySeal(e.prevSeal, e.request) != e.seal {
		return false, models.IntegrityError("ledger.verify", "entry %s seal mismatch", ref)
	}
	return digestMatches(e.request.Digest.Value, e.request.Digest.Version, digest), nil
}

// Tamper 篡改条目摘要（测试用）
func (m *MemoryAnchor) Tamper(ref, digest string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.byRef[ref]; ok {
		m.entries[idx].request.Digest.Value = digest
	}
}
