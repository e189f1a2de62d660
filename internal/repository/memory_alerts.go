package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-vitals/internal/models"
)

// alertEntry 单条报警（同一报警的写操作串行）
type alertEntry struct {
	mu    sync.Mutex
	alert *models.Alert
}

func (e *alertEntry) snapshot() *models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alert.Clone()
}

// patientShard 单个患者的报警分片
type patientShard struct {
	mu      sync.RWMutex
	entries []*alertEntry
}

// MemoryAlertRepository 内存报警仓库（测试与单机部署）
//
// 按患者分片，无全局锁：不同患者的读写互不阻塞。
type MemoryAlertRepository struct {
	shards sync.Map // patient_id -> *patientShard
	index  sync.Map // alert_id -> *alertEntry
	// 同一 alert_id 的首次写入需要在分片间去重
	saveMu sync.Map // alert_id -> *sync.Mutex
}

// NewMemoryAlertRepository 创建内存报警仓库
func NewMemoryAlertRepository() *MemoryAlertRepository {
	return &MemoryAlertRepository{}
}

func (r *MemoryAlertRepository) shard(patientID string) *patientShard {
	v, _ := r.shards.LoadOrStore(patientID, &patientShard{})
	return v.(*patientShard)
}

func (r *MemoryAlertRepository) entry(alertID string) (*alertEntry, error) {
	v, ok := r.index.Load(alertID)
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, models.ErrNotFound)
	}
	return v.(*alertEntry), nil
}

// Save 写入报警（幂等）
func (r *MemoryAlertRepository) Save(ctx context.Context, alert *models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if alert.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	lock, _ := r.saveMu.LoadOrStore(alert.AlertID, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := r.entry(alert.AlertID); err == nil {
		if !sameCore(existing.snapshot(), alert) {
			return fmt.Errorf("alert %s: %w", alert.AlertID, models.ErrConflict)
		}
		return nil
	}

	stored := alert.Clone()
	stored.Timestamp = stored.Timestamp.UTC()
	e := &alertEntry{alert: stored}

	s := r.shard(alert.PatientID)
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	r.index.Store(alert.AlertID, e)
	return nil
}

// Get 获取报警副本
func (r *MemoryAlertRepository) Get(ctx context.Context, alertID string) (*models.Alert, error) {
	e, err := r.entry(alertID)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

// ListByPatient 按时间倒序返回患者报警
func (r *MemoryAlertRepository) ListByPatient(ctx context.Context, patientID string, limit int) ([]*models.Alert, error) {
	v, ok := r.shards.Load(patientID)
	if !ok {
		return nil, nil
	}
	s := v.(*patientShard)

	s.mu.RLock()
	entries := make([]*alertEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.RUnlock()

	alerts := make([]*models.Alert, 0, len(entries))
	for _, e := range entries {
		alerts = append(alerts, e.snapshot())
	}
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].Timestamp.Equal(alerts[j].Timestamp) {
			return alerts[i].Timestamp.After(alerts[j].Timestamp)
		}
		return alerts[i].AlertID > alerts[j].AlertID
	})
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

// ListByAnchorStatus 按时间正序返回指定上链状态的报警
func (r *MemoryAlertRepository) ListByAnchorStatus(ctx context.Context, status models.AnchorStatus, limit int) ([]*models.Alert, error) {
	var alerts []*models.Alert
	r.index.Range(func(_, v interface{}) bool {
		a := v.(*alertEntry).snapshot()
		if a.AnchorStatus == status {
			alerts = append(alerts, a)
		}
		return true
	})
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].Timestamp.Equal(alerts[j].Timestamp) {
			return alerts[i].Timestamp.Before(alerts[j].Timestamp)
		}
		return alerts[i].AlertID < alerts[j].AlertID
	})
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

// update 在报警锁内修改
func (r *MemoryAlertRepository) update(alertID string, fn func(a *models.Alert) error) error {
	e, err := r.entry(alertID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := fn(e.alert); err != nil {
		return err
	}
	e.alert.UpdatedAt = time.Now().UTC()
	return nil
}

// AttachLedgerRef 写入账本引用（只写一次）
func (r *MemoryAlertRepository) AttachLedgerRef(ctx context.Context, alertID, ref string) error {
	return r.update(alertID, func(a *models.Alert) error {
		if a.LedgerRef != nil {
			if *a.LedgerRef == ref {
				return nil
			}
			return fmt.Errorf("alert %s has ledger ref %s: %w", alertID, *a.LedgerRef, models.ErrLedgerRefImmutable)
		}
		v := ref
		a.LedgerRef = &v
		a.AnchorStatus = models.AnchorStatusAnchored
		return nil
	})
}

// AttachHospital 写入最近医院
func (r *MemoryAlertRepository) AttachHospital(ctx context.Context, alertID string, hospital *models.NearestHospital) error {
	return r.update(alertID, func(a *models.Alert) error {
		h := *hospital
		a.NearestHospital = &h
		a.DeliveryStatus = models.DeliveryStatusDelivered
		return nil
	})
}

// MarkAnchorPending 重新进入待上链状态
func (r *MemoryAlertRepository) MarkAnchorPending(ctx context.Context, alertID string) error {
	return r.update(alertID, func(a *models.Alert) error {
		if a.LedgerRef == nil {
			a.AnchorStatus = models.AnchorStatusPending
		}
		return nil
	})
}

// MarkAnchorFailed 标记上链失败
func (r *MemoryAlertRepository) MarkAnchorFailed(ctx context.Context, alertID string, attempts int) error {
	return r.update(alertID, func(a *models.Alert) error {
		if a.LedgerRef == nil {
			a.AnchorStatus = models.AnchorStatusFailed
			a.AnchorAttempts = attempts
		}
		return nil
	})
}

// MarkDeliveryFailed 标记通知失败
func (r *MemoryAlertRepository) MarkDeliveryFailed(ctx context.Context, alertID string) error {
	return r.update(alertID, func(a *models.Alert) error {
		if a.DeliveryStatus != models.DeliveryStatusDelivered {
			a.DeliveryStatus = models.DeliveryStatusFailed
		}
		return nil
	})
}
