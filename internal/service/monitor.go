package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-vitals/internal/evaluator"
	"wisefido-vitals/internal/eventlog"
	"wisefido-vitals/internal/fingerprint"
	"wisefido-vitals/internal/ledger"
	"wisefido-vitals/internal/metrics"
	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/notify"
	"wisefido-vitals/internal/repository"
	"wisefido-vitals/internal/retry"

	"go.uber.org/zap"
)

// ReadingEvaluator 阈值评估阶段
type ReadingEvaluator interface {
	Evaluate(r models.Reading, c models.Condition) (models.Verdict, error)
}

// HashEngine 指纹阶段
type HashEngine interface {
	Apply(a *models.Alert) error
}

// AlertDispatcher 通知阶段：先确定医院，再逐次投递
type AlertDispatcher interface {
	Prepare(alert *models.Alert, loc models.Location) (*notify.Delivery, bool)
	Deliver(ctx context.Context, d *notify.Delivery) error
}

// Deps 监测编排器依赖
type Deps struct {
	Evaluator  ReadingEvaluator
	Hasher     HashEngine
	Store      repository.AlertRepository
	Anchor     ledger.Anchor
	Dispatcher AlertDispatcher
	Patients   repository.PatientRepository
	Readings   repository.ReadingRepository // 可选
	Events     eventlog.Log                 // 可选，默认内存
	Metrics    *metrics.Metrics             // 可选
}

// Options 监测编排器参数
type Options struct {
	Retry       retry.Policy
	LaneBuffer  int
	LaneIdleTTL time.Duration // 空闲多久回收患者队列
	ResumeBatch int
}

// lane 单个患者的 FIFO 队列
type lane struct {
	patientID string
	ch        chan models.Reading
	pending   int64 // 已占位未处理的读数数
}

// Monitor 监测编排器
//
// 每个患者一个队列和 goroutine，同一患者的读数按到达顺序处理，不同患者并行。
// 评估、哈希、存储在队列内同步完成；上链与通知在后台并发执行，互不阻塞。
type Monitor struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	stopped bool // 不再接收读数
	closed  bool // 队列已排空，不再启动后台任务

	draining chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	lanesW   sync.WaitGroup
	asyncW   sync.WaitGroup
	queued   int64
}

// NewMonitor 创建监测编排器
func NewMonitor(deps Deps, opts Options, logger *zap.Logger) (*Monitor, error) {
	if deps.Evaluator == nil || deps.Hasher == nil || deps.Store == nil ||
		deps.Anchor == nil || deps.Dispatcher == nil || deps.Patients == nil {
		return nil, models.ConfigurationError("monitor.new", "evaluator, hasher, store, anchor, dispatcher and patients are required")
	}
	if deps.Events == nil {
		deps.Events = eventlog.NewMemoryLog(1000)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.LaneBuffer <= 0 {
		opts.LaneBuffer = 64
	}
	if opts.LaneIdleTTL <= 0 {
		opts.LaneIdleTTL = 5 * time.Minute
	}
	if opts.ResumeBatch <= 0 {
		opts.ResumeBatch = 500
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		lanes:    make(map[string]*lane),
		draining: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Submit 将读数放入患者队列（队列满时阻塞，直到 ctx 取消或编排器停止）
// 返回 nil 表示读数会在 Stop 返回前处理完。
func (m *Monitor) Submit(ctx context.Context, r models.Reading) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("monitor stopped")
	}
	l, ok := m.lanes[r.PatientID]
	if !ok {
		l = &lane{patientID: r.PatientID, ch: make(chan models.Reading, m.opts.LaneBuffer)}
		m.lanes[r.PatientID] = l
		m.lanesW.Add(1)
		go m.runLane(l)
	}
	atomic.AddInt64(&l.pending, 1)
	m.mu.Unlock()

	m.deps.Metrics.LaneQueueDepth.Set(float64(atomic.AddInt64(&m.queued, 1)))
	select {
	case l.ch <- r:
		return nil
	case <-ctx.Done():
	case <-m.draining:
	}
	atomic.AddInt64(&l.pending, -1)
	m.deps.Metrics.LaneQueueDepth.Set(float64(atomic.AddInt64(&m.queued, -1)))
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("monitor stopped")
}

func (m *Monitor) runLane(l *lane) {
	defer m.lanesW.Done()
	idle := time.NewTimer(m.opts.LaneIdleTTL)
	defer idle.Stop()

	for {
		select {
		case <-m.draining:
			m.drain(l)
			return

		case r := <-l.ch:
			m.handle(l, r)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.opts.LaneIdleTTL)

		case <-idle.C:
			m.mu.Lock()
			if atomic.LoadInt64(&l.pending) == 0 {
				delete(m.lanes, l.patientID)
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			idle.Reset(m.opts.LaneIdleTTL)
		}
	}
}

// drain 停止时处理完已入队的读数
func (m *Monitor) drain(l *lane) {
	if n := atomic.LoadInt64(&l.pending); n > 0 {
		m.logger.Info("Draining queued readings on shutdown",
			zap.String("patient_id", l.patientID),
			zap.Int64("count", n),
		)
	}
	// pending 包含仍在 Submit 中等待的读数，它们要么入队要么放弃
	for atomic.LoadInt64(&l.pending) > 0 {
		select {
		case r := <-l.ch:
			m.handle(l, r)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (m *Monitor) handle(l *lane, r models.Reading) {
	m.deps.Metrics.LaneQueueDepth.Set(float64(atomic.AddInt64(&m.queued, -1)))
	if _, err := m.Process(m.ctx, r); err != nil {
		m.logger.Error("Failed to process reading",
			zap.String("patient_id", r.PatientID),
			zap.Time("timestamp", r.Timestamp),
			zap.Error(err),
		)
	}
	atomic.AddInt64(&l.pending, -1)
}

// Process 同步处理单条读数：校验 → 评估 → 构建报警 → 哈希 → 存储，然后启动上链与通知
//
// 返回存储的报警；正常读数与格式错误的读数返回 (nil, nil)。
// 配置错误、完整性错误以及存储重试耗尽会返回错误。
func (m *Monitor) Process(ctx context.Context, r models.Reading) (*models.Alert, error) {
	if err := evaluator.Validate(r); err != nil {
		m.logger.Warn("Rejected malformed reading",
			zap.String("patient_id", r.PatientID),
			zap.Error(err),
		)
		m.deps.Metrics.ReadingsTotal.WithLabelValues("rejected").Inc()
		m.appendEvent(ctx, models.PipelineEvent{
			EventType:  models.EventReadingRejected,
			PatientID:  r.PatientID,
			Reason:     err.Error(),
			OccurredAt: time.Now().UTC(),
		})
		return nil, nil
	}

	patient, err := m.deps.Patients.GetPatient(ctx, r.PatientID)
	if err != nil {
		m.deps.Metrics.ReadingsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ConfigurationError("monitor.process", "patient %s is not registered", r.PatientID)
		}
		return nil, fmt.Errorf("failed to load patient %s: %w", r.PatientID, err)
	}

	if m.deps.Readings != nil {
		if err := m.deps.Readings.SaveReading(ctx, &r); err != nil {
			m.logger.Warn("Failed to record raw reading",
				zap.String("patient_id", r.PatientID),
				zap.Error(err),
			)
		}
	}

	verdict, err := m.deps.Evaluator.Evaluate(r, patient.Condition)
	if err != nil {
		m.deps.Metrics.ReadingsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	m.deps.Metrics.ReadingsTotal.WithLabelValues(string(verdict.Severity)).Inc()
	if !verdict.IsCritical {
		if verdict.Severity == models.SeverityWarning {
			m.logger.Debug("Reading in warning band",
				zap.String("patient_id", r.PatientID),
				zap.String("reason", verdict.Reason),
			)
		}
		return nil, nil
	}

	// Detected
	alert, err := evaluator.BuildAlert(r, verdict)
	if err != nil {
		return nil, err
	}

	// Hashed
	if err := m.deps.Hasher.Apply(alert); err != nil {
		return nil, err
	}

	// Stored
	err = retry.Do(ctx, m.opts.Retry, func(ctx context.Context) error {
		return m.deps.Store.Save(ctx, alert)
	}, func(attempt int, wait time.Duration, err error) {
		m.logger.Warn("Alert store failed, retrying",
			zap.String("alert_id", alert.AlertID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.IntegrityError("monitor.store", "alert %s already stored with different content", alert.AlertID)
		}
		m.deps.Metrics.StoreErrorsTotal.Inc()
		m.logger.Error("Alert store exhausted retries, alert not persisted",
			zap.String("alert_id", alert.AlertID),
			zap.String("patient_id", alert.PatientID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to store alert %s: %w", alert.AlertID, err)
	}

	// 重复处理同一读数时以已存储的状态为准
	stored := alert
	if existing, err := m.deps.Store.Get(ctx, alert.AlertID); err == nil {
		stored = existing
	}

	m.deps.Metrics.AlertsTotal.WithLabelValues(string(stored.Severity)).Inc()
	m.appendEvent(ctx, models.PipelineEvent{
		EventType: models.EventAlertStored,
		AlertID:   stored.AlertID,
		PatientID: stored.PatientID,
		Severity:  stored.Severity,
		Reason:    stored.Reason,
		Attributes: map[string]string{
			"sha256_hash": stored.SHA256Hash,
			"message":     stored.Message,
		},
	})
	m.logger.Info("Critical alert stored",
		zap.String("alert_id", stored.AlertID),
		zap.String("patient_id", stored.PatientID),
		zap.String("severity", string(stored.Severity)),
		zap.String("reason", stored.Reason),
	)

	if stored.LedgerRef == nil {
		snapshot := stored.Clone()
		m.launch(func(ctx context.Context) { m.anchorAlert(ctx, snapshot) })
	}
	if stored.DeliveryStatus != models.DeliveryStatusDelivered {
		snapshot := stored.Clone()
		loc := patient.Location
		m.launch(func(ctx context.Context) { m.dispatchAlert(ctx, snapshot, loc) })
	}
	return stored.Clone(), nil
}

// launch 在编排器生命周期内启动后台任务；已关闭时不启动（状态已持久化，可恢复）
func (m *Monitor) launch(fn func(ctx context.Context)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.asyncW.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.asyncW.Done()
		fn(m.ctx)
	}()
}

// anchorAlert AnchorPending → Anchored | AnchorFailed
func (m *Monitor) anchorAlert(ctx context.Context, alert *models.Alert) {
	start := time.Now()
	req := ledger.AnchorRequest{
		AlertID:    alert.AlertID,
		Digest:     fingerprint.Digest{Value: alert.SHA256Hash, Version: alert.HashVersion},
		PatientRef: ledger.PatientRef(alert.PatientID),
		Category:   alert.Reason,
	}

	var ref string
	attempts := 0
	err := retry.Do(ctx, m.opts.Retry, func(ctx context.Context) error {
		attempts++
		var err error
		ref, err = m.deps.Anchor.Anchor(ctx, req)
		return err
	}, func(attempt int, wait time.Duration, err error) {
		m.logger.Warn("Ledger anchor failed, retrying",
			zap.String("alert_id", alert.AlertID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})

	if err != nil {
		if ctx.Err() != nil {
			// 关机：保持 anchor_pending，启动时恢复
			m.logger.Info("Anchor interrupted by shutdown",
				zap.String("alert_id", alert.AlertID),
			)
			return
		}
		m.deps.Metrics.AnchorTotal.WithLabelValues("failed").Inc()
		m.logger.Error("Ledger anchor failed, alert left without ledger ref",
			zap.String("alert_id", alert.AlertID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if merr := m.deps.Store.MarkAnchorFailed(ctx, alert.AlertID, attempts); merr != nil {
			m.logger.Error("Failed to mark anchor failure",
				zap.String("alert_id", alert.AlertID),
				zap.Error(merr),
			)
		}
		m.appendEvent(ctx, models.PipelineEvent{
			EventType: models.EventAnchorFailed,
			AlertID:   alert.AlertID,
			PatientID: alert.PatientID,
			Severity:  alert.Severity,
			Reason:    err.Error(),
		})
		return
	}

	err = retry.Do(ctx, m.opts.Retry, func(ctx context.Context) error {
		return m.deps.Store.AttachLedgerRef(ctx, alert.AlertID, ref)
	}, nil)
	if err != nil {
		if errors.Is(err, models.ErrLedgerRefImmutable) {
			m.logger.Error("Alert already carries a different ledger ref",
				zap.String("alert_id", alert.AlertID),
				zap.String("ref", ref),
				zap.Error(err),
			)
			m.appendEvent(ctx, models.PipelineEvent{
				EventType:  models.EventIntegrityFailure,
				AlertID:    alert.AlertID,
				PatientID:  alert.PatientID,
				Reason:     err.Error(),
				Attributes: map[string]string{"ledger_ref": ref},
			})
			return
		}
		m.deps.Metrics.AnchorTotal.WithLabelValues("failed").Inc()
		m.logger.Error("Failed to record ledger ref",
			zap.String("alert_id", alert.AlertID),
			zap.String("ref", ref),
			zap.Error(err),
		)
		return
	}

	m.deps.Metrics.AnchorTotal.WithLabelValues("anchored").Inc()
	m.deps.Metrics.AnchorLatency.Observe(time.Since(start).Seconds())
	m.appendEvent(ctx, models.PipelineEvent{
		EventType:  models.EventAlertAnchored,
		AlertID:    alert.AlertID,
		PatientID:  alert.PatientID,
		Severity:   alert.Severity,
		Attributes: map[string]string{"ledger_ref": ref},
	})
	m.logger.Info("Alert anchored",
		zap.String("alert_id", alert.AlertID),
		zap.String("ledger_ref", ref),
	)
}

// dispatchAlert 通知最近医院（同一医院重试）；成功后才写入医院信息
func (m *Monitor) dispatchAlert(ctx context.Context, alert *models.Alert, loc models.Location) {
	del, ok := m.deps.Dispatcher.Prepare(alert, loc)
	if !ok {
		m.deliveryFailed(ctx, alert, "no_hospital", nil)
		return
	}

	err := retry.Do(ctx, m.opts.Retry, func(ctx context.Context) error {
		return m.deps.Dispatcher.Deliver(ctx, del)
	}, func(attempt int, wait time.Duration, err error) {
		m.logger.Warn("Hospital notification failed, retrying",
			zap.String("alert_id", alert.AlertID),
			zap.String("hospital_id", del.Hospital.HospitalID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		if ctx.Err() != nil {
			m.logger.Info("Dispatch interrupted by shutdown",
				zap.String("alert_id", alert.AlertID),
			)
			return
		}
		m.deliveryFailed(ctx, alert, "failed", del.Nearest)
		return
	}

	m.deps.Metrics.DispatchTotal.WithLabelValues("delivered").Inc()
	if err := m.deps.Store.AttachHospital(ctx, alert.AlertID, del.Nearest); err != nil {
		m.logger.Error("Failed to attach hospital",
			zap.String("alert_id", alert.AlertID),
			zap.String("hospital_id", del.Nearest.HospitalID),
			zap.Error(err),
		)
	}
	m.appendEvent(ctx, models.PipelineEvent{
		EventType: models.EventAlertDispatched,
		AlertID:   alert.AlertID,
		PatientID: alert.PatientID,
		Severity:  alert.Severity,
		Attributes: map[string]string{
			"hospital_id":   del.Nearest.HospitalID,
			"hospital_name": del.Nearest.Name,
		},
	})
}

func (m *Monitor) deliveryFailed(ctx context.Context, alert *models.Alert, result string, hospital *models.NearestHospital) {
	m.deps.Metrics.DispatchTotal.WithLabelValues(result).Inc()
	if err := m.deps.Store.MarkDeliveryFailed(ctx, alert.AlertID); err != nil {
		m.logger.Error("Failed to mark delivery failure",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
	}
	ev := models.PipelineEvent{
		EventType: models.EventDispatchFailed,
		AlertID:   alert.AlertID,
		PatientID: alert.PatientID,
		Severity:  alert.Severity,
		Reason:    result,
	}
	if hospital != nil {
		ev.Attributes = map[string]string{"hospital_id": hospital.HospitalID}
	}
	m.appendEvent(ctx, ev)
}

// ResumePending 重新上链未完成的报警（anchor_pending 与 anchor_failed），返回启动的任务数
func (m *Monitor) ResumePending(ctx context.Context) (int, error) {
	resumed := 0
	for _, status := range []models.AnchorStatus{models.AnchorStatusPending, models.AnchorStatusFailed} {
		alerts, err := m.deps.Store.ListByAnchorStatus(ctx, status, m.opts.ResumeBatch)
		if err != nil {
			return resumed, fmt.Errorf("failed to list %s alerts: %w", status, err)
		}
		for _, a := range alerts {
			if a.LedgerRef != nil {
				continue
			}
			if status == models.AnchorStatusFailed {
				if err := m.deps.Store.MarkAnchorPending(ctx, a.AlertID); err != nil {
					m.logger.Warn("Failed to reset anchor status",
						zap.String("alert_id", a.AlertID),
						zap.Error(err),
					)
					continue
				}
			}
			alert := a
			m.launch(func(ctx context.Context) { m.anchorAlert(ctx, alert) })
			resumed++
		}
	}
	if resumed > 0 {
		m.logger.Info("Resumed pending ledger anchors", zap.Int("count", resumed))
	}
	return resumed, nil
}

// Wait 等待已启动的后台任务结束
func (m *Monitor) Wait() {
	m.asyncW.Wait()
}

// Stop 停止编排器：拒绝新读数，处理完已入队的读数，再取消后台任务并等待退出
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	// 先排空患者队列，再中断上链与通知
	close(m.draining)
	m.lanesW.Wait()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.asyncW.Wait()
	m.logger.Info("Monitor stopped")
}

func (m *Monitor) appendEvent(ctx context.Context, ev models.PipelineEvent) {
	if err := m.deps.Events.Append(ctx, ev); err != nil {
		m.logger.Warn("Failed to append pipeline event",
			zap.String("event_type", ev.EventType),
			zap.String("alert_id", ev.AlertID),
			zap.Error(err),
		)
	}
}
