package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
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

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	diabeticPatient = models.Patient{
		PatientID:  "p-diabetic",
		Name:       "Alice",
		Condition:  models.ConditionDiabetesType1,
		DeviceType: "glucose_monitor",
		Location:   models.Location{Latitude: 37.7749, Longitude: -122.4194},
	}
	cardiacPatient = models.Patient{
		PatientID:  "p-cardiac",
		Name:       "Bob",
		Condition:  models.ConditionHeartCondition,
		DeviceType: "pacemaker",
		Location:   models.Location{Latitude: 34.0522, Longitude: -118.2437},
	}
	type2Patient = models.Patient{
		PatientID:  "p-type2",
		Name:       "Carol",
		Condition:  models.ConditionDiabetesType2,
		DeviceType: "insulin_pump",
		Location:   models.Location{Latitude: 37.80, Longitude: -122.27},
	}
	hospitals = []models.Hospital{
		{HospitalID: "h-sf", Name: "City Medical Center", Location: models.Location{Latitude: 37.78, Longitude: -122.42}, Capacity: 50},
		{HospitalID: "h-la", Name: "Metropolitan General", Location: models.Location{Latitude: 34.05, Longitude: -118.24}, Capacity: 80},
	}
)

type recordingNotifier struct {
	mu       sync.Mutex
	err      error
	failNext int
	calls    []notify.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, h models.Hospital, msg notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, msg)
	if n.failNext > 0 {
		n.failNext--
		return errors.New("broker busy")
	}
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type testEnv struct {
	monitor  *Monitor
	store    *repository.MemoryAlertRepository
	anchor   *ledger.MemoryAnchor
	notifier *recordingNotifier
	events   *eventlog.MemoryLog
	readings *repository.MemoryReadingRepository
	metrics  *metrics.Metrics
	hasher   *fingerprint.Engine
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}
}

func newTestEnv(t *testing.T, store repository.AlertRepository) *testEnv {
	t.Helper()
	eval, err := evaluator.NewEvaluator(evaluator.DefaultThresholds())
	require.NoError(t, err)
	hasher, err := fingerprint.NewEngine(fingerprint.VersionV1)
	require.NoError(t, err)

	env := &testEnv{
		anchor:   ledger.NewMemoryAnchor(),
		notifier: &recordingNotifier{},
		events:   eventlog.NewMemoryLog(100),
		readings: repository.NewMemoryReadingRepository(100),
		metrics:  metrics.New(),
		hasher:   hasher,
	}
	if store == nil {
		env.store = repository.NewMemoryAlertRepository()
		store = env.store
	}

	dispatcher := notify.NewDispatcher(notify.NewRegistry(hospitals, zap.NewNop()), env.notifier, time.Second, zap.NewNop())
	m, err := NewMonitor(Deps{
		Evaluator:  eval,
		Hasher:     hasher,
		Store:      store,
		Anchor:     env.anchor,
		Dispatcher: dispatcher,
		Patients:   repository.NewMemoryPatientRepository(diabeticPatient, cardiacPatient, type2Patient),
		Readings:   env.readings,
		Events:     env.events,
		Metrics:    env.metrics,
	}, Options{Retry: fastPolicy(), LaneBuffer: 8}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	env.monitor = m
	return env
}

var baseTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func glucose(patientID string, g float64, battery int, offset time.Duration) models.Reading {
	return models.Reading{
		PatientID:    patientID,
		Timestamp:    baseTime.Add(offset),
		GlucoseLevel: &g,
		BatteryLevel: battery,
		DeviceType:   "glucose_monitor",
	}
}

func heartRate(patientID string, hr int, battery int, offset time.Duration) models.Reading {
	return models.Reading{
		PatientID:    patientID,
		Timestamp:    baseTime.Add(offset),
		HeartRate:    &hr,
		BatteryLevel: battery,
		DeviceType:   "pacemaker",
	}
}

func TestProcess_CriticalReadingFullPipeline(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	alert, err := env.monitor.Process(ctx, glucose(diabeticPatient.PatientID, 45, 80, 0))
	require.NoError(t, err)
	require.NotNil(t, alert)
	env.monitor.Wait()

	stored, err := env.store.Get(ctx, alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, stored.Severity)
	assert.Contains(t, stored.Message, "45 mg/dL")
	assert.Equal(t, models.ReasonLowGlucose, stored.Reason)

	// 哈希可重算
	require.NoError(t, env.hasher.Verify(stored))

	// 已上链，账本可验证
	require.NotNil(t, stored.LedgerRef)
	assert.Equal(t, models.AnchorStatusAnchored, stored.AnchorStatus)
	ok, err := env.anchor.Verify(ctx, *stored.LedgerRef, fingerprint.Digest{Value: stored.SHA256Hash, Version: stored.HashVersion})
	require.NoError(t, err)
	assert.True(t, ok)

	// 已通知最近医院
	require.NotNil(t, stored.NearestHospital)
	assert.Equal(t, "h-sf", stored.NearestHospital.HospitalID)
	assert.Equal(t, models.DeliveryStatusDelivered, stored.DeliveryStatus)
	assert.Equal(t, 1, env.notifier.count())

	events, _ := env.events.Recent(ctx, 0)
	assert.Len(t, eventlog.Filter(events, models.EventAlertStored), 1)
	assert.Len(t, eventlog.Filter(events, models.EventAlertAnchored), 1)
	assert.Len(t, eventlog.Filter(events, models.EventAlertDispatched), 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.AnchorTotal.WithLabelValues("anchored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.AlertsTotal.WithLabelValues("critical")))

	raw, _ := env.readings.RecentReadings(ctx, diabeticPatient.PatientID, 10)
	assert.Len(t, raw, 1)
}

func TestProcess_NormalReadingCreatesNoAlert(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	alert, err := env.monitor.Process(ctx, heartRate(cardiacPatient.PatientID, 72, 90, 0))
	require.NoError(t, err)
	assert.Nil(t, alert)

	alert, err = env.monitor.Process(ctx, heartRate(cardiacPatient.PatientID, 115, 90, time.Second))
	require.NoError(t, err)
	assert.Nil(t, alert, "warning band is not an alert")

	env.monitor.Wait()
	list, _ := env.store.ListByPatient(ctx, cardiacPatient.PatientID, 0)
	assert.Empty(t, list)
	assert.Equal(t, 0, env.anchor.Calls())
	assert.Equal(t, 0, env.notifier.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ReadingsTotal.WithLabelValues("warning")))
}

func TestProcess_LedgerOutageDoesNotBlockPipeline(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.anchor.SetUnavailable(true)

	first, err := env.monitor.Process(ctx, heartRate(cardiacPatient.PatientID, 130, 90, 0))
	require.NoError(t, err)
	second, err := env.monitor.Process(ctx, heartRate(cardiacPatient.PatientID, 45, 90, time.Minute))
	require.NoError(t, err)
	env.monitor.Wait()

	for _, id := range []string{first.AlertID, second.AlertID} {
		a, err := env.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, a.LedgerRef)
		assert.Equal(t, models.AnchorStatusFailed, a.AnchorStatus)
		assert.Equal(t, 3, a.AnchorAttempts)
		// 通知不受账本影响
		assert.Equal(t, models.DeliveryStatusDelivered, a.DeliveryStatus)
		assert.Equal(t, "h-la", a.NearestHospital.HospitalID)
	}
	assert.Equal(t, 6, env.anchor.Calls())

	// 账本恢复后补链
	env.anchor.SetUnavailable(false)
	n, err := env.monitor.ResumePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	env.monitor.Wait()

	for _, id := range []string{first.AlertID, second.AlertID} {
		a, _ := env.store.Get(ctx, id)
		require.NotNil(t, a.LedgerRef)
		assert.Equal(t, models.AnchorStatusAnchored, a.AnchorStatus)
	}
}

func TestProcess_DispatchFailureKeepsAlert(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.notifier.err = errors.New("broker down")

	alert, err := env.monitor.Process(ctx, glucose(diabeticPatient.PatientID, 300, 80, 0))
	require.NoError(t, err)
	env.monitor.Wait()

	a, err := env.store.Get(ctx, alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusFailed, a.DeliveryStatus)
	assert.Nil(t, a.NearestHospital, "hospital is attached only after delivery")
	assert.NotNil(t, a.LedgerRef)
	assert.Equal(t, 3, env.notifier.count(), "delivery retried up to the policy limit")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.DispatchTotal.WithLabelValues("failed")))
}

func TestProcess_DispatchRetriedUntilDelivered(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.notifier.failNext = 1

	alert, err := env.monitor.Process(ctx, glucose(diabeticPatient.PatientID, 45, 80, 0))
	require.NoError(t, err)
	env.monitor.Wait()

	a, err := env.store.Get(ctx, alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusDelivered, a.DeliveryStatus)
	require.NotNil(t, a.NearestHospital)
	assert.Equal(t, "h-sf", a.NearestHospital.HospitalID)
	assert.Equal(t, 2, env.notifier.count())

	// 两次投递的是同一家医院
	env.notifier.mu.Lock()
	assert.Equal(t, env.notifier.calls[0].HospitalID, env.notifier.calls[1].HospitalID)
	env.notifier.mu.Unlock()

	events, _ := env.events.Recent(ctx, 0)
	assert.Empty(t, eventlog.Filter(events, models.EventDispatchFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.DispatchTotal.WithLabelValues("delivered")))
}

func TestProcess_MalformedReadingRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	r := glucose(diabeticPatient.PatientID, -5, 80, 0)
	alert, err := env.monitor.Process(ctx, r)
	assert.NoError(t, err)
	assert.Nil(t, alert)

	events, _ := env.events.Recent(ctx, 0)
	require.Len(t, eventlog.Filter(events, models.EventReadingRejected), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ReadingsTotal.WithLabelValues("rejected")))
}

func TestProcess_ConfigurationErrorsPropagate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.monitor.Process(ctx, glucose("p-unknown", 45, 80, 0))
	assert.True(t, errors.Is(err, models.ErrConfiguration))

	// 心脏病患者上报血糖
	_, err = env.monitor.Process(ctx, glucose(cardiacPatient.PatientID, 45, 80, 0))
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestProcess_ReprocessingIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	r := glucose(diabeticPatient.PatientID, 45, 80, 0)

	a1, err := env.monitor.Process(ctx, r)
	require.NoError(t, err)
	env.monitor.Wait()
	a2, err := env.monitor.Process(ctx, r)
	require.NoError(t, err)
	env.monitor.Wait()

	assert.Equal(t, a1.AlertID, a2.AlertID)
	list, _ := env.store.ListByPatient(ctx, diabeticPatient.PatientID, 0)
	assert.Len(t, list, 1)
	assert.Equal(t, 1, env.anchor.Len())
	assert.Equal(t, 1, env.notifier.count(), "delivered alerts are not re-sent")
}

// flakyStore 前 n 次 Save 失败
type flakyStore struct {
	repository.AlertRepository
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) Save(ctx context.Context, a *models.Alert) error {
	s.mu.Lock()
	s.calls++
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return models.TransientError("store.save", errors.New("connection reset"))
	}
	return s.AlertRepository.Save(ctx, a)
}

func TestProcess_StoreRetriesThenSucceeds(t *testing.T) {
	store := &flakyStore{AlertRepository: repository.NewMemoryAlertRepository(), failures: 2}
	env := newTestEnv(t, store)

	alert, err := env.monitor.Process(context.Background(), glucose(diabeticPatient.PatientID, 45, 80, 0))
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, 3, store.calls)
	env.monitor.Wait()
}

func TestProcess_StoreExhaustionReturnsError(t *testing.T) {
	store := &flakyStore{AlertRepository: repository.NewMemoryAlertRepository(), failures: 10}
	env := newTestEnv(t, store)

	alert, err := env.monitor.Process(context.Background(), glucose(diabeticPatient.PatientID, 45, 80, 0))
	assert.Nil(t, alert)
	assert.True(t, errors.Is(err, models.ErrTransientInfra))
	assert.Equal(t, 3, store.calls)
	env.monitor.Wait()

	assert.Equal(t, 0, env.anchor.Calls(), "no alert, nothing to anchor")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.StoreErrorsTotal))
}

// orderingEvaluator 记录每个患者的评估顺序
type orderingEvaluator struct {
	inner ReadingEvaluator
	mu    sync.Mutex
	seen  map[string][]time.Time
}

func (e *orderingEvaluator) Evaluate(r models.Reading, c models.Condition) (models.Verdict, error) {
	e.mu.Lock()
	e.seen[r.PatientID] = append(e.seen[r.PatientID], r.Timestamp)
	e.mu.Unlock()
	return e.inner.Evaluate(r, c)
}

func TestSubmit_PerPatientFIFO(t *testing.T) {
	env := newTestEnv(t, nil)
	ord := &orderingEvaluator{inner: env.monitor.deps.Evaluator, seen: map[string][]time.Time{}}
	env.monitor.deps.Evaluator = ord
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for _, p := range []string{diabeticPatient.PatientID, cardiacPatient.PatientID} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				var r models.Reading
				if p == diabeticPatient.PatientID {
					r = glucose(p, 120, 80, time.Duration(i)*time.Second)
				} else {
					r = heartRate(p, 72, 80, time.Duration(i)*time.Second)
				}
				assert.NoError(t, env.monitor.Submit(ctx, r))
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		ord.mu.Lock()
		defer ord.mu.Unlock()
		return len(ord.seen[diabeticPatient.PatientID]) == n && len(ord.seen[cardiacPatient.PatientID]) == n
	}, 2*time.Second, 10*time.Millisecond)

	ord.mu.Lock()
	defer ord.mu.Unlock()
	for p, ts := range ord.seen {
		for i := 1; i < len(ts); i++ {
			assert.True(t, ts[i].After(ts[i-1]), fmt.Sprintf("patient %s out of order at %d", p, i))
		}
	}
}

func TestSubmit_SlowLedgerDoesNotDelayOtherPatients(t *testing.T) {
	env := newTestEnv(t, nil)
	env.anchor.SetLatency(200 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, env.monitor.Submit(ctx, glucose(diabeticPatient.PatientID, 45, 80, 0)))
	require.NoError(t, env.monitor.Submit(ctx, heartRate(cardiacPatient.PatientID, 130, 80, 0)))

	// 两个报警都应在账本返回之前存储完成
	require.Eventually(t, func() bool {
		a, _ := env.store.ListByPatient(ctx, diabeticPatient.PatientID, 0)
		b, _ := env.store.ListByPatient(ctx, cardiacPatient.PatientID, 0)
		return len(a) == 1 && len(b) == 1
	}, 150*time.Millisecond, 5*time.Millisecond)
}

func TestStop_LeavesInFlightAnchorsResumable(t *testing.T) {
	store := repository.NewMemoryAlertRepository()
	env := newTestEnv(t, store)
	env.anchor.SetLatency(time.Hour)
	ctx := context.Background()

	alert, err := env.monitor.Process(ctx, glucose(diabeticPatient.PatientID, 45, 80, 0))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		env.monitor.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel in-flight anchor")
	}

	a, err := store.Get(ctx, alert.AlertID)
	require.NoError(t, err)
	assert.Nil(t, a.LedgerRef)
	assert.Equal(t, models.AnchorStatusPending, a.AnchorStatus)
	assert.Error(t, env.monitor.Submit(ctx, glucose(diabeticPatient.PatientID, 45, 80, time.Second)))

	// 重启后恢复
	restarted := newTestEnv(t, store)
	n, err := restarted.monitor.ResumePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	restarted.monitor.Wait()

	a, _ = store.Get(ctx, alert.AlertID)
	require.NotNil(t, a.LedgerRef)
	assert.Equal(t, models.AnchorStatusAnchored, a.AnchorStatus)
}

// gateEvaluator 第一次评估阻塞到 release 关闭
type gateEvaluator struct {
	inner   ReadingEvaluator
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (e *gateEvaluator) Evaluate(r models.Reading, c models.Condition) (models.Verdict, error) {
	e.once.Do(func() {
		close(e.entered)
		<-e.release
	})
	return e.inner.Evaluate(r, c)
}

func TestStop_DrainsQueuedReadings(t *testing.T) {
	env := newTestEnv(t, nil)
	gate := &gateEvaluator{inner: env.monitor.deps.Evaluator, entered: make(chan struct{}), release: make(chan struct{})}
	env.monitor.deps.Evaluator = gate
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		require.NoError(t, env.monitor.Submit(ctx, glucose(diabeticPatient.PatientID, 45, 80, time.Duration(i)*time.Minute)))
	}
	<-gate.entered

	done := make(chan struct{})
	go func() {
		env.monitor.Stop()
		close(done)
	}()

	// 停止期间拒绝新读数，已入队的读数照常处理
	require.Eventually(t, func() bool {
		env.monitor.mu.Lock()
		defer env.monitor.mu.Unlock()
		return env.monitor.stopped
	}, time.Second, 5*time.Millisecond)
	assert.Error(t, env.monitor.Submit(ctx, glucose(diabeticPatient.PatientID, 45, 80, time.Hour)))
	select {
	case <-done:
		t.Fatal("Stop returned before queued readings were processed")
	default:
	}

	close(gate.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not finish draining")
	}

	alerts, err := env.store.ListByPatient(ctx, diabeticPatient.PatientID, 0)
	require.NoError(t, err)
	assert.Len(t, alerts, n)
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.LaneQueueDepth))
}

func TestProcess_MultipleFindingsSingleAlert(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	alert, err := env.monitor.Process(ctx, glucose(diabeticPatient.PatientID, 35, 5, 0))
	require.NoError(t, err)
	env.monitor.Wait()

	assert.Equal(t, models.SeverityEmergency, alert.Severity)
	assert.Equal(t, "low_glucose,low_battery", alert.Reason)
	list, _ := env.store.ListByPatient(ctx, diabeticPatient.PatientID, 0)
	assert.Len(t, list, 1)
}

func TestNewMonitor_RequiresStages(t *testing.T) {
	_, err := NewMonitor(Deps{}, Options{}, zap.NewNop())
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestProcess_BatteryOnlyBreach(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	alert, err := env.monitor.Process(ctx, heartRate(cardiacPatient.PatientID, 95, 10, 0))
	require.NoError(t, err)
	require.NotNil(t, alert)
	env.monitor.Wait()

	assert.Equal(t, models.SeverityCritical, alert.Severity)
	assert.Equal(t, models.ReasonLowBattery, alert.Reason)
	assert.Contains(t, alert.Message, "battery")
	assert.NotContains(t, alert.Message, "heart rate")
}

func TestProcess_NormalReadingKeptAsTelemetry(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	alert, err := env.monitor.Process(ctx, glucose(type2Patient.PatientID, 150, 60, 0))
	require.NoError(t, err)
	assert.Nil(t, alert)

	list, _ := env.store.ListByPatient(ctx, type2Patient.PatientID, 0)
	assert.Empty(t, list)
	raw, err := env.readings.RecentReadings(ctx, type2Patient.PatientID, 5)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	assert.Equal(t, 150.0, *raw[0].GlucoseLevel)
}
