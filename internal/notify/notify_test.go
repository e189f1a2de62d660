package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const registryYAML = `
hospitals:
  - hospital_id: h-002
    name: City Medical Center
    address: 200 Oak Ave
    location: {latitude: 37.7800, longitude: -122.4200}
    capacity: 50
  - hospital_id: h-001
    name: Metropolitan General Hospital
    location: {latitude: 34.0522, longitude: -118.2437}
    capacity: 120
  - hospital_id: h-003
    name: Closed Clinic
    location: {latitude: 37.7749, longitude: -122.4194}
    capacity: 0
`

var sanFrancisco = models.Location{Latitude: 37.7749, Longitude: -122.4194}

func TestParseRegistry(t *testing.T) {
	hospitals, err := ParseRegistry([]byte(registryYAML))
	require.NoError(t, err)
	require.Len(t, hospitals, 3)
	assert.Equal(t, "h-001", hospitals[0].HospitalID, "sorted by id")
	assert.Equal(t, 50, hospitals[1].Capacity)
	assert.Equal(t, -122.42, hospitals[1].Location.Longitude)
}

func TestParseRegistry_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing id": "hospitals:\n  - name: x\n    capacity: 1\n",
		"duplicate":  "hospitals:\n  - {hospital_id: a, capacity: 1}\n  - {hospital_id: a, capacity: 2}\n",
		"latitude":   "hospitals:\n  - {hospital_id: a, capacity: 1, location: {latitude: 91, longitude: 0}}\n",
		"capacity":   "hospitals:\n  - {hospital_id: a, capacity: -1}\n",
		"yaml":       "hospitals: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestHaversineKm(t *testing.T) {
	la := models.Location{Latitude: 34.0522, Longitude: -118.2437}
	d := HaversineKm(sanFrancisco, la)
	assert.InDelta(t, 559, d, 3)
	assert.Equal(t, 0.0, HaversineKm(la, la))
}

func TestNearest(t *testing.T) {
	hospitals, err := ParseRegistry([]byte(registryYAML))
	require.NoError(t, err)

	h, dist, ok := Nearest(hospitals, sanFrancisco)
	require.True(t, ok)
	assert.Equal(t, "h-002", h.HospitalID, "capacity-0 clinic at the same spot is skipped")
	assert.Less(t, dist, 1.0)

	_, _, ok = Nearest(nil, sanFrancisco)
	assert.False(t, ok)
}

func TestNearest_TieBrokenByID(t *testing.T) {
	loc := models.Location{Latitude: 10, Longitude: 10}
	hospitals := []models.Hospital{
		{HospitalID: "h-b", Location: loc, Capacity: 1},
		{HospitalID: "h-a", Location: loc, Capacity: 1},
		{HospitalID: "h-c", Location: loc, Capacity: 1},
	}
	h, _, ok := Nearest(hospitals, loc)
	require.True(t, ok)
	assert.Equal(t, "h-a", h.HospitalID)
}

type fakeNotifier struct {
	mu    sync.Mutex
	err   error
	calls []Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, hospital models.Hospital, n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, n)
	return f.err
}

func testAlert() *models.Alert {
	return &models.Alert{
		AlertID:   "a-1",
		PatientID: "p-1",
		Severity:  models.SeverityCritical,
		Message:   "Dangerously low glucose: 45 mg/dL",
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestDispatcher_Delivered(t *testing.T) {
	hospitals, _ := ParseRegistry([]byte(registryYAML))
	fn := &fakeNotifier{}
	d := NewDispatcher(NewRegistry(hospitals, zap.NewNop()), fn, time.Second, zap.NewNop())

	res := d.Dispatch(context.Background(), testAlert(), sanFrancisco)
	assert.True(t, res.Delivered)
	require.NotNil(t, res.Hospital)
	assert.Equal(t, "h-002", res.Hospital.HospitalID)
	assert.Equal(t, "City Medical Center", res.Hospital.Name)
	require.Len(t, fn.calls, 1)
	assert.Equal(t, "a-1", fn.calls[0].AlertID)
}

func TestDispatcher_DeliveryFailure(t *testing.T) {
	hospitals, _ := ParseRegistry([]byte(registryYAML))
	fn := &fakeNotifier{err: errors.New("broker down")}
	d := NewDispatcher(NewRegistry(hospitals, zap.NewNop()), fn, time.Second, zap.NewNop())

	res := d.Dispatch(context.Background(), testAlert(), sanFrancisco)
	assert.False(t, res.Delivered)
	require.NotNil(t, res.Hospital)
}

func TestDispatcher_NoEligibleHospital(t *testing.T) {
	d := NewDispatcher(NewRegistry([]models.Hospital{{HospitalID: "h", Capacity: 0}}, zap.NewNop()),
		&fakeNotifier{}, time.Second, zap.NewNop())

	res := d.Dispatch(context.Background(), testAlert(), sanFrancisco)
	assert.False(t, res.Delivered)
	assert.Nil(t, res.Hospital)
}

type fakePublisher struct {
	topic   string
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	p.topic = topic
	p.payload = payload
	return p.err
}

func TestMQTTNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := NewMQTTNotifier(pub, "hospital/", 1, zap.NewNop())

	err := n.Notify(context.Background(), models.Hospital{HospitalID: "h-001"}, Notification{AlertID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, "hospital/h-001/alerts", pub.topic)

	var got Notification
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, "a-1", got.AlertID)

	pub.err = errors.New("not connected")
	assert.Error(t, n.Notify(context.Background(), models.Hospital{HospitalID: "h-001"}, Notification{}))
}

func TestWebhookNotifier(t *testing.T) {
	var received map[string]Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(time.Second, zap.NewNop())
	ctx := context.Background()

	err := n.Notify(ctx, models.Hospital{HospitalID: "h-1", WebhookURL: srv.URL + "/ok"}, Notification{AlertID: "a-9"})
	require.NoError(t, err)
	assert.Equal(t, "a-9", received["alert"].AlertID)

	err = n.Notify(ctx, models.Hospital{HospitalID: "h-1", WebhookURL: srv.URL + "/fail"}, Notification{})
	assert.Error(t, err)

	err = n.Notify(ctx, models.Hospital{HospitalID: "h-1"}, Notification{})
	assert.Error(t, err)
}

func TestRegistryWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hospitals.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o644))

	reg, err := NewRegistryFromFile(path, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, reg.Snapshot(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx, path) }()

	// 等待 watcher 就绪后写入
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("hospitals:\n  - {hospital_id: h-9, capacity: 5}\n"), 0o644))

	assert.Eventually(t, func() bool {
		s := reg.Snapshot()
		return len(s) == 1 && s[0].HospitalID == "h-9"
	}, 2*time.Second, 20*time.Millisecond)

	// 非法内容保留旧列表
	require.NoError(t, os.WriteFile(path, []byte("hospitals: ["), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, reg.Snapshot(), 1)

	cancel()
	assert.NoError(t, <-done)
}

func TestRegistryWatch_SurvivesAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hospitals.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o644))

	reg, err := NewRegistryFromFile(path, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx, path) }()
	time.Sleep(100 * time.Millisecond)

	// 写临时文件再 rename 覆盖
	tmp := filepath.Join(dir, "hospitals.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("hospitals:\n  - {hospital_id: h-7, capacity: 5}\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	assert.Eventually(t, func() bool {
		s := reg.Snapshot()
		return len(s) == 1 && s[0].HospitalID == "h-7"
	}, 2*time.Second, 20*time.Millisecond)

	// 替换后的文件仍在监听
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("hospitals:\n  - {hospital_id: h-8, capacity: 5}\n"), 0o644))
	assert.Eventually(t, func() bool {
		s := reg.Snapshot()
		return len(s) == 1 && s[0].HospitalID == "h-8"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestDispatcher_PrepareThenDeliver(t *testing.T) {
	hospitals, _ := ParseRegistry([]byte(registryYAML))
	fn := &fakeNotifier{}
	d := NewDispatcher(NewRegistry(hospitals, zap.NewNop()), fn, time.Second, zap.NewNop())

	del, ok := d.Prepare(testAlert(), sanFrancisco)
	require.True(t, ok)
	assert.Equal(t, del.Hospital.HospitalID, del.Nearest.HospitalID)
	assert.Equal(t, del.Hospital.HospitalID, del.Notification.HospitalID)
	assert.Equal(t, "h-002", del.Nearest.HospitalID)

	fn.err = errors.New("broker down")
	assert.Error(t, d.Deliver(context.Background(), del))
	fn.err = nil
	require.NoError(t, d.Deliver(context.Background(), del))
	assert.Len(t, fn.calls, 2)
}

func TestWebhookNotifier_ClientErrorsNotRetried(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path == "/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(time.Second, zap.NewNop())
	policy := retry.Policy{Attempts: 3, Base: time.Millisecond, Max: time.Millisecond}
	send := func(url string) error {
		return retry.Do(context.Background(), policy, func(ctx context.Context) error {
			return n.Notify(ctx, models.Hospital{HospitalID: "h-1", WebhookURL: url}, Notification{})
		}, nil)
	}

	assert.Error(t, send(srv.URL+"/gone"))
	assert.Equal(t, 1, hits)

	hits = 0
	assert.Error(t, send(srv.URL+"/busy"))
	assert.Equal(t, 3, hits)
}
