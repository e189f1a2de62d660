package fingerprint

import (
	"errors"
	"strings"
	"testing"
	"time"

	"wisefido-vitals/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCore() models.AlertCore {
	g := 45.0
	return models.AlertCore{
		PatientID: "p-001",
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 123000000, time.UTC),
		MetricSnapshot: models.MetricSnapshot{
			GlucoseLevel: &g,
			BatteryLevel: 80,
			DeviceType:   "glucose_monitor",
		},
		Severity: models.SeverityCritical,
		Message:  "Dangerously low glucose: 45 mg/dL",
	}
}

func TestCanonical_V1Layout(t *testing.T) {
	b, err := Canonical(sampleCore(), VersionV1)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, "patient_id:5:p-001", lines[0])
	assert.Equal(t, "timestamp:24:2026-03-01T08:00:00.123Z", lines[1])
	assert.Equal(t, "metric.glucose_level:2:45", lines[2])
	assert.Equal(t, "metric.heart_rate:0:", lines[3])
	assert.Equal(t, "severity:8:critical", lines[6])
}

func TestFingerprint_Deterministic(t *testing.T) {
	e, err := NewEngine("")
	require.NoError(t, err)

	d1, err := e.Fingerprint(sampleCore())
	require.NoError(t, err)
	d2, err := e.Fingerprint(sampleCore())
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, VersionV1, d1.Version)
	assert.Len(t, d1.Value, 64)
}

func TestFingerprint_TimezoneNormalized(t *testing.T) {
	e, err := NewEngine(VersionV1)
	require.NoError(t, err)

	utc := sampleCore()
	local := sampleCore()
	local.Timestamp = utc.Timestamp.In(time.FixedZone("UTC+8", 8*3600))

	d1, _ := e.Fingerprint(utc)
	d2, _ := e.Fingerprint(local)
	assert.Equal(t, d1.Value, d2.Value)
}

func TestFingerprint_MicrosecondPrecision(t *testing.T) {
	e, err := NewEngine(VersionV1)
	require.NoError(t, err)

	// 存储只保留微秒，亚微秒差异不影响指纹
	stored := sampleCore()
	stored.Timestamp = time.Date(2026, 3, 1, 8, 0, 0, 123456000, time.UTC)
	received := stored
	received.Timestamp = stored.Timestamp.Add(789 * time.Nanosecond)

	d1, err := e.Fingerprint(stored)
	require.NoError(t, err)
	d2, err := e.Fingerprint(received)
	require.NoError(t, err)
	assert.Equal(t, d1.Value, d2.Value)

	b, err := Canonical(received, VersionV1)
	require.NoError(t, err)
	assert.Contains(t, string(b), "timestamp:27:2026-03-01T08:00:00.123456Z\n")
}

func TestFingerprint_SensitiveToEveryField(t *testing.T) {
	e, err := NewEngine(VersionV1)
	require.NoError(t, err)
	base, _ := e.Fingerprint(sampleCore())

	mutations := map[string]func(c *models.AlertCore){
		"patient":   func(c *models.AlertCore) { c.PatientID = "p-002" },
		"timestamp": func(c *models.AlertCore) { c.Timestamp = c.Timestamp.Add(time.Microsecond) },
		"glucose":   func(c *models.AlertCore) { g := 45.1; c.MetricSnapshot.GlucoseLevel = &g },
		"battery":   func(c *models.AlertCore) { c.MetricSnapshot.BatteryLevel = 79 },
		"severity":  func(c *models.AlertCore) { c.Severity = models.SeverityEmergency },
		"message":   func(c *models.AlertCore) { c.Message += "." },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			c := sampleCore()
			mutate(&c)
			d, err := e.Fingerprint(c)
			require.NoError(t, err)
			assert.NotEqual(t, base.Value, d.Value)
		})
	}
}

func TestFingerprint_LengthPrefixPreventsShifting(t *testing.T) {
	e, _ := NewEngine(VersionV1)

	a := sampleCore()
	a.PatientID = "p-1"
	a.Message = "x\nseverity:8:critical"
	b := sampleCore()
	b.PatientID = "p-1"
	b.Message = "x"

	da, _ := e.Fingerprint(a)
	db, _ := e.Fingerprint(b)
	assert.NotEqual(t, da.Value, db.Value)
}

func TestVerify(t *testing.T) {
	e, err := NewEngine(VersionV1)
	require.NoError(t, err)

	c := sampleCore()
	a := &models.Alert{
		AlertID:        "a-1",
		PatientID:      c.PatientID,
		Timestamp:      c.Timestamp,
		MetricSnapshot: c.MetricSnapshot,
		Severity:       c.Severity,
		Message:        c.Message,
	}
	require.NoError(t, e.Apply(a))
	require.NoError(t, e.Verify(a))

	// 附加下游字段不影响哈希
	ref := "ledger-1"
	a.LedgerRef = &ref
	a.NearestHospital = &models.NearestHospital{HospitalID: "h-1"}
	require.NoError(t, e.Verify(a))

	a.Message = "tampered"
	err = e.Verify(a)
	assert.True(t, errors.Is(err, models.ErrIntegrity))

	a.HashVersion = "v9"
	err = e.Verify(a)
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestNewEngine_UnknownVersion(t *testing.T) {
	_, err := NewEngine("v0")
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}
