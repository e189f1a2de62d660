package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"wisefido-vitals/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReadingRepository 原始读数存储（遥测）
type ReadingRepository interface {
	SaveReading(ctx context.Context, r *models.Reading) error
	// RecentReadings 最近 N 条，时间倒序
	RecentReadings(ctx context.Context, patientID string, limit int) ([]models.Reading, error)
}

// PostgresReadingRepository 原始读数仓库（PostgreSQL vital_readings）
type PostgresReadingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresReadingRepository 创建原始读数仓库
func NewPostgresReadingRepository(db *sql.DB, logger *zap.Logger) *PostgresReadingRepository {
	return &PostgresReadingRepository{db: db, logger: logger}
}

// SaveReading 写入读数（reading_id 为空时生成）
func (r *PostgresReadingRepository) SaveReading(ctx context.Context, reading *models.Reading) error {
	if reading.ReadingID == "" {
		reading.ReadingID = uuid.New().String()
	}

	var glucose sql.NullFloat64
	if reading.GlucoseLevel != nil {
		glucose = sql.NullFloat64{Float64: *reading.GlucoseLevel, Valid: true}
	}
	var heartRate sql.NullInt64
	if reading.HeartRate != nil {
		heartRate = sql.NullInt64{Int64: int64(*reading.HeartRate), Valid: true}
	}

	query := `
		INSERT INTO vital_readings (reading_id, patient_id, recorded_at, glucose_level, heart_rate, battery_level, device_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reading_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		reading.ReadingID,
		reading.PatientID,
		reading.Timestamp.UTC(),
		glucose,
		heartRate,
		reading.BatteryLevel,
		reading.DeviceType,
	)
	if err != nil {
		return models.TransientError("readings.save", fmt.Errorf("failed to insert reading: %w", err))
	}
	return nil
}

// RecentReadings 最近 N 条读数
func (r *PostgresReadingRepository) RecentReadings(ctx context.Context, patientID string, limit int) ([]models.Reading, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT reading_id, patient_id, recorded_at, glucose_level, heart_rate, battery_level, device_type
		FROM vital_readings
		WHERE patient_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, patientID, limit)
	if err != nil {
		return nil, models.TransientError("readings.recent", fmt.Errorf("failed to query readings: %w", err))
	}
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		var rd models.Reading
		var glucose sql.NullFloat64
		var heartRate sql.NullInt64
		if err := rows.Scan(&rd.ReadingID, &rd.PatientID, &rd.Timestamp, &glucose, &heartRate,
			&rd.BatteryLevel, &rd.DeviceType); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		if glucose.Valid {
			g := glucose.Float64
			rd.GlucoseLevel = &g
		}
		if heartRate.Valid {
			hr := int(heartRate.Int64)
			rd.HeartRate = &hr
		}
		readings = append(readings, rd)
	}
	return readings, rows.Err()
}

// MemoryReadingRepository 内存读数仓库（每个患者保留最近 capacity 条）
type MemoryReadingRepository struct {
	mu       sync.RWMutex
	capacity int
	byPatient map[string][]models.Reading
}

// NewMemoryReadingRepository 创建内存读数仓库
func NewMemoryReadingRepository(capacity int) *MemoryReadingRepository {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryReadingRepository{capacity: capacity, byPatient: make(map[string][]models.Reading)}
}

// SaveReading 写入读数
func (r *MemoryReadingRepository) SaveReading(ctx context.Context, reading *models.Reading) error {
	if reading.ReadingID == "" {
		reading.ReadingID = uuid.New().String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.byPatient[reading.PatientID], *reading)
	if len(list) > r.capacity {
		list = list[len(list)-r.capacity:]
	}
	r.byPatient[reading.PatientID] = list
	return nil
}

// RecentReadings 最近 N 条读数（写入顺序倒序）
func (r *MemoryReadingRepository) RecentReadings(ctx context.Context, patientID string, limit int) ([]models.Reading, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byPatient[patientID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]models.Reading, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}
