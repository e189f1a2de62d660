package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"wisefido-vitals/internal/models"

	"go.uber.org/zap"
)

// PatientRepository 患者档案（病情类别与位置）
type PatientRepository interface {
	GetPatient(ctx context.Context, patientID string) (*models.Patient, error)
	ListPatients(ctx context.Context) ([]*models.Patient, error)
	SavePatient(ctx context.Context, p *models.Patient) error
}

// PostgresPatientRepository 患者档案仓库（PostgreSQL）
type PostgresPatientRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresPatientRepository 创建患者档案仓库
func NewPostgresPatientRepository(db *sql.DB, logger *zap.Logger) *PostgresPatientRepository {
	return &PostgresPatientRepository{db: db, logger: logger}
}

// GetPatient 获取患者档案
func (r *PostgresPatientRepository) GetPatient(ctx context.Context, patientID string) (*models.Patient, error) {
	query := `
		SELECT patient_id, name, condition, device_type, latitude, longitude
		FROM patients
		WHERE patient_id = $1
	`
	var p models.Patient
	err := r.db.QueryRowContext(ctx, query, patientID).Scan(
		&p.PatientID,
		&p.Name,
		&p.Condition,
		&p.DeviceType,
		&p.Location.Latitude,
		&p.Location.Longitude,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("patient %s: %w", patientID, models.ErrNotFound)
		}
		return nil, models.TransientError("patients.get", fmt.Errorf("failed to get patient: %w", err))
	}
	return &p, nil
}

// ListPatients 列出所有患者
func (r *PostgresPatientRepository) ListPatients(ctx context.Context) ([]*models.Patient, error) {
	query := `
		SELECT patient_id, name, condition, device_type, latitude, longitude
		FROM patients
		ORDER BY patient_id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, models.TransientError("patients.list", fmt.Errorf("failed to list patients: %w", err))
	}
	defer rows.Close()

	var patients []*models.Patient
	for rows.Next() {
		var p models.Patient
		if err := rows.Scan(&p.PatientID, &p.Name, &p.Condition, &p.DeviceType,
			&p.Location.Latitude, &p.Location.Longitude); err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		patients = append(patients, &p)
	}
	return patients, rows.Err()
}

// SavePatient 新增或更新患者档案
func (r *PostgresPatientRepository) SavePatient(ctx context.Context, p *models.Patient) error {
	if !p.Condition.Valid() {
		return models.ConfigurationError("patients.save", "unknown condition %q", string(p.Condition))
	}
	query := `
		INSERT INTO patients (patient_id, name, condition, device_type, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (patient_id) DO UPDATE SET
			name = EXCLUDED.name,
			condition = EXCLUDED.condition,
			device_type = EXCLUDED.device_type,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, p.PatientID, p.Name, string(p.Condition), p.DeviceType,
		p.Location.Latitude, p.Location.Longitude)
	if err != nil {
		return models.TransientError("patients.save", fmt.Errorf("failed to save patient: %w", err))
	}
	return nil
}

// MemoryPatientRepository 内存患者档案
type MemoryPatientRepository struct {
	mu       sync.RWMutex
	patients map[string]models.Patient
}

// NewMemoryPatientRepository 创建内存患者档案
func NewMemoryPatientRepository(patients ...models.Patient) *MemoryPatientRepository {
	r := &MemoryPatientRepository{patients: make(map[string]models.Patient)}
	for _, p := range patients {
		r.patients[p.PatientID] = p
	}
	return r
}

// GetPatient 获取患者档案
func (r *MemoryPatientRepository) GetPatient(ctx context.Context, patientID string) (*models.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[patientID]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", patientID, models.ErrNotFound)
	}
	return &p, nil
}

// ListPatients 列出所有患者（按ID排序）
func (r *MemoryPatientRepository) ListPatients(ctx context.Context) ([]*models.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Patient, 0, len(r.patients))
	for _, p := range r.patients {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out, nil
}

// SavePatient 新增或更新患者档案
func (r *MemoryPatientRepository) SavePatient(ctx context.Context, p *models.Patient) error {
	if !p.Condition.Valid() {
		return models.ConfigurationError("patients.save", "unknown condition %q", string(p.Condition))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.PatientID] = *p
	return nil
}
