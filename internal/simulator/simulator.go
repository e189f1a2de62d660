package simulator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"wisefido-vitals/internal/consumer"
	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Simulator 模拟设备：按固定间隔为每个患者生成读数
type Simulator struct {
	patients       repository.PatientRepository
	interval       time.Duration
	criticalChance float64
	logger         *zap.Logger

	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// New 创建模拟器；criticalChance 为单条读数越界的概率
func New(patients repository.PatientRepository, interval time.Duration, criticalChance float64, seed int64, logger *zap.Logger) *Simulator {
	return &Simulator{
		patients:       patients,
		interval:       interval,
		criticalChance: criticalChance,
		logger:         logger,
		rnd:            rand.New(rand.NewSource(seed)),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// between 闭区间随机整数
func (s *Simulator) between(lo, hi int) int {
	return lo + s.rnd.Intn(hi-lo+1)
}

// Generate 为患者生成一条读数（只填写病情对应的指标）
func (s *Simulator) Generate(p models.Patient) models.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := models.Reading{
		ReadingID:  uuid.New().String(),
		PatientID:  p.PatientID,
		Timestamp:  s.now(),
		DeviceType: p.DeviceType,
	}
	critical := s.rnd.Float64() < s.criticalChance

	switch {
	case p.Condition.IsDiabetes():
		var g int
		switch {
		case critical && s.rnd.Intn(2) == 0:
			g = s.between(40, 65)
		case critical:
			g = s.between(251, 400)
		default:
			g = s.between(70, 180)
		}
		v := float64(g)
		r.GlucoseLevel = &v
	default:
		var hr int
		switch {
		case critical && s.rnd.Intn(2) == 0:
			hr = s.between(30, 49)
		case critical:
			hr = s.between(121, 180)
		default:
			hr = s.between(60, 100)
		}
		r.HeartRate = &hr
	}

	if s.rnd.Float64() < s.criticalChance {
		r.BatteryLevel = s.between(5, 14)
	} else {
		r.BatteryLevel = s.between(15, 100)
	}
	return r
}

// Run 周期性生成读数交给 sink，阻塞直到 ctx 取消
func (s *Simulator) Run(ctx context.Context, sink consumer.Sink) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Device simulator started",
		zap.Duration("interval", s.interval),
		zap.Float64("critical_chance", s.criticalChance),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			patients, err := s.patients.ListPatients(ctx)
			if err != nil {
				s.logger.Error("Failed to list patients for simulation", zap.Error(err))
				continue
			}
			for _, p := range patients {
				if err := sink(ctx, s.Generate(*p)); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					s.logger.Warn("Simulated reading rejected",
						zap.String("patient_id", p.PatientID),
						zap.Error(err),
					)
				}
			}
		}
	}
}

var demoNames = []string{
	"Alice Chen", "Bob Martinez", "Carol Williams", "David Lee", "Emma Johnson",
	"Frank Brown", "Grace Kim", "Henry Wilson", "Iris Patel", "James Taylor",
}

var demoCities = []models.Location{
	{Latitude: 40.7128, Longitude: -74.0060},
	{Latitude: 34.0522, Longitude: -118.2437},
	{Latitude: 41.8781, Longitude: -87.6298},
	{Latitude: 29.7604, Longitude: -95.3698},
	{Latitude: 37.7749, Longitude: -122.4194},
}

// DemoPatients 演示患者名单（病情与设备轮换，位置分布在几个城市）
func DemoPatients() []models.Patient {
	conditions := []models.Condition{
		models.ConditionDiabetesType1,
		models.ConditionDiabetesType2,
		models.ConditionHeartCondition,
	}
	patients := make([]models.Patient, 0, len(demoNames))
	for i, name := range demoNames {
		c := conditions[i%len(conditions)]
		device := "glucose_monitor"
		if c == models.ConditionHeartCondition {
			device = "pacemaker"
		} else if i%2 == 1 {
			device = "insulin_pump"
		}
		patients = append(patients, models.Patient{
			PatientID:  fmt.Sprintf("patient-%03d", i+1),
			Name:       name,
			Condition:  c,
			DeviceType: device,
			Location:   demoCities[i%len(demoCities)],
		})
	}
	return patients
}
