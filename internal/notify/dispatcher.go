package notify

import (
	"context"
	"math"
	"time"

	"wisefido-vitals/internal/models"

	"go.uber.org/zap"
)

// Dispatcher 通知分发器：选最近医院并投递，失败只记录不回滚报警
type Dispatcher struct {
	registry *Registry
	notifier Notifier
	timeout  time.Duration
	logger   *zap.Logger
}

// NewDispatcher 创建通知分发器
func NewDispatcher(registry *Registry, notifier Notifier, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		registry: registry,
		notifier: notifier,
		timeout:  timeout,
		logger:   logger,
	}
}

// Delivery 一次待投递的通知（医院已确定，重试时保持不变）
type Delivery struct {
	Hospital     models.Hospital
	Nearest      *models.NearestHospital
	Notification Notification
}

// Prepare 选出离患者最近的医院并组装通知；没有可用医院时返回 false
func (d *Dispatcher) Prepare(alert *models.Alert, loc models.Location) (*Delivery, bool) {
	hospital, dist, ok := Nearest(d.registry.Snapshot(), loc)
	if !ok {
		d.logger.Warn("No eligible hospital for alert",
			zap.String("alert_id", alert.AlertID),
			zap.String("patient_id", alert.PatientID),
		)
		return nil, false
	}

	nearest := &models.NearestHospital{
		HospitalID: hospital.HospitalID,
		Name:       hospital.Name,
		Address:    hospital.Address,
		DistanceKm: math.Round(dist*100) / 100,
	}
	return &Delivery{
		Hospital: hospital,
		Nearest:  nearest,
		Notification: Notification{
			AlertID:    alert.AlertID,
			PatientID:  alert.PatientID,
			Severity:   alert.Severity,
			Reason:     alert.Reason,
			Message:    alert.Message,
			Timestamp:  alert.Timestamp,
			SHA256Hash: alert.SHA256Hash,
			Metrics:    alert.MetricSnapshot,
			Location:   loc,
			HospitalID: hospital.HospitalID,
			DistanceKm: nearest.DistanceKm,
		},
	}, true
}

// Deliver 单次投递，超时由分发器控制
func (d *Dispatcher) Deliver(ctx context.Context, del *Delivery) error {
	nctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.notifier.Notify(nctx, del.Hospital, del.Notification); err != nil {
		d.logger.Warn("Failed to notify hospital",
			zap.String("alert_id", del.Notification.AlertID),
			zap.String("hospital_id", del.Hospital.HospitalID),
			zap.Error(err),
		)
		return err
	}
	d.logger.Info("Hospital notified",
		zap.String("alert_id", del.Notification.AlertID),
		zap.String("hospital_id", del.Hospital.HospitalID),
		zap.Float64("distance_km", del.Nearest.DistanceKm),
	)
	return nil
}

// Dispatch 选医院并投递一次
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.Alert, loc models.Location) models.DispatchResult {
	del, ok := d.Prepare(alert, loc)
	if !ok {
		return models.DispatchResult{}
	}
	if err := d.Deliver(ctx, del); err != nil {
		return models.DispatchResult{Hospital: del.Nearest, Delivered: false}
	}
	return models.DispatchResult{Hospital: del.Nearest, Delivered: true}
}
