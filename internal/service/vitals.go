package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"wisefido-vitals/common/database"
	mqttcommon "wisefido-vitals/common/mqtt"
	rediscommon "wisefido-vitals/common/redis"
	"wisefido-vitals/internal/audit"
	"wisefido-vitals/internal/config"
	"wisefido-vitals/internal/consumer"
	"wisefido-vitals/internal/evaluator"
	"wisefido-vitals/internal/eventlog"
	"wisefido-vitals/internal/fingerprint"
	"wisefido-vitals/internal/ledger"
	"wisefido-vitals/internal/metrics"
	"wisefido-vitals/internal/models"
	"wisefido-vitals/internal/notify"
	"wisefido-vitals/internal/repository"
	"wisefido-vitals/internal/retry"
	"wisefido-vitals/internal/simulator"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ReadingSource 读数来源（MQTT / Kafka / 模拟器）
type ReadingSource interface {
	Run(ctx context.Context, sink consumer.Sink) error
}

// VitalsService 生命体征监测服务（整合各层）
type VitalsService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	logger      *zap.Logger

	// 各层组件
	metrics  *metrics.Metrics
	store    repository.AlertRepository
	patients repository.PatientRepository
	readings repository.ReadingRepository
	events   eventlog.Log
	anchor   ledger.Anchor
	registry *notify.Registry
	monitor  *Monitor
	auditor  *audit.Auditor
	source   ReadingSource
	closers  []func() error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewVitalsService 按配置选择后端并创建服务
func NewVitalsService(cfg *config.Config, logger *zap.Logger) (s *VitalsService, err error) {
	ctx := context.Background()
	v := &cfg.Vitals
	s = &VitalsService{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			s.closeClients()
		}
	}()

	// 1. 连接数据库（任一仓储使用 Postgres 时）
	if v.StoreBackend == config.BackendPostgres || v.PatientBackend == config.BackendPostgres ||
		v.ReadingBackend == config.BackendPostgres {
		if s.db, err = database.NewPostgresDB(ctx, &cfg.Database); err != nil {
			return nil, err
		}
		if err = repository.EnsureSchema(ctx, s.db); err != nil {
			return nil, err
		}
	}

	// 2. 连接 Redis（账本或事件日志使用 Redis 时）
	if v.LedgerBackend == config.BackendRedis || v.EventLogBackend == config.BackendRedis {
		s.redisClient = rediscommon.NewRedisClient(&cfg.Redis, logger)
		if err = rediscommon.Ping(ctx, s.redisClient); err != nil {
			return nil, err
		}
	}

	// 3. 连接 MQTT（读数来源或医院通知使用 MQTT 时）
	if v.SourceBackend == config.BackendMQTT || v.NotifyBackend == config.BackendMQTT {
		if s.mqttClient, err = mqttcommon.NewClient(&cfg.MQTT, logger); err != nil {
			return nil, fmt.Errorf("failed to connect mqtt: %w", err)
		}
	}

	// 4. 创建 Repository 层
	s.store = repository.NewMemoryAlertRepository()
	if v.StoreBackend == config.BackendPostgres {
		s.store = repository.NewPostgresAlertRepository(s.db, logger)
	}
	s.patients = repository.NewMemoryPatientRepository()
	if v.PatientBackend == config.BackendPostgres {
		s.patients = repository.NewPostgresPatientRepository(s.db, logger)
	}
	s.readings = repository.NewMemoryReadingRepository(1000)
	if v.ReadingBackend == config.BackendPostgres {
		s.readings = repository.NewPostgresReadingRepository(s.db, logger)
	}
	s.events = eventlog.NewMemoryLog(1000)
	if v.EventLogBackend == config.BackendRedis {
		s.events = eventlog.NewRedisLog(s.redisClient, v.EventStream)
	}

	if v.Simulator.SeedPatients {
		if err = s.seedPatients(ctx); err != nil {
			return nil, err
		}
	}

	// 5. 账本与通知
	switch v.LedgerBackend {
	case config.BackendRedis:
		s.anchor = ledger.NewRedisStreamAnchor(s.redisClient, v.Ledger.Stream, v.Ledger.IndexKey, logger)
	case config.BackendHTTP:
		s.anchor = ledger.NewHTTPAnchor(v.Ledger.GatewayURL, v.Ledger.Timeout, logger)
	default:
		s.anchor = ledger.NewMemoryAnchor()
	}

	if s.registry, err = notify.NewRegistryFromFile(v.Notify.RegistryPath, logger); err != nil {
		return nil, err
	}
	var notifier notify.Notifier
	switch v.NotifyBackend {
	case config.BackendMQTT:
		notifier = notify.NewMQTTNotifier(s.mqttClient, v.Notify.TopicPrefix, cfg.MQTT.QoS, logger)
	case config.BackendWebhook:
		notifier = notify.NewWebhookNotifier(v.Notify.Timeout, logger)
	default:
		notifier = notify.NewLogNotifier(logger)
	}

	// 6. 评估、指纹与编排器
	eval, err := evaluator.NewEvaluator(evaluator.ThresholdsFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	engine, err := fingerprint.NewEngine(fingerprint.CurrentVersion)
	if err != nil {
		return nil, err
	}
	s.monitor, err = NewMonitor(Deps{
		Evaluator:  eval,
		Hasher:     engine,
		Store:      s.store,
		Anchor:     s.anchor,
		Dispatcher: notify.NewDispatcher(s.registry, notifier, v.Notify.Timeout, logger),
		Patients:   s.patients,
		Readings:   s.readings,
		Events:     s.events,
		Metrics:    s.metrics,
	}, Options{
		Retry:      retry.Policy{Attempts: v.Retry.Attempts, Base: v.Retry.Base, Max: v.Retry.Max},
		LaneBuffer: v.LaneBuffer,
	}, logger)
	if err != nil {
		return nil, err
	}
	s.auditor = audit.NewAuditor(s.store, engine, s.anchor, logger)

	// 7. 读数来源
	switch v.SourceBackend {
	case config.BackendMQTT:
		s.source = consumer.NewMQTTSource(s.mqttClient, v.Source.ReadingTopic, cfg.MQTT.QoS, logger)
	case config.BackendKafka:
		ks, err := consumer.NewKafkaSource(&cfg.Kafka, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, ks.Close)
		s.source = ks
	default:
		s.source = simulator.New(s.patients, v.Simulator.Interval, v.Simulator.CriticalChance, time.Now().UnixNano(), logger)
	}

	return s, nil
}

// seedPatients 患者档案为空时写入演示患者
func (s *VitalsService) seedPatients(ctx context.Context) error {
	existing, err := s.patients.ListPatients(ctx)
	if err != nil {
		return fmt.Errorf("failed to list patients: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	for _, p := range simulator.DemoPatients() {
		p := p
		if err := s.patients.SavePatient(ctx, &p); err != nil {
			return fmt.Errorf("failed to seed patient %s: %w", p.PatientID, err)
		}
	}
	s.logger.Info("Seeded demo patients", zap.Int("count", len(simulator.DemoPatients())))
	return nil
}

// Start 启动服务：恢复未上链报警，监听医院登记，开始消费读数
func (s *VitalsService) Start(ctx context.Context) error {
	s.logger.Info("Starting vitals service",
		zap.String("source", s.config.Vitals.SourceBackend),
		zap.String("ledger", s.config.Vitals.LedgerBackend),
		zap.String("notify", s.config.Vitals.NotifyBackend),
	)

	if _, err := s.monitor.ResumePending(ctx); err != nil {
		return fmt.Errorf("failed to resume pending anchors: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.registry.Watch(runCtx, s.config.Vitals.Notify.RegistryPath); err != nil {
			s.logger.Error("Hospital registry watch stopped", zap.Error(err))
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.source.Run(runCtx, s.monitor.Submit); err != nil && runCtx.Err() == nil {
			s.logger.Error("Reading source stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop 停止服务
func (s *VitalsService) Stop() error {
	s.logger.Info("Stopping vitals service")

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.monitor.Stop()
	s.closeClients()
	return nil
}

func (s *VitalsService) closeClients() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			s.logger.Error("Failed to close reading source", zap.Error(err))
		}
	}
	s.closers = nil

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
		s.mqttClient = nil
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
		s.db = nil
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
		s.redisClient = nil
	}
}

// Metrics 服务指标（供 /metrics 暴露）
func (s *VitalsService) Metrics() *metrics.Metrics {
	return s.metrics
}

// Monitor 编排器（直接提交读数）
func (s *VitalsService) Monitor() *Monitor {
	return s.monitor
}

// RecentAlerts 所有患者最近存储的报警事件（最新在前）
func (s *VitalsService) RecentAlerts(ctx context.Context, n int) ([]models.PipelineEvent, error) {
	if n <= 0 {
		n = 20
	}
	// 每个报警约产生 3 条事件
	events, err := s.events.Recent(ctx, n*4)
	if err != nil {
		return nil, err
	}
	stored := eventlog.Filter(events, models.EventAlertStored)
	if len(stored) > n {
		stored = stored[:n]
	}
	return stored, nil
}

// PatientHistory 患者报警历史（最新在前）
func (s *VitalsService) PatientHistory(ctx context.Context, patientID string, limit int) ([]*models.Alert, error) {
	return s.store.ListByPatient(ctx, patientID, limit)
}

// VerifyAlert 审计单条报警
func (s *VitalsService) VerifyAlert(ctx context.Context, alertID string) (audit.Result, error) {
	return s.auditor.VerifyAlert(ctx, alertID)
}

// ExportPatientAudit 导出患者审计表
func (s *VitalsService) ExportPatientAudit(ctx context.Context, patientID string) ([]byte, error) {
	return s.auditor.ExportPatientAudit(ctx, patientID, 0)
}
