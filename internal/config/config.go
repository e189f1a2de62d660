package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"wisefido-vitals/common/config"
)

// 后端选择
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendHTTP     = "http"
	BackendMQTT     = "mqtt"
	BackendKafka    = "kafka"
	BackendWebhook  = "webhook"
	BackendSim      = "simulator"
	BackendLog      = "log"
)

// Config 生命体征监测服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Kafka    config.KafkaConfig

	// 监测服务特定配置
	Vitals struct {
		StoreBackend    string // 报警存储：postgres | memory
		PatientBackend  string // 患者档案：postgres | memory
		ReadingBackend  string // 原始读数：postgres | memory
		LedgerBackend   string // 账本：redis | http | memory
		NotifyBackend   string // 医院通知：mqtt | webhook | log
		SourceBackend   string // 读数来源：mqtt | kafka | simulator
		EventLogBackend string // 事件日志：redis | memory

		// 重试策略（存储与上链共用）
		Retry struct {
			Attempts int
			Base     time.Duration
			Max      time.Duration
		}

		// 预警/紧急区间（critical 70/250、50/120 固定，不可配置）
		Thresholds struct {
			GlucoseWarnLow    float64
			GlucoseWarnHigh   float64
			GlucoseEmergLow   float64
			GlucoseEmergHigh  float64
			HeartRateWarnLow  int
			HeartRateWarnHigh int
			HeartRateEmerLow  int
			HeartRateEmerHigh int
		}

		Ledger struct {
			Stream     string // Redis 账本流，如 "vitals:ledger"
			IndexKey   string // 报警ID -> 条目ID 索引
			GatewayURL string // HTTP 账本网关
			Timeout    time.Duration
		}

		Notify struct {
			RegistryPath string // 医院登记 YAML
			TopicPrefix  string // MQTT 主题前缀，如 "hospital/"
			Timeout      time.Duration
		}

		Source struct {
			ReadingTopic string // MQTT 订阅主题，如 "devices/+/readings"
		}

		Simulator struct {
			Interval       time.Duration
			CriticalChance float64
			SeedPatients   bool // 患者档案为空时写入演示患者
		}

		EventStream string // 事件日志流，如 "vitals:events"
		LaneBuffer  int    // 每个患者队列长度
		MetricsAddr string // Prometheus 监听地址，空则不启动
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "owlrd"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "wisefido-vitals"
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.Topic = "vitals.readings"
	cfg.Kafka.GroupID = "wisefido-vitals"
	cfg.Kafka.LoadFromEnv("KAFKA")

	v := &cfg.Vitals
	v.StoreBackend = getEnv("VITALS_STORE_BACKEND", BackendPostgres)
	v.PatientBackend = getEnv("VITALS_PATIENT_BACKEND", BackendPostgres)
	v.ReadingBackend = getEnv("VITALS_READING_BACKEND", BackendPostgres)
	v.LedgerBackend = getEnv("VITALS_LEDGER_BACKEND", BackendRedis)
	v.NotifyBackend = getEnv("VITALS_NOTIFY_BACKEND", BackendMQTT)
	v.SourceBackend = getEnv("VITALS_SOURCE_BACKEND", BackendMQTT)
	v.EventLogBackend = getEnv("VITALS_EVENTLOG_BACKEND", BackendRedis)

	var err error
	if v.Retry.Attempts, err = getEnvInt("VITALS_RETRY_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if v.Retry.Base, err = getEnvDuration("VITALS_RETRY_BASE", time.Second); err != nil {
		return nil, err
	}
	if v.Retry.Max, err = getEnvDuration("VITALS_RETRY_MAX", 30*time.Second); err != nil {
		return nil, err
	}

	t := &v.Thresholds
	if t.GlucoseWarnLow, err = getEnvFloat("VITALS_GLUCOSE_WARN_LOW", 80); err != nil {
		return nil, err
	}
	if t.GlucoseWarnHigh, err = getEnvFloat("VITALS_GLUCOSE_WARN_HIGH", 200); err != nil {
		return nil, err
	}
	if t.GlucoseEmergLow, err = getEnvFloat("VITALS_GLUCOSE_EMERGENCY_LOW", 40); err != nil {
		return nil, err
	}
	if t.GlucoseEmergHigh, err = getEnvFloat("VITALS_GLUCOSE_EMERGENCY_HIGH", 400); err != nil {
		return nil, err
	}
	if t.HeartRateWarnLow, err = getEnvInt("VITALS_HR_WARN_LOW", 55); err != nil {
		return nil, err
	}
	if t.HeartRateWarnHigh, err = getEnvInt("VITALS_HR_WARN_HIGH", 110); err != nil {
		return nil, err
	}
	if t.HeartRateEmerLow, err = getEnvInt("VITALS_HR_EMERGENCY_LOW", 40); err != nil {
		return nil, err
	}
	if t.HeartRateEmerHigh, err = getEnvInt("VITALS_HR_EMERGENCY_HIGH", 150); err != nil {
		return nil, err
	}

	v.Ledger.Stream = getEnv("VITALS_LEDGER_STREAM", "vitals:ledger")
	v.Ledger.IndexKey = getEnv("VITALS_LEDGER_INDEX", "vitals:ledger:index")
	v.Ledger.GatewayURL = getEnv("VITALS_LEDGER_GATEWAY_URL", "http://localhost:8545")
	if v.Ledger.Timeout, err = getEnvDuration("VITALS_LEDGER_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	v.Notify.RegistryPath = getEnv("VITALS_HOSPITAL_REGISTRY", "hospitals.yaml")
	v.Notify.TopicPrefix = getEnv("VITALS_HOSPITAL_TOPIC_PREFIX", "hospital/")
	if v.Notify.Timeout, err = getEnvDuration("VITALS_NOTIFY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	v.Source.ReadingTopic = getEnv("VITALS_READING_TOPIC", "devices/+/readings")

	if v.Simulator.Interval, err = getEnvDuration("VITALS_SIM_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if v.Simulator.CriticalChance, err = getEnvFloat("VITALS_SIM_CRITICAL_CHANCE", 0.05); err != nil {
		return nil, err
	}
	v.Simulator.SeedPatients = getEnv("VITALS_SIM_SEED_PATIENTS", "false") == "true"

	v.EventStream = getEnv("VITALS_EVENT_STREAM", "vitals:events")
	if v.LaneBuffer, err = getEnvInt("VITALS_LANE_BUFFER", 64); err != nil {
		return nil, err
	}
	v.MetricsAddr = getEnv("VITALS_METRICS_ADDR", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验后端选择与区间
func (c *Config) Validate() error {
	v := &c.Vitals
	checks := []struct {
		name    string
		value   string
		allowed []string
	}{
		{"VITALS_STORE_BACKEND", v.StoreBackend, []string{BackendPostgres, BackendMemory}},
		{"VITALS_PATIENT_BACKEND", v.PatientBackend, []string{BackendPostgres, BackendMemory}},
		{"VITALS_READING_BACKEND", v.ReadingBackend, []string{BackendPostgres, BackendMemory}},
		{"VITALS_LEDGER_BACKEND", v.LedgerBackend, []string{BackendRedis, BackendHTTP, BackendMemory}},
		{"VITALS_NOTIFY_BACKEND", v.NotifyBackend, []string{BackendMQTT, BackendWebhook, BackendLog}},
		{"VITALS_SOURCE_BACKEND", v.SourceBackend, []string{BackendMQTT, BackendKafka, BackendSim}},
		{"VITALS_EVENTLOG_BACKEND", v.EventLogBackend, []string{BackendRedis, BackendMemory}},
	}
	for _, ch := range checks {
		if !contains(ch.allowed, ch.value) {
			return fmt.Errorf("invalid %s %q (allowed: %v)", ch.name, ch.value, ch.allowed)
		}
	}

	if v.Retry.Attempts < 1 {
		return fmt.Errorf("VITALS_RETRY_ATTEMPTS must be >= 1, got %d", v.Retry.Attempts)
	}
	if v.Retry.Base <= 0 || v.Retry.Max < v.Retry.Base {
		return fmt.Errorf("invalid retry backoff: base=%s max=%s", v.Retry.Base, v.Retry.Max)
	}

	t := v.Thresholds
	// 预警区间必须在 critical 区间之内
	if t.GlucoseWarnLow < 70 || t.GlucoseWarnHigh > 250 || t.GlucoseWarnLow >= t.GlucoseWarnHigh {
		return fmt.Errorf("glucose warning band [%v,%v] must lie within [70,250]", t.GlucoseWarnLow, t.GlucoseWarnHigh)
	}
	if t.GlucoseEmergLow > 70 || t.GlucoseEmergHigh < 250 {
		return fmt.Errorf("glucose emergency band [%v,%v] must lie outside [70,250]", t.GlucoseEmergLow, t.GlucoseEmergHigh)
	}
	if t.HeartRateWarnLow < 50 || t.HeartRateWarnHigh > 120 || t.HeartRateWarnLow >= t.HeartRateWarnHigh {
		return fmt.Errorf("heart rate warning band [%d,%d] must lie within [50,120]", t.HeartRateWarnLow, t.HeartRateWarnHigh)
	}
	if t.HeartRateEmerLow > 50 || t.HeartRateEmerHigh < 120 {
		return fmt.Errorf("heart rate emergency band [%d,%d] must lie outside [50,120]", t.HeartRateEmerLow, t.HeartRateEmerHigh)
	}

	if v.Simulator.CriticalChance < 0 || v.Simulator.CriticalChance > 1 {
		return fmt.Errorf("VITALS_SIM_CRITICAL_CHANCE must be within [0,1], got %v", v.Simulator.CriticalChance)
	}
	if v.LaneBuffer < 1 {
		return fmt.Errorf("VITALS_LANE_BUFFER must be >= 1, got %d", v.LaneBuffer)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
