package fingerprint

import (
	"bytes"
	"strconv"
	"time"

	"wisefido-vitals/internal/models"
)

// VersionV1 规范编码 v1
//
// 字段顺序固定，每个字段一行：key:len:value\n
// len 为 value 的 UTF-8 字节数；缺省值编码为空串（len=0）。
// 时间统一截断到微秒后按 RFC3339Nano UTC 输出（与 TIMESTAMPTZ 存储精度一致），
// 浮点使用最短往返十进制表示。
const VersionV1 = "v1"

// CurrentVersion 新报警使用的编码版本
const CurrentVersion = VersionV1

func encodeV1(core models.AlertCore) []byte {
	var buf bytes.Buffer
	s := core.MetricSnapshot

	glucose := ""
	if s.GlucoseLevel != nil {
		glucose = strconv.FormatFloat(*s.GlucoseLevel, 'f', -1, 64)
	}
	heartRate := ""
	if s.HeartRate != nil {
		heartRate = strconv.Itoa(*s.HeartRate)
	}

	writeRecord(&buf, "patient_id", core.PatientID)
	writeRecord(&buf, "timestamp", core.Timestamp.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano))
	writeRecord(&buf, "metric.glucose_level", glucose)
	writeRecord(&buf, "metric.heart_rate", heartRate)
	writeRecord(&buf, "metric.battery_level", strconv.Itoa(s.BatteryLevel))
	writeRecord(&buf, "metric.device_type", s.DeviceType)
	writeRecord(&buf, "severity", string(core.Severity))
	writeRecord(&buf, "message", core.Message)
	return buf.Bytes()
}

func writeRecord(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteByte(':')
	buf.WriteString(strconv.Itoa(len(value)))
	buf.WriteByte(':')
	buf.WriteString(value)
	buf.WriteByte('\n')
}

// Canonical 按指定版本生成规范编码
func Canonical(core models.AlertCore, version string) ([]byte, error) {
	switch version {
	case VersionV1:
		return encodeV1(core), nil
	}
	return nil, models.ConfigurationError("fingerprint.canonical", "unknown hash version %q", version)
}
