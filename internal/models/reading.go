package models

import (
	"time"
)

// Condition 患者病情类别（建档时确定，决定阈值表和读数字段）
type Condition string

const (
	ConditionDiabetesType1  Condition = "diabetes_type1"
	ConditionDiabetesType2  Condition = "diabetes_type2"
	ConditionHeartCondition Condition = "heart_condition"
)

// IsDiabetes 是否为糖尿病类别（监测血糖）
func (c Condition) IsDiabetes() bool {
	return c == ConditionDiabetesType1 || c == ConditionDiabetesType2
}

// Valid 是否为已知类别
func (c Condition) Valid() bool {
	return c.IsDiabetes() || c == ConditionHeartCondition
}

// Reading 设备读数（设备源产生，创建后不可变）
type Reading struct {
	ReadingID    string    `json:"reading_id,omitempty"`
	PatientID    string    `json:"patient_id"`
	Timestamp    time.Time `json:"timestamp"`
	GlucoseLevel *float64  `json:"glucose_level,omitempty"` // mg/dL
	HeartRate    *int      `json:"heart_rate,omitempty"`    // bpm
	BatteryLevel int       `json:"battery_level"`           // 百分比
	DeviceType   string    `json:"device_type"`             // glucose_monitor, insulin_pump, pacemaker ...
}

// Snapshot 读数的指标快照（写入报警并参与哈希）
func (r Reading) Snapshot() MetricSnapshot {
	s := MetricSnapshot{
		BatteryLevel: r.BatteryLevel,
		DeviceType:   r.DeviceType,
	}
	if r.GlucoseLevel != nil {
		v := *r.GlucoseLevel
		s.GlucoseLevel = &v
	}
	if r.HeartRate != nil {
		v := *r.HeartRate
		s.HeartRate = &v
	}
	return s
}

// MetricSnapshot 报警时刻的指标快照
type MetricSnapshot struct {
	GlucoseLevel *float64 `json:"glucose_level,omitempty"`
	HeartRate    *int     `json:"heart_rate,omitempty"`
	BatteryLevel int      `json:"battery_level"`
	DeviceType   string   `json:"device_type"`
}

// Location 地理位置（WGS84）
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Patient 患者档案（病情类别 + 位置）
type Patient struct {
	PatientID  string    `json:"patient_id" db:"patient_id"`
	Name       string    `json:"name" db:"name"`
	Condition  Condition `json:"condition" db:"condition"`
	DeviceType string    `json:"device_type" db:"device_type"`
	Location   Location  `json:"location"`
}
