package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"wisefido-vitals/internal/models"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// SheetName 审计导出工作表名
const SheetName = "Alert Audit"

// ExportHeader 审计导出表头
var ExportHeader = []string{
	"Alert ID",
	"Triggered At",
	"Severity",
	"Reason",
	"Message",
	"Glucose (mg/dL)",
	"Heart Rate (bpm)",
	"Battery (%)",
	"SHA-256",
	"Hash Version",
	"Ledger Ref",
	"Anchor Status",
	"Hospital",
	"Distance (km)",
	"Delivery Status",
	"Hash Valid",
	"Ledger Verified",
	"Detail",
}

var exportColumnWidths = []float64{38, 22, 12, 30, 50, 16, 16, 12, 66, 12, 24, 16, 28, 14, 16, 12, 16, 40}

// ExportPatientAudit 导出患者报警审计表（含逐条校验结果），limit <= 0 时导出最近 500 条
func (a *Auditor) ExportPatientAudit(ctx context.Context, patientID string, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = 500
	}
	alerts, err := a.store.ListByPatient(ctx, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts for patient %s: %w", patientID, err)
	}

	results := make([]Result, len(alerts))
	for i, alert := range alerts {
		res, err := a.verify(ctx, alert)
		if err != nil && !errors.Is(err, models.ErrIntegrity) {
			// 账本暂不可用时仍导出，结果列注明
			res.Detail = joinDetail(res.Detail, "verification unavailable: "+err.Error())
		}
		results[i] = res
	}

	data, err := generateAuditExcel(alerts, results)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Exported patient audit",
		zap.String("patient_id", patientID),
		zap.Int("alerts", len(alerts)),
	)
	return data, nil
}

func generateAuditExcel(alerts []*models.Alert, results []Result) ([]byte, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	failStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FDE2E2"}, Pattern: 1},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create highlight style: %w", err)
	}

	for col, header := range ExportHeader {
		if err := setCellValue(f, col+1, 1, header); err != nil {
			f.Close()
			return nil, err
		}
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellStyle(SheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(SheetName, name, name, exportColumnWidths[col]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, alert := range alerts {
		row := i + 2
		for col, value := range auditRow(alert, results[i]) {
			if value == nil || value == "" {
				continue
			}
			if err := setCellValue(f, col+1, row, value); err != nil {
				f.Close()
				return nil, err
			}
		}
		if !results[i].Verified() {
			first, _ := excelize.CoordinatesToCellName(1, row)
			last, _ := excelize.CoordinatesToCellName(len(ExportHeader), row)
			if err := f.SetCellStyle(SheetName, first, last, failStyle); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to highlight row %d: %w", row, err)
			}
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

// auditRow 与 ExportHeader 顺序一致
func auditRow(a *models.Alert, res Result) []interface{} {
	row := make([]interface{}, len(ExportHeader))
	row[0] = a.AlertID
	row[1] = a.Timestamp.UTC().Format("2006-01-02 15:04:05")
	row[2] = string(a.Severity)
	row[3] = a.Reason
	row[4] = a.Message
	if a.MetricSnapshot.GlucoseLevel != nil {
		row[5] = *a.MetricSnapshot.GlucoseLevel
	}
	if a.MetricSnapshot.HeartRate != nil {
		row[6] = *a.MetricSnapshot.HeartRate
	}
	row[7] = a.MetricSnapshot.BatteryLevel
	row[8] = a.SHA256Hash
	row[9] = a.HashVersion
	if a.LedgerRef != nil {
		row[10] = *a.LedgerRef
	}
	row[11] = string(a.AnchorStatus)
	if a.NearestHospital != nil {
		row[12] = a.NearestHospital.Name
		row[13] = a.NearestHospital.DistanceKm
	}
	row[14] = string(a.DeliveryStatus)
	row[15] = yesNo(res.HashValid)
	row[16] = yesNo(res.LedgerVerified)
	row[17] = res.Detail
	return row
}

func setCellValue(f *excelize.File, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetCellValue(SheetName, cell, value); err != nil {
		return fmt.Errorf("failed to set cell %s: %w", cell, err)
	}
	return nil
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
