package types

import (
	"math"
	"time"
)

// DefaultPassThreshold is the measured value at or above which a test step passes.
const DefaultPassThreshold = 80.0

// Status is the pass/fail outcome of a single test step.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// Valid reports whether s is one of the two known outcomes.
func (s Status) Valid() bool {
	return s == StatusPass || s == StatusFail
}

// Classify maps a measured value to PASS when value >= threshold and FAIL otherwise.
// NaN never passes.
func Classify(value, threshold float64) Status {
	if math.IsNaN(value) || math.IsNaN(threshold) {
		return StatusFail
	}
	if value >= threshold {
		return StatusPass
	}
	return StatusFail
}

// RawMeasurement is one reading reported by a test station, exactly as it was
// accepted at the ingestion boundary.
type RawMeasurement struct {
	Barcode       string    `json:"barcode"`
	MachineID     string    `json:"machine_id"`
	ProductID     string    `json:"product_id"`
	TestStep      string    `json:"test_step"`
	MeasuredValue float64   `json:"measured_value"`
	Timestamp     time.Time `json:"timestamp"`
}

// TestResult is the persisted record of a classified measurement.
type TestResult struct {
	ID            int64     `json:"id"`
	Barcode       string    `json:"barcode"`
	MachineID     string    `json:"machine_id"`
	ProductID     string    `json:"product_id"`
	MeasuredValue float64   `json:"measured_value"`
	Status        Status    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewTestResult classifies m and builds the row to persist. The ID is assigned by storage.
func NewTestResult(m *RawMeasurement, threshold float64) *TestResult {
	return &TestResult{
		Barcode:       m.Barcode,
		MachineID:     m.MachineID,
		ProductID:     m.ProductID,
		MeasuredValue: m.MeasuredValue,
		Status:        Classify(m.MeasuredValue, threshold),
		Timestamp:     m.Timestamp.UTC(),
	}
}

// Event projects a persisted result onto the processed stream's wire shape.
func (r *TestResult) Event() ProcessedEvent {
	return ProcessedEvent{
		Barcode:       r.Barcode,
		MachineID:     r.MachineID,
		ProductID:     r.ProductID,
		MeasuredValue: r.MeasuredValue,
		Status:        r.Status,
		Timestamp:     r.Timestamp,
	}
}

// ProcessedEvent is published after a TestResult has been committed.
// The `bigquery` tags drive schema inference for the analytics archive.
type ProcessedEvent struct {
	Barcode       string    `json:"barcode" bigquery:"barcode"`
	MachineID     string    `json:"machine_id" bigquery:"machine_id"`
	ProductID     string    `json:"product_id" bigquery:"product_id"`
	MeasuredValue float64   `json:"measured_value" bigquery:"measured_value"`
	Status        Status    `json:"status" bigquery:"status"`
	Timestamp     time.Time `json:"timestamp" bigquery:"timestamp"`
}

// ResultStats summarises all persisted results.
type ResultStats struct {
	TotalTests int64   `json:"total_tests"`
	PassCount  int64   `json:"pass_count"`
	FailCount  int64   `json:"fail_count"`
	PassRate   float64 `json:"pass_rate"`
}

// NewResultStats derives the fail count and pass rate (a percentage) from raw counts.
func NewResultStats(total, passed int64) ResultStats {
	stats := ResultStats{TotalTests: total, PassCount: passed, FailCount: total - passed}
	if total > 0 {
		stats.PassRate = float64(passed) / float64(total) * 100
	}
	return stats
}
