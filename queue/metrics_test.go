package queue

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"fcpqueue/models"
)

func TestMetricsRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.observeCounts(models.DirectionDownload, 2, 5)
	m.recordAdmission(models.DirectionDownload, "disk")
	m.recordAdmission(models.DirectionDownload, "disk")
	m.recordFailure(models.DirectionUpload, models.FailureCollision)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	values := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[family.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[family.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}

	if values["fcpqueue_admissions_total"] != 2 {
		t.Fatalf("expected 2 admissions, got %v", values["fcpqueue_admissions_total"])
	}
	if values["fcpqueue_failures_total"] != 1 {
		t.Fatalf("expected 1 failure, got %v", values["fcpqueue_failures_total"])
	}
	if values["fcpqueue_waiting"] != 5 || values["fcpqueue_in_progress"] != 2 {
		t.Fatalf("unexpected gauges: %v", values)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.observeCounts(models.DirectionUpload, 1, 1)
	m.recordAdmission(models.DirectionUpload, "direct")
	m.recordCompletion(models.DirectionUpload)
	m.recordFailure(models.DirectionUpload, models.FailureGeneric)
	m.recordRetry(models.DirectionUpload)
	m.recordDirectJob(models.DirectionUpload, "ok")
}
