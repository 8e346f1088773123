package report

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var (
	phaseMetricsRequired = []string{
		"phase_id", "name", "duration_ms", "items_processed", "items_total",
		"progress", "throughput", "warnings", "errors", "latency_histogram",
		"anomalies",
	}
	resourceUsageRequired = []string{
		"timestamp", "cpu_percent", "memory_percent", "rss_mb", "worker_budget",
	}
	histogramRequired = []string{"p50", "p95", "p99"}
)

// validatePhaseMetrics checks every phase entry carries the required
// fields.
func validatePhaseMetrics(data []byte) error {
	var entries map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("not a phase metrics object: %w", err)
	}
	for id, entry := range entries {
		if err := requireFields(entry, phaseMetricsRequired); err != nil {
			return fmt.Errorf("phase %s: %w", id, err)
		}
		var hist map[string]json.RawMessage
		if err := json.Unmarshal(entry["latency_histogram"], &hist); err != nil {
			return fmt.Errorf("phase %s: malformed latency_histogram: %w", id, err)
		}
		if err := requireFields(hist, histogramRequired); err != nil {
			return fmt.Errorf("phase %s latency_histogram: %w", id, err)
		}
	}
	return nil
}

// validateResourceUsage checks every JSONL line carries the required
// snapshot fields.
func validateResourceUsage(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	line := 0
	for dec.More() {
		line++
		var snap map[string]json.RawMessage
		if err := dec.Decode(&snap); err != nil {
			return fmt.Errorf("line %d: not a snapshot object: %w", line, err)
		}
		if err := requireFields(snap, resourceUsageRequired); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return nil
}

// validateHistograms checks every phase entry carries p50/p95/p99.
func validateHistograms(data []byte) error {
	var entries map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("not a histogram object: %w", err)
	}
	for id, entry := range entries {
		if err := requireFields(entry, histogramRequired); err != nil {
			return fmt.Errorf("phase %s: %w", id, err)
		}
	}
	return nil
}

func requireFields(obj map[string]json.RawMessage, required []string) error {
	for _, field := range required {
		if _, ok := obj[field]; !ok {
			return fmt.Errorf("missing required field %q", field)
		}
	}
	return nil
}
