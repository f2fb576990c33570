package benchmark

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// SaveResults writes the results as JSON and a CSV summary into dir.
//
// Returns:
//   - string: The JSON file path.
//   - error: An error if a file cannot be written.
func (s *Suite) SaveResults(dir string) (string, error) {
	results := s.Results()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	resultsFile := filepath.Join(dir, fmt.Sprintf("benchmark_results_%s.json", timestamp))

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write results file: %w", err)
	}

	summaryFile := filepath.Join(dir, fmt.Sprintf("benchmark_summary_%s.csv", timestamp))
	f, err := os.Create(summaryFile)
	if err != nil {
		return "", fmt.Errorf("failed to create summary: %w", err)
	}
	defer f.Close()
	if err := WriteSummaryCSV(f, results); err != nil {
		return "", fmt.Errorf("failed to save summary CSV: %w", err)
	}

	return resultsFile, f.Close()
}

// WriteSummaryCSV writes one row per result.
func WriteSummaryCSV(w io.Writer, results []PerformanceMetrics) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"scenario", "resolution", "fps", "mean_ms", "p95_ms", "alloc", "classes", "error_rate"}); err != nil {
		return err
	}
	for _, r := range results {
		err := cw.Write([]string{
			r.Scenario.Name,
			r.Scenario.Resolution.Name,
			fmt.Sprintf("%.2f", r.FramesPerSecond),
			fmt.Sprintf("%.2f", float64(r.MeanLatency.Microseconds())/1e3),
			fmt.Sprintf("%.2f", float64(r.P95Latency.Microseconds())/1e3),
			humanize.Bytes(r.MemoryStats.TotalAllocBytes),
			fmt.Sprint(r.ClassesSeen),
			fmt.Sprintf("%.4f", r.ErrorRate),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
