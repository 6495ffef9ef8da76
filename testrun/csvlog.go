package testrun

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultLogDir is where run logs go when no directory is configured.
const DefaultLogDir = "logs"

const logNameLayout = "thruster_test_20060102_150405"

// CSVHeader names the columns of every run log.
var CSVHeader = []string{"timestamp", "rpm", "voltage", "current", "force", "duty_cycle"}

// CSVWriter writes one CSV file per run under Dir.
type CSVWriter struct {
	Dir string
}

// NewCSVWriter returns a writer for dir, or DefaultLogDir when dir is empty.
func NewCSVWriter(dir string) *CSVWriter {
	if dir == "" {
		dir = DefaultLogDir
	}
	return &CSVWriter{Dir: dir}
}

// Write creates the log for a run that started at startedAt. The file is named after the start
// time; a numeric suffix is added rather than overwriting an earlier log.
func (w *CSVWriter) Write(startedAt time.Time, dutyCycle float64, rows []SensorSample) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating log dir %q: %w", w.Dir, err)
	}
	f, path, err := w.create(startedAt)
	if err != nil {
		return "", err
	}

	cw := csv.NewWriter(f)
	if err := cw.Write(CSVHeader); err != nil {
		f.Close()
		return path, err
	}
	duty := formatFloat(dutyCycle)
	for _, row := range rows {
		record := []string{
			row.Timestamp.Format(time.RFC3339Nano),
			formatReading(row.RPM),
			formatReading(row.Voltage),
			formatReading(row.Current),
			formatReading(row.Force),
			duty,
		}
		if err := cw.Write(record); err != nil {
			f.Close()
			return path, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return path, err
	}
	return path, f.Close()
}

func (w *CSVWriter) create(startedAt time.Time) (*os.File, string, error) {
	base := startedAt.Format(logNameLayout)
	for i := 0; i < 100; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		path := filepath.Join(w.Dir, name+".csv")
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !os.IsExist(err) {
			return nil, "", fmt.Errorf("creating run log: %w", err)
		}
	}
	return nil, "", fmt.Errorf("creating run log: too many logs named %s", base)
}

// unavailable readings are left as empty cells
func formatReading(r Reading) string {
	if !r.Available() {
		return ""
	}
	return formatFloat(r.Value)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// IsLogFile reports whether name looks like a run log produced by CSVWriter.
func IsLogFile(name string) bool {
	return strings.HasPrefix(name, "thruster_test_") && strings.HasSuffix(name, ".csv")
}
