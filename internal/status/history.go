package status

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/pixiv-backup/pixiv-backup/internal/fsutil"
)

// runHistoryCap bounds run_history.json to the most recent entries.
const runHistoryCap = 100

// lastRunLayout is the wall-clock format of last_run.txt, local time.
const lastRunLayout = "2006-01-02 15:04:05"

// RunRecord is one finished round in run_history.json.
type RunRecord struct {
	RoundID     string    `json:"round_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Enqueued    int       `json:"enqueued"`
	Success     int       `json:"success"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	HitMax      bool      `json:"hit_max_downloads"`
	RateLimited bool      `json:"rate_limited"`
	LastError   string    `json:"last_error,omitempty"`
}

// WriteLastRun stamps the completion time of the most recent round.
func WriteLastRun(path string, t time.Time) error {
	data := []byte(t.Local().Format(lastRunLayout) + "\n")
	return errors.Wrap(fsutil.WriteFileAtomic(path, data, 0644), "status.WriteLastRun")
}

// ReadLastRun loads the last completion time; the zero time when the
// file does not exist yet.
func ReadLastRun(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, "status.ReadLastRun")
	}
	t, err := time.ParseInLocation(lastRunLayout, string(bytes.TrimSpace(data)), time.Local)
	return t, errors.Wrap(err, "status.ReadLastRun")
}

// AppendRunHistory appends one record, keeping only the newest
// runHistoryCap entries, newest last.
func AppendRunHistory(path string, rec RunRecord) error {
	records, err := ReadRunHistory(path)
	if err != nil {
		return err
	}
	records = append(records, rec)
	if len(records) > runHistoryCap {
		records = records[len(records)-runHistoryCap:]
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return errors.Wrap(err, "status.AppendRunHistory")
	}
	return errors.Wrap(fsutil.WriteFileAtomic(path, buf.Bytes(), 0644), "status.AppendRunHistory")
}

// ReadRunHistory loads the round history, oldest first.
func ReadRunHistory(path string) ([]RunRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "status.ReadRunHistory")
	}
	var records []RunRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrap(err, "status.ReadRunHistory: "+path)
	}
	return records, nil
}
