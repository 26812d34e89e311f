package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore is the NDJSON fallback sink. One file per record kind per UTC
// day under data/{trades,decisions,daily,anomalies,snapshots,meta}/. A
// single mutex serializes appends.
type FileStore struct {
	dataDir string
	mu      sync.Mutex
}

const (
	dirTrades    = "trades"
	dirDecisions = "decisions"
	dirDaily     = "daily"
	dirAnomalies = "anomalies"
	dirSnapshots = "snapshots"
	dirMeta      = "meta"
)

// NewFileStore creates the data directory layout
func NewFileStore(dataDir string) (*FileStore, error) {
	for _, sub := range []string{dirTrades, dirDecisions, dirDaily, dirAnomalies, dirSnapshots, dirMeta} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory %s: %w", sub, err)
		}
	}
	return &FileStore{dataDir: dataDir}, nil
}

func (f *FileStore) Close() {}

func (f *FileStore) pathFor(sub string, ts time.Time) string {
	return filepath.Join(f.dataDir, sub, ts.UTC().Format("2006-01-02")+".ndjson")
}

// appendRecord marshals and appends one line. Single writer at a time.
func (f *FileStore) appendRecord(sub string, ts time.Time, record interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling journal record: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.pathFor(sub, ts), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening journal file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending journal record: %w", err)
	}
	return nil
}

func (f *FileStore) WriteDecision(ctx context.Context, d Decision) error {
	return f.appendRecord(dirDecisions, d.TS, d)
}

func (f *FileStore) WriteTrade(ctx context.Context, t Trade) error {
	return f.appendRecord(dirTrades, t.TS, t)
}

func (f *FileStore) WriteAnomaly(ctx context.Context, a Anomaly) error {
	return f.appendRecord(dirAnomalies, a.TS, a)
}

func (f *FileStore) WriteSnapshot(ctx context.Context, s Snapshot) error {
	return f.appendRecord(dirSnapshots, s.TS, s)
}

// UpsertDailySummary rewrites the day's summary file atomically: daily
// summaries replace by date rather than append
func (f *FileStore) UpsertDailySummary(ctx context.Context, s DailySummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling daily summary: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join(f.dataDir, dirDaily, s.Date+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing daily summary: %w", err)
	}
	return os.Rename(tmp, path)
}

// readLines decodes every NDJSON line of one day's file into out via fn
func readLines(path string, fn func(line []byte) error) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (f *FileStore) ReadDecisions(ctx context.Context, date string) ([]Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Decision
	path := filepath.Join(f.dataDir, dirDecisions, date+".ndjson")
	err := readLines(path, func(line []byte) error {
		var d Decision
		if err := json.Unmarshal(line, &d); err != nil {
			return fmt.Errorf("corrupt decision record: %w", err)
		}
		out = append(out, d)
		return nil
	})
	return out, err
}

func (f *FileStore) ReadTrades(ctx context.Context, date string) ([]Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Trade
	path := filepath.Join(f.dataDir, dirTrades, date+".ndjson")
	err := readLines(path, func(line []byte) error {
		var t Trade
		if err := json.Unmarshal(line, &t); err != nil {
			return fmt.Errorf("corrupt trade record: %w", err)
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

// WriteMeta stores an arbitrary named document under meta/. Used for the
// version marker at startup.
func (f *FileStore) WriteMeta(name string, doc interface{}) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join(f.dataDir, dirMeta, name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var _ Store = (*FileStore)(nil)
