package runlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fastflow-labs/fastflow/internal/domain"
)

const maxLineBytes = 1 << 20

// Files lays out per-run log and metric files under one directory.
type Files struct {
	Dir string
}

func (f Files) LogPath(runID string) string {
	return filepath.Join(f.Dir, runID+".log")
}

func (f Files) MetricsPath(runID string) string {
	return filepath.Join(f.Dir, runID+".metrics.jsonl")
}

func (f Files) EnsureDir() error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	return nil
}

// Remove deletes both files of a run. Missing files are not an error.
func (f Files) Remove(run domain.Run) error {
	var errs []error
	for _, path := range []string{run.LogFile, run.MetricsFile} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Appender writes newline terminated records to a file. It is safe for
// concurrent use.
type Appender struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func OpenAppender(path string) (*Appender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	return &Appender{f: f, w: bufio.NewWriter(f)}, nil
}

func (a *Appender) WriteLine(line string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.WriteString(line); err != nil {
		return err
	}
	return a.w.WriteByte('\n')
}

func (a *Appender) WriteSample(sample domain.MetricSample) error {
	blob, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(blob); err != nil {
		return err
	}
	if err := a.w.WriteByte('\n'); err != nil {
		return err
	}
	// Samples are rare; readers of a live run should see each one.
	return a.w.Flush()
}

func (a *Appender) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.w.Flush()
}

func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	flushErr := a.w.Flush()
	closeErr := a.f.Close()
	return errors.Join(flushErr, closeErr)
}

// ReadLines returns every line of r.
func ReadLines(r io.Reader) ([]string, error) {
	var out []string
	err := scanLines(r, func(line string) { out = append(out, line) })
	return out, err
}

// Tail returns the last n lines of the file at path; n <= 0 returns all lines.
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return TailReader(f, n)
}

func TailReader(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return ReadLines(r)
	}
	ring := make([]string, 0, n)
	start := 0
	err := scanLines(r, func(line string) {
		if len(ring) < n {
			ring = append(ring, line)
			return
		}
		ring[start] = line
		start = (start + 1) % n
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ring))
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}

// CountLines returns the number of lines in the file at path. A missing file
// has none.
func CountLines(path string) (uint64, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var n uint64
	err = scanLines(f, func(string) { n++ })
	return n, err
}

// ReadMetrics decodes a metrics file. Undecodable lines are skipped.
func ReadMetrics(r io.Reader) ([]domain.MetricSample, error) {
	out := []domain.MetricSample{}
	err := scanLines(r, func(line string) {
		var sample domain.MetricSample
		if json.Unmarshal([]byte(line), &sample) == nil {
			out = append(out, sample)
		}
	})
	return out, err
}

func scanLines(r io.Reader, fn func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		fn(sc.Text())
	}
	return sc.Err()
}
