package recordlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/ports"
)

const (
	filePrefix = "records-"
	fileSuffix = ".ndjson"
	dayLayout  = "2006-01-02"
)

// FileLog appends records as newline-delimited JSON, one file per UTC day.
// Files older than the retention window are removed when the day rolls.
type FileLog struct {
	mu        sync.Mutex
	dir       string
	retention int
	logger    *slog.Logger
	now       func() time.Time

	day    string
	file   *os.File
	writer *bufio.Writer
}

type FileOption func(*FileLog)

func WithRetentionDays(n int) FileOption { return func(l *FileLog) { l.retention = n } }

func WithLogger(logger *slog.Logger) FileOption {
	return func(l *FileLog) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(now func() time.Time) FileOption { return func(l *FileLog) { l.now = now } }

func OpenFileLog(dir string, opts ...FileOption) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &FileLog{dir: dir, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotateLocked(l.now().UTC().Format(dayLayout)); err != nil {
		return nil, err
	}
	return l, nil
}

// FileName returns the log file name for a day.
func FileName(day time.Time) string {
	return filePrefix + day.UTC().Format(dayLayout) + fileSuffix
}

func (l *FileLog) Append(rec *domain.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("recordlog encode: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return os.ErrClosed
	}
	if day := l.now().UTC().Format(dayLayout); day != l.day {
		if err := l.rotateLocked(day); err != nil {
			return err
		}
	}
	if _, err := l.writer.Write(b); err != nil {
		return err
	}
	return l.writer.WriteByte('\n')
}

func (l *FileLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Sync()
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *FileLog) closeLocked() error {
	if l.file == nil {
		return nil
	}
	err := l.writer.Flush()
	if serr := l.file.Sync(); err == nil {
		err = serr
	}
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file, l.writer = nil, nil
	return err
}

func (l *FileLog) rotateLocked(day string) error {
	if err := l.closeLocked(); err != nil {
		l.logger.Warn("recordlog: closing previous day failed", "day", l.day, "err", err)
	}
	path := filepath.Join(l.dir, filePrefix+day+fileSuffix)
	if err := repairTail(path); err != nil {
		return fmt.Errorf("recordlog repair %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.writer = bufio.NewWriterSize(f, 64<<10)
	l.day = day
	l.pruneLocked()
	return nil
}

// repairTail drops a partial trailing line left by a crash mid-write.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return err
	}
	const chunk = 4096
	end := st.Size()
	buf := make([]byte, chunk)
	for pos := end; pos > 0; {
		n := int64(chunk)
		if pos < n {
			n = pos
		}
		pos -= n
		if _, err := f.ReadAt(buf[:n], pos); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep := pos + int64(i) + 1
			if keep == end {
				return nil
			}
			return f.Truncate(keep)
		}
	}
	return f.Truncate(0)
}

func (l *FileLog) pruneLocked() {
	if l.retention <= 0 {
		return
	}
	days, err := l.daysLocked()
	if err != nil {
		l.logger.Warn("recordlog: listing files failed", "dir", l.dir, "err", err)
		return
	}
	cutoff := l.now().UTC().AddDate(0, 0, -l.retention).Format(dayLayout)
	for _, d := range days {
		if d >= cutoff {
			break
		}
		path := filepath.Join(l.dir, filePrefix+d+fileSuffix)
		if err := os.Remove(path); err != nil {
			l.logger.Warn("recordlog: prune failed", "path", path, "err", err)
			continue
		}
		l.logger.Info("recordlog: pruned", "path", path)
	}
}

// Days lists the days that have a log file, oldest first.
func (l *FileLog) Days() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.daysLocked()
}

func (l *FileLog) daysLocked() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// ReadDay streams the records logged on day. Lines that fail to decode are
// skipped and counted.
func (l *FileLog) ReadDay(day time.Time, fn func(*domain.Record) error) (skipped int, err error) {
	if err := l.Flush(); err != nil {
		return 0, err
	}
	f, err := os.Open(filepath.Join(l.dir, FileName(day)))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		var rec domain.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			skipped++
			continue
		}
		if err := fn(&rec); err != nil {
			return skipped, err
		}
	}
	return skipped, sc.Err()
}

var _ ports.RecordLog = (*FileLog)(nil)
