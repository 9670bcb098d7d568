package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/PortRelay/internal/domain"
	"github.com/ghalamif/PortRelay/internal/fsutil"
	"github.com/ghalamif/PortRelay/internal/ports"
)

var (
	ErrQueueFull    = errors.New("queue: full")
	ErrItemNotFound = errors.New("queue: item not found")
	ErrClosed       = errors.New("queue: closed")
)

const (
	itemExt    = ".json"
	corruptExt = ".corrupt"
)

// entry is the in-memory index of one item file. Payloads stay on disk until
// an item is peeked.
type entry struct {
	file          string
	id            string
	createdAt     time.Time
	attempts      int
	nextAttemptAt time.Time
}

// FileQueue keeps one JSON file per pending item in a per-channel directory.
// File names sort in creation order, so a directory listing rebuilds FIFO
// order after a restart.
type FileQueue struct {
	mu       sync.Mutex
	dir      string
	maxItems int
	logger   *slog.Logger
	now      func() time.Time
	entries  []*entry
	closed   bool
}

// FileQueueOption customizes a FileQueue.
type FileQueueOption func(*FileQueue)

// WithMaxItems caps pending items. Zero means unbounded.
func WithMaxItems(n int) FileQueueOption {
	return func(q *FileQueue) { q.maxItems = n }
}

func WithLogger(l *slog.Logger) FileQueueOption {
	return func(q *FileQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithClock overrides time.Now for createdAt stamps.
func WithClock(now func() time.Time) FileQueueOption {
	return func(q *FileQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// OpenFileQueue loads (or creates) the queue rooted at dir.
func OpenFileQueue(dir string, opts ...FileQueueOption) (*FileQueue, error) {
	q := &FileQueue{dir: dir, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queue dir: %w", err)
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileQueue) load() error {
	des, err := os.ReadDir(q.dir)
	if err != nil {
		return fmt.Errorf("queue scan: %w", err)
	}
	names := make([]string, 0, len(des))
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), itemExt) {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		item, err := q.readFile(name)
		if err != nil {
			q.quarantine(name, err)
			continue
		}
		q.entries = append(q.entries, newEntry(name, item))
	}
	return nil
}

func newEntry(file string, item ports.QueueItem) *entry {
	return &entry{
		file:          file,
		id:            item.ID,
		createdAt:     item.CreatedAt,
		attempts:      item.Attempts,
		nextAttemptAt: item.NextAttemptAt,
	}
}

func (q *FileQueue) readFile(name string) (ports.QueueItem, error) {
	var item ports.QueueItem
	data, err := os.ReadFile(filepath.Join(q.dir, name))
	if err != nil {
		return item, err
	}
	if err := json.Unmarshal(data, &item); err != nil {
		return item, err
	}
	if item.ID == "" {
		return item, errors.New("missing id")
	}
	return item, nil
}

// quarantine renames an unreadable item file out of the way so it is kept
// for inspection but never loaded again.
func (q *FileQueue) quarantine(name string, cause error) {
	src := filepath.Join(q.dir, name)
	if err := os.Rename(src, src+corruptExt); err != nil {
		q.logger.Error("queue: quarantine item failed", "dir", q.dir, "file", name, "err", err)
		return
	}
	q.logger.Warn("queue: corrupt item quarantined", "dir", q.dir, "file", name, "err", cause)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func fileName(createdAt time.Time, id string) string {
	return fmt.Sprintf("%020d-%s%s", createdAt.UnixNano(), unsafeName.ReplaceAllString(id, "_"), itemExt)
}

func (q *FileQueue) write(name string, item ports.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue encode: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(q.dir, name), data, 0o644)
}

// Enqueue persists batch before returning. The item is stamped with the
// batch's CreatedAt, or the queue clock when that is unset.
func (q *FileQueue) Enqueue(batch domain.OutboundBatch) (ports.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ports.QueueItem{}, ErrClosed
	}
	if q.maxItems > 0 && len(q.entries) >= q.maxItems {
		return ports.QueueItem{}, ErrQueueFull
	}

	now := batch.CreatedAt
	if now.IsZero() {
		now = q.now()
	}
	if n := len(q.entries); n > 0 && !now.After(q.entries[n-1].createdAt) {
		// Keep file names strictly increasing when the clock stalls or steps back.
		now = q.entries[n-1].createdAt.Add(time.Nanosecond)
	}
	item := ports.QueueItem{
		ID:            uuid.NewString(),
		CreatedAt:     now,
		NextAttemptAt: now,
		Payload:       batch,
	}
	name := fileName(item.CreatedAt, item.ID)
	if err := q.write(name, item); err != nil {
		return ports.QueueItem{}, err
	}
	q.entries = append(q.entries, newEntry(name, item))
	return item, nil
}

// PeekReady returns up to max items whose nextAttemptAt is not after now.
func (q *FileQueue) PeekReady(now time.Time, max int) ([]ports.QueueItem, error) {
	return q.peek(max, func(e *entry) bool { return !e.nextAttemptAt.After(now) })
}

// Peek returns up to limit items in creation order without consuming them.
func (q *FileQueue) Peek(limit int) ([]ports.QueueItem, error) {
	return q.peek(limit, func(*entry) bool { return true })
}

func (q *FileQueue) peek(max int, want func(*entry) bool) ([]ports.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	var out []ports.QueueItem
	kept := q.entries[:0]
	for _, e := range q.entries {
		if (max <= 0 || len(out) < max) && want(e) {
			item, err := q.readFile(e.file)
			if err != nil {
				q.quarantine(e.file, err)
				continue
			}
			out = append(out, item)
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return out, nil
}

// Ack removes an item durably.
func (q *FileQueue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	idx := q.index(id)
	if idx < 0 {
		return ErrItemNotFound
	}
	path := filepath.Join(q.dir, q.entries[idx].file)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("queue ack: %w", err)
	}
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	return fsutil.SyncDir(q.dir)
}

// Nack increments attempts and reschedules the item, rewriting its file in
// place so its position in creation order is unchanged.
func (q *FileQueue) Nack(id string, nextAttemptAt time.Time) (ports.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ports.QueueItem{}, ErrClosed
	}
	idx := q.index(id)
	if idx < 0 {
		return ports.QueueItem{}, ErrItemNotFound
	}
	e := q.entries[idx]
	item, err := q.readFile(e.file)
	if err != nil {
		q.quarantine(e.file, err)
		q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
		return ports.QueueItem{}, fmt.Errorf("queue nack: %w", err)
	}
	item.Attempts++
	item.NextAttemptAt = nextAttemptAt
	if err := q.write(e.file, item); err != nil {
		return ports.QueueItem{}, err
	}
	e.attempts = item.Attempts
	e.nextAttemptAt = item.NextAttemptAt
	return item, nil
}

func (q *FileQueue) index(id string) int {
	for i, e := range q.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

// Size counts pending items regardless of readiness.
func (q *FileQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close releases the index; files stay on disk for the next open.
func (q *FileQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.entries = nil
	return nil
}

// FileFactory opens one FileQueue per channel under root.
func FileFactory(root string, opts ...FileQueueOption) ports.QueueFactory {
	return func(channelID string) (ports.DurableQueue, error) {
		return OpenFileQueue(filepath.Join(root, ChannelDir(channelID)), opts...)
	}
}

// ChannelDir maps a channel id to a directory name that is safe on every OS.
func ChannelDir(channelID string) string {
	safe := unsafeName.ReplaceAllString(channelID, "_")
	if safe == channelID {
		return safe
	}
	// Distinct ids that sanitize the same way must not share a directory.
	h := fnv.New32a()
	_, _ = h.Write([]byte(channelID))
	return safe + "-" + strconv.FormatUint(uint64(h.Sum32()), 36)
}

var _ ports.DurableQueue = (*FileQueue)(nil)
