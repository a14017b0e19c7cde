package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"medremind/internal/reminder"
	logx "medremind/pkg/logx"
)

// fileStore is the memory store plus a dependency-free persistence layer.
//
// Files:
//   - <prefix>.snapshot.json (all reminders, rewritten on compaction)
//   - <prefix>.journal.jsonl (one full reminder record per write)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	*memoryStore
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{
		memoryStore:  newMemory(),
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 1000,
	}
	journalPath := prefix + ".journal.jsonl"

	if err := loadSnapshot(fs.snapshotPath, fs.items); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, fs.items)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	fs.journal = jf
	fs.memoryStore.persist = fs.append
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("reminders", len(fs.items)), logx.Int("replayed", n))
	return fs, nil
}

// append runs under the memory store's write lock, so s.items is stable here.
func (s *fileStore) append(r reminder.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		items := make(map[string]reminder.Reminder, len(s.items)+1)
		for k, v := range s.items {
			items[k] = v
		}
		items[r.ID] = r
		if err := s.compactLocked(items); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked rewrites the snapshot and truncates the journal. Callers
// hold both the memory store lock and s.mu.
func (s *fileStore) compactLocked(items map[string]reminder.Reminder) error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(items); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) Close() error {
	s.memoryStore.mu.Lock()
	defer s.memoryStore.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked(s.items)
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func loadSnapshot(path string, out map[string]reminder.Reminder) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]reminder.Reminder
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies records in order, keeping the highest revision per id.
func replayJournal(path string, out map[string]reminder.Reminder) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r reminder.Reminder
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		if cur, ok := out[r.ID]; ok && cur.Revision >= r.Revision {
			continue
		}
		out[r.ID] = r
		n++
	}
	return n, sc.Err()
}
