package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "proxyrun/pkg/logx"
)

// fileStore keeps everything next to cfg.Path:
//
//	<prefix>.outcomes.jsonl        append-only outcome journal
//	<prefix>.state.snapshot.json   resource states
//	<prefix>.state.journal.jsonl   state updates since the snapshot
//
// The state journal is folded into the snapshot every compactEvery writes
// and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	outcomesPath string
	outcomes     *os.File

	snapshotPath string
	journal      *os.File
	states       map[string]ResourceState
	stateWrites  int
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

	s := &fileStore{
		log:          log,
		outcomesPath: prefix + ".outcomes.jsonl",
		snapshotPath: prefix + ".state.snapshot.json",
		states:       map[string]ResourceState{},
		compactEvery: 500,
	}
	journalPath := prefix + ".state.journal.jsonl"

	if err := loadSnapshot(s.snapshotPath, s.states); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting empty", logx.String("path", s.snapshotPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, s.states); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	var err error
	if s.outcomes, err = os.OpenFile(s.outcomesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}
	if s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.outcomes.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.compactLocked(), s.journal.Close())
		s.journal = nil
	}
	if s.outcomes != nil {
		errs = append(errs, s.outcomes.Close())
		s.outcomes = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendOutcome(_ context.Context, r OutcomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomes == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.outcomes).Encode(r)
}

func (s *fileStore) RecentOutcomes(_ context.Context, limit int) ([]OutcomeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomes == nil {
		return nil, ErrDisabled
	}
	f, err := os.Open(s.outcomesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Ring of the last limit lines.
	ring := make([]OutcomeRecord, 0, limit)
	next := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r OutcomeRecord
		if json.Unmarshal(sc.Bytes(), &r) != nil {
			continue
		}
		if len(ring) < limit {
			ring = append(ring, r)
			continue
		}
		ring[next] = r
		next = (next + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]OutcomeRecord, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}

func (s *fileStore) PutResourceState(_ context.Context, st ResourceState) error {
	if strings.TrimSpace(st.ResourceID) == "" {
		return errors.New("resource id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}
	s.states[st.ResourceID] = st
	if err := json.NewEncoder(s.journal).Encode(st); err != nil {
		return err
	}
	s.stateWrites++
	if s.stateWrites%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetResourceState(_ context.Context, id string) (ResourceState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return st, ok, nil
}

// compactLocked writes the snapshot atomically, then empties the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	b, err := json.Marshal(s.states)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]ResourceState) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &out)
}

func replayJournal(path string, out map[string]ResourceState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var st ResourceState
		if json.Unmarshal(sc.Bytes(), &st) != nil || st.ResourceID == "" {
			continue
		}
		out[st.ResourceID] = st
	}
	return sc.Err()
}
