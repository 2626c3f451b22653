package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-safeflow"
)

// InMemoryMetadataStore keeps records in process memory.
type InMemoryMetadataStore struct {
	mu       sync.RWMutex
	records  map[string]*safeflow.ActivityRecord
	settings map[string]safeflow.ActivitySettings
	failNext int
	now      func() time.Time
}

// NewInMemoryMetadataStore creates an empty store.
func NewInMemoryMetadataStore() *InMemoryMetadataStore {
	return &InMemoryMetadataStore{
		records:  make(map[string]*safeflow.ActivityRecord),
		settings: make(map[string]safeflow.ActivitySettings),
		now:      time.Now,
	}
}

// FailNext makes the next n calls fail with an infrastructure error.
func (s *InMemoryMetadataStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *InMemoryMetadataStore) ReadRecord(_ context.Context, key string) (*safeflow.ActivityRecord, error) {
	if err := s.injectedFailure("read"); err != nil {
		return nil, err
	}
	key = strings.TrimSpace(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[key]; ok {
		return rec.Clone(), nil
	}
	return safeflow.NewUnknownRecord(key), nil
}

func (s *InMemoryMetadataStore) WriteRecord(_ context.Context, rec *safeflow.ActivityRecord) error {
	if err := s.injectedFailure("write"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int
	existing, exists := s.records[strings.TrimSpace(recordKey(rec))]
	if exists {
		current = existing.SequenceNumber
	}
	next, err := prepareWrite(rec, current, exists, s.now())
	if err != nil {
		return err
	}
	s.records[next.UniqueKey] = next
	commitWrite(rec, next)
	return nil
}

func (s *InMemoryMetadataStore) ReadSettings(_ context.Context, activityName string) (safeflow.ActivitySettings, error) {
	if err := s.injectedFailure("read settings"); err != nil {
		return safeflow.ActivitySettings{}, err
	}
	name := strings.TrimSpace(activityName)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if stored, ok := s.settings[name]; ok {
		return settingsOrDefault(name, &stored), nil
	}
	return settingsOrDefault(name, nil), nil
}

func (s *InMemoryMetadataStore) WriteSettings(_ context.Context, settings safeflow.ActivitySettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[strings.TrimSpace(settings.Name)] = settings
	return nil
}

// Records returns a snapshot of every stored record.
func (s *InMemoryMetadataStore) Records() []*safeflow.ActivityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*safeflow.ActivityRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

func (s *InMemoryMetadataStore) injectedFailure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext <= 0 {
		return nil
	}
	s.failNext--
	return storeUnavailable(op, errors.New("injected store failure"))
}

func recordKey(rec *safeflow.ActivityRecord) string {
	if rec == nil {
		return ""
	}
	return rec.UniqueKey
}
