package flow

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-safeflow"
)

var (
	_ MetadataStore  = (*InMemoryMetadataStore)(nil)
	_ MetadataStore  = (*SQLiteMetadataStore)(nil)
	_ MetadataStore  = (*RedisMetadataStore)(nil)
	_ SettingsWriter = (*InMemoryMetadataStore)(nil)
	_ SettingsWriter = (*SQLiteMetadataStore)(nil)
	_ SettingsWriter = (*RedisMetadataStore)(nil)
)

type storeFactory func(t *testing.T) interface {
	MetadataStore
	SettingsWriter
}

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) interface {
			MetadataStore
			SettingsWriter
		} {
			return NewInMemoryMetadataStore()
		},
		"redis": func(t *testing.T) interface {
			MetadataStore
			SettingsWriter
		} {
			return NewRedisMetadataStore(newMockRedisClient(), time.Hour)
		},
		"sqlite": func(t *testing.T) interface {
			MetadataStore
			SettingsWriter
		} {
			db, err := OpenSQLite(filepath.Join(t.TempDir(), "safeflow.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			return NewSQLiteMetadataStore(db, "test")
		},
	}
}

// sharedStoreFactories open two stores over one backend, standing in for
// two worker processes.
func sharedStoreFactories() map[string]func(t *testing.T) (MetadataStore, MetadataStore) {
	return map[string]func(t *testing.T) (MetadataStore, MetadataStore){
		"memory": func(t *testing.T) (MetadataStore, MetadataStore) {
			store := NewInMemoryMetadataStore()
			return store, store
		},
		"redis": func(t *testing.T) (MetadataStore, MetadataStore) {
			client := newMockRedisClient()
			return NewRedisMetadataStore(client, time.Hour), NewRedisMetadataStore(client, time.Hour)
		},
		"sqlite": func(t *testing.T) (MetadataStore, MetadataStore) {
			db, err := OpenSQLite(filepath.Join(t.TempDir(), "safeflow.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			return NewSQLiteMetadataStore(db, "test"), NewSQLiteMetadataStore(db, "test")
		},
	}
}

func TestMetadataStores(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("missing record reads unknown", func(t *testing.T) {
				testMissingRecordReadsUnknown(t, factory(t))
			})
			t.Run("compare and swap", func(t *testing.T) {
				testCompareAndSwap(t, factory(t))
			})
			t.Run("concurrent writers", func(t *testing.T) {
				testConcurrentWriters(t, factory(t))
			})
			t.Run("round trip", func(t *testing.T) {
				testRecordRoundTrip(t, factory(t))
			})
			t.Run("settings", func(t *testing.T) {
				testSettings(t, factory(t))
			})
			t.Run("shared backend", func(t *testing.T) {
				first, second := sharedStoreFactories()[name](t)
				testSharedBackend(t, first, second)
			})
		})
	}
}

func testMissingRecordReadsUnknown(t *testing.T, store MetadataStore) {
	rec, err := store.ReadRecord(context.Background(), " order-1 ")
	if err != nil {
		t.Fatalf("read missing record: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record, got nil")
	}
	if rec.State != safeflow.StateUnknown || rec.SequenceNumber != 0 || rec.UniqueKey != "order-1" {
		t.Fatalf("unexpected unknown record: %+v", rec)
	}
}

func testCompareAndSwap(t *testing.T, store MetadataStore) {
	ctx := context.Background()
	rec := safeflow.NewUnknownRecord("order-1")
	rec.State = safeflow.StateReady
	if err := store.WriteRecord(ctx, rec); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if rec.SequenceNumber != 1 {
		t.Fatalf("expected sequence 1 after first write, got %d", rec.SequenceNumber)
	}

	stale := safeflow.NewUnknownRecord("order-1")
	stale.State = safeflow.StateActive
	if err := store.WriteRecord(ctx, stale); !IsSequenceConflict(err) {
		t.Fatalf("expected sequence conflict for stale insert, got %v", err)
	}

	rec.State = safeflow.StateActive
	if err := store.WriteRecord(ctx, rec); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if rec.SequenceNumber != 2 {
		t.Fatalf("expected sequence 2, got %d", rec.SequenceNumber)
	}

	old := rec.Clone()
	old.SequenceNumber = 1
	if err := store.WriteRecord(ctx, old); !IsSequenceConflict(err) {
		t.Fatalf("expected sequence conflict for stale update, got %v", err)
	}

	got, err := store.ReadRecord(ctx, "order-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.State != safeflow.StateActive || got.SequenceNumber != 2 {
		t.Fatalf("expected Active at sequence 2, got %s at %d", got.State, got.SequenceNumber)
	}

	if err := store.WriteRecord(ctx, &safeflow.ActivityRecord{}); !safeflow.IsValidation(err) {
		t.Fatalf("expected validation error for empty key, got %v", err)
	}
}

func testConcurrentWriters(t *testing.T, store MetadataStore) {
	ctx := context.Background()
	seed := safeflow.NewUnknownRecord("order-1")
	seed.State = safeflow.StateReady
	if err := store.WriteRecord(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := seed.Clone()
			rec.State = safeflow.StateActive
			errs <- store.WriteRecord(ctx, rec)
		}()
	}
	wg.Wait()
	close(errs)

	success, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			success++
		case IsSequenceConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 || conflicts != writers-1 {
		t.Fatalf("expected one success, success=%d conflicts=%d", success, conflicts)
	}
}

func testSharedBackend(t *testing.T, first, second MetadataStore) {
	ctx := context.Background()
	seed := safeflow.NewUnknownRecord("order-1")
	seed.State = safeflow.StateReady
	if err := first.WriteRecord(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// both workers read sequence 1, the second commits first
	readA, err := first.ReadRecord(ctx, "order-1")
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	readB, err := second.ReadRecord(ctx, "order-1")
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	readB.State = safeflow.StateActive
	readB.InstanceID = "inst-b"
	if err := second.WriteRecord(ctx, readB); err != nil {
		t.Fatalf("write b: %v", err)
	}
	readA.State = safeflow.StateActive
	readA.InstanceID = "inst-a"
	if err := first.WriteRecord(ctx, readA); !IsSequenceConflict(err) {
		t.Fatalf("expected the stale worker to conflict, got %v", err)
	}
	if got := mustRead(t, first, "order-1"); got.InstanceID != "inst-b" || got.SequenceNumber != 2 {
		t.Fatalf("expected inst-b at sequence 2, got %q at %d", got.InstanceID, got.SequenceNumber)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	current := mustRead(t, second, "order-1")
	for i := 0; i < writers; i++ {
		store := first
		if i%2 == 1 {
			store = second
		}
		wg.Add(1)
		go func(store MetadataStore) {
			defer wg.Done()
			rec := current.Clone()
			rec.State = safeflow.StateCompleted
			errs <- store.WriteRecord(ctx, rec)
		}(store)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		switch {
		case err == nil:
			success++
		case !IsSequenceConflict(err):
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected one winner across both stores, got %d", success)
	}
}

func testRecordRoundTrip(t *testing.T, store MetadataStore) {
	ctx := context.Background()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	stack, err := safeflow.NewDisruptionStack("Stall", "Pass")
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	stack.Pop()

	rec := safeflow.NewUnknownRecord("order-9")
	rec.OperationName = "Main"
	rec.ActivityName = "Bravo"
	rec.State = safeflow.StateStalled
	rec.InstanceID = "instance-1"
	rec.RetryCount = 2
	rec.Completed = []string{"Alpha"}
	rec.Disruptions = stack
	rec.MarkStarted(now)
	rec.AddTrace(now.Add(time.Second), "Exec Bravo Stalled")
	if err := store.WriteRecord(ctx, rec); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := store.ReadRecord(ctx, "order-9")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.State != safeflow.StateStalled || got.ActivityName != "Bravo" || got.RetryCount != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.HasCompleted("Alpha") || got.InstanceID != "instance-1" {
		t.Fatalf("expected completed list and owner to survive, got %+v", got)
	}
	if got.Disruptions.Consumed() != 1 || got.Disruptions.Remaining() != 1 {
		t.Fatalf("expected disruption cursor to survive, got %s", got.Disruptions)
	}
	if !got.TimeStarted.Equal(now) {
		t.Fatalf("expected start time %s, got %s", now, got.TimeStarted)
	}
	if len(got.TraceLines()) != 1 {
		t.Fatalf("expected one trace line, got %q", got.Trace)
	}
}

func testSettings(t *testing.T, store interface {
	MetadataStore
	SettingsWriter
}) {
	ctx := context.Background()
	got, err := store.ReadSettings(ctx, "Alpha")
	if err != nil {
		t.Fatalf("read default settings: %v", err)
	}
	if got.Name != "Alpha" || got.ActivityTimeout != safeflow.DefaultActivityTimeout {
		t.Fatalf("expected defaults for Alpha, got %+v", got)
	}

	want := safeflow.ActivitySettings{
		Name:            "Alpha",
		NumberOfRetries: 7,
		InitialDelay:    time.Minute,
		MemoryIntensive: true,
	}
	if err := store.WriteSettings(ctx, want); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	got, err = store.ReadSettings(ctx, "Alpha")
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	if got.NumberOfRetries != 7 || got.InitialDelay != time.Minute || !got.MemoryIntensive {
		t.Fatalf("unexpected settings: %+v", got)
	}
	if got.ActivityTimeout != safeflow.DefaultActivityTimeout {
		t.Fatalf("expected default activity timeout, got %s", got.ActivityTimeout)
	}

	if err := store.WriteSettings(ctx, safeflow.ActivitySettings{}); !safeflow.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestInMemoryMetadataStoreFailNext(t *testing.T) {
	store := NewInMemoryMetadataStore()
	store.FailNext(2)

	if _, err := store.ReadRecord(context.Background(), "k"); !safeflow.IsInfra(err) {
		t.Fatalf("expected infra error, got %v", err)
	}
	if err := store.WriteRecord(context.Background(), safeflow.NewUnknownRecord("k")); !safeflow.IsInfra(err) {
		t.Fatalf("expected infra error, got %v", err)
	}
	if _, err := store.ReadRecord(context.Background(), "k"); err != nil {
		t.Fatalf("expected store to recover, got %v", err)
	}
}

func TestRedisMetadataStoreReportsTransportFaults(t *testing.T) {
	client := newMockRedisClient()
	client.err = errors.New("connection refused")
	store := NewRedisMetadataStore(client, 0)

	if _, err := store.ReadRecord(context.Background(), "k"); !safeflow.IsInfra(err) {
		t.Fatalf("expected infra error on read, got %v", err)
	}
	if err := store.WriteRecord(context.Background(), safeflow.NewUnknownRecord("k")); !safeflow.IsInfra(err) {
		t.Fatalf("expected infra error on write, got %v", err)
	}
	if _, err := store.ReadSettings(context.Background(), "Alpha"); !safeflow.IsInfra(err) {
		t.Fatalf("expected infra error on settings, got %v", err)
	}

	var nilStore *RedisMetadataStore
	if _, err := nilStore.ReadRecord(context.Background(), "k"); !safeflow.IsInfra(err) {
		t.Fatalf("expected infra error for unconfigured store, got %v", err)
	}
}

func TestSQLiteMetadataStoreUnconfigured(t *testing.T) {
	store := NewSQLiteMetadataStore(nil, "")
	if _, err := store.ReadRecord(context.Background(), "k"); !safeflow.IsInfra(err) {
		t.Fatalf("expected infra error, got %v", err)
	}
}

func TestKeyLockerReleasesEntries(t *testing.T) {
	locker := newKeyLocker()
	unlockA := locker.Lock("a")
	unlockB := locker.Lock("b")
	if locker.size() != 2 {
		t.Fatalf("expected two live locks, got %d", locker.size())
	}

	acquired := make(chan struct{})
	go func() {
		unlock := locker.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder must wait for the first")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("expected waiter to acquire the lock")
	}
	unlockB()

	deadline := time.Now().Add(time.Second)
	for locker.size() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected lock table to drain, got %d", locker.size())
		}
		time.Sleep(time.Millisecond)
	}

	if unlock := locker.Lock(" "); unlock == nil {
		t.Fatal("expected a no-op unlock for empty keys")
	}
}

type mockRedisClient struct {
	mu    sync.RWMutex
	store map[string]string
	err   error
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{store: make(map[string]string)}
}

func (m *mockRedisClient) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return "", m.err
	}
	return m.store[key], nil
}

func (m *mockRedisClient) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if value == nil {
		delete(m.store, key)
		return nil
	}
	if str, ok := value.(string); ok {
		m.store[key] = str
		return nil
	}
	return errors.New("mock redis expects string value")
}

// Eval runs the record compare-and-set under the client lock, the way
// redis runs a script without interleaving other commands.
func (m *mockRedisClient) Eval(_ context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if script != recordCASScript || len(keys) != 1 || len(args) != 3 {
		return nil, errors.New("mock redis only understands the record compare-and-set script")
	}
	current := int64(0)
	if stored, ok := m.store[keys[0]]; ok {
		var doc struct {
			SequenceNumber int64 `json:"sequence_number"`
		}
		if err := json.Unmarshal([]byte(stored), &doc); err != nil {
			return nil, err
		}
		current = doc.SequenceNumber
	}
	expected, ok := args[0].(int)
	if !ok || int64(expected) != current {
		return []interface{}{int64(0), current}, nil
	}
	m.store[keys[0]] = args[1].(string)
	return []interface{}{int64(1), current}, nil
}
