package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-safeflow"
)

const (
	defaultRedisRecordPrefix   = "safeflow_record:"
	defaultRedisSettingsPrefix = "safeflow_settings:"
)

// recordCASScript stores ARGV[2] under KEYS[1] only when the stored
// sequence_number equals ARGV[1]. ARGV[3] is the ttl in milliseconds, zero
// for none. It returns {1, expected} on success and {0, current} on conflict.
const recordCASScript = `
local current = 0
local stored = redis.call('GET', KEYS[1])
if stored then
  current = tonumber(cjson.decode(stored)['sequence_number']) or 0
end
if current ~= tonumber(ARGV[1]) then
  return {0, current}
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return {1, current}
`

// RedisClient captures the minimal commands needed from a redis client.
// Eval must run the script atomically on the server, as EVAL does.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// RedisMetadataStore persists records as JSON documents. The sequence
// check and the write run as one script inside redis, so stores in
// different processes sharing a server see a single winner. Writers in the
// same process are also serialized per key before reaching redis.
type RedisMetadataStore struct {
	client         RedisClient
	ttl            time.Duration
	recordPrefix   string
	settingsPrefix string
	locks          *keyLocker
	now            func() time.Time
}

// NewRedisMetadataStore builds a store using the provided client. A zero
// ttl keeps records forever.
func NewRedisMetadataStore(client RedisClient, ttl time.Duration) *RedisMetadataStore {
	return &RedisMetadataStore{
		client:         client,
		ttl:            ttl,
		recordPrefix:   defaultRedisRecordPrefix,
		settingsPrefix: defaultRedisSettingsPrefix,
		locks:          newKeyLocker(),
		now:            time.Now,
	}
}

func (s *RedisMetadataStore) ReadRecord(ctx context.Context, key string) (*safeflow.ActivityRecord, error) {
	if s == nil || s.client == nil {
		return nil, storeUnavailable("read", errors.New("redis store not configured"))
	}
	key = strings.TrimSpace(key)
	rec, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return safeflow.NewUnknownRecord(key), nil
	}
	return rec, nil
}

func (s *RedisMetadataStore) WriteRecord(ctx context.Context, rec *safeflow.ActivityRecord) error {
	if s == nil || s.client == nil {
		return storeUnavailable("write", errors.New("redis store not configured"))
	}
	key := strings.TrimSpace(recordKey(rec))
	unlock := s.locks.Lock(key)
	defer unlock()

	if rec == nil {
		return safeflow.ValidationError("activity record required")
	}
	expected := rec.SequenceNumber
	next, err := prepareWrite(rec, expected, true, s.now())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}
	reply, err := s.client.Eval(ctx, recordCASScript, []string{s.recordPrefix + next.UniqueKey},
		expected, string(payload), s.ttl.Milliseconds())
	if err != nil {
		return storeUnavailable("write", err)
	}
	ok, current, err := parseCASReply(reply)
	if err != nil {
		return storeUnavailable("write", err)
	}
	if !ok {
		return sequenceConflict(next.UniqueKey, expected, current)
	}
	commitWrite(rec, next)
	return nil
}

func (s *RedisMetadataStore) ReadSettings(ctx context.Context, activityName string) (safeflow.ActivitySettings, error) {
	name := strings.TrimSpace(activityName)
	if s == nil || s.client == nil {
		return safeflow.ActivitySettings{}, storeUnavailable("read settings", errors.New("redis store not configured"))
	}
	value, err := s.client.Get(ctx, s.settingsPrefix+name)
	if err != nil {
		return safeflow.ActivitySettings{}, storeUnavailable("read settings", err)
	}
	if strings.TrimSpace(value) == "" {
		return settingsOrDefault(name, nil), nil
	}
	var stored safeflow.ActivitySettings
	if err := json.Unmarshal([]byte(value), &stored); err != nil {
		return safeflow.ActivitySettings{}, err
	}
	return settingsOrDefault(name, &stored), nil
}

func (s *RedisMetadataStore) WriteSettings(ctx context.Context, settings safeflow.ActivitySettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.settingsPrefix+strings.TrimSpace(settings.Name), string(payload), 0); err != nil {
		return storeUnavailable("write settings", err)
	}
	return nil
}

func (s *RedisMetadataStore) load(ctx context.Context, key string) (*safeflow.ActivityRecord, error) {
	if key == "" {
		return nil, nil
	}
	value, err := s.client.Get(ctx, s.recordPrefix+key)
	if err != nil {
		return nil, storeUnavailable("read", err)
	}
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var rec safeflow.ActivityRecord
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func parseCASReply(reply interface{}) (bool, int, error) {
	values, ok := reply.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected compare-and-set reply %v", reply)
	}
	status, err := replyInt(values[0])
	if err != nil {
		return false, 0, err
	}
	current, err := replyInt(values[1])
	if err != nil {
		return false, 0, err
	}
	return status == 1, int(current), nil
}

func replyInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected reply value %v", v)
	}
}
