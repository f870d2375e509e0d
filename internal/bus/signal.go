package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"querydesk/api/internal/query"
)

// Marker is the self-expiring note other sessions look for before their
// next poll interval.
type Marker struct {
	EventID   string     `json:"eventId"`
	SubjectID string     `json:"subjectId"`
	Action    Action     `json:"action"`
	Team      query.Team `json:"team"`
	Timestamp time.Time  `json:"timestamp"`
}

func markerFor(e Event) Marker {
	return Marker{EventID: e.ID, SubjectID: e.SubjectID, Action: e.Action, Team: e.Team, Timestamp: e.Timestamp}
}

// Signal is the cross-session layer. Touch records the newest event for a
// team and, when set, for the originating device.
type Signal interface {
	Touch(ctx context.Context, e Event) error
	// Latest returns the newest unexpired marker visible to team or device.
	Latest(ctx context.Context, team query.Team, device string) (Marker, bool, error)
}

type RedisSignal struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisSignal(redisURL string, ttl time.Duration) (*RedisSignal, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisSignalWithClient(client, ttl), nil
}

func NewRedisSignalWithClient(client *redis.Client, ttl time.Duration) *RedisSignal {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisSignal{client: client, prefix: "querydesk:signal:", ttl: ttl}
}

func (s *RedisSignal) teamKey(team query.Team) string {
	return s.prefix + "team:" + string(team)
}

func (s *RedisSignal) deviceKey(device string) string {
	return s.prefix + "device:" + device
}

func (s *RedisSignal) Touch(ctx context.Context, e Event) error {
	payload, err := json.Marshal(markerFor(e))
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.teamKey(e.Team), payload, s.ttl)
	if e.Device != "" {
		pipe.Set(ctx, s.deviceKey(e.Device), payload, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	return nil
}

func (s *RedisSignal) Latest(ctx context.Context, team query.Team, device string) (Marker, bool, error) {
	keys := []string{s.teamKey(team)}
	if device != "" {
		keys = append(keys, s.deviceKey(device))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Marker{}, false, fmt.Errorf("read signal: %w", err)
	}
	var (
		latest Marker
		found  bool
	)
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var marker Marker
		if err := json.Unmarshal([]byte(raw), &marker); err != nil {
			return Marker{}, false, fmt.Errorf("unmarshal signal: %w", err)
		}
		if !found || marker.Timestamp.After(latest.Timestamp) {
			latest, found = marker, true
		}
	}
	return latest, found, nil
}

func (s *RedisSignal) Close() error {
	return s.client.Close()
}

func (s *RedisSignal) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// MemorySignal is the single-process stand-in used without Redis.
type MemorySignal struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryMarker
}

type memoryMarker struct {
	marker    Marker
	expiresAt time.Time
}

func NewMemorySignal(ttl time.Duration) *MemorySignal {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &MemorySignal{ttl: ttl, now: time.Now, entries: map[string]memoryMarker{}}
}

func (m *MemorySignal) Touch(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryMarker{marker: markerFor(e), expiresAt: m.now().Add(m.ttl)}
	m.entries["team:"+string(e.Team)] = entry
	if e.Device != "" {
		m.entries["device:"+e.Device] = entry
	}
	return nil
}

func (m *MemorySignal) Latest(_ context.Context, team query.Team, device string) (Marker, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	keys := []string{"team:" + string(team)}
	if device != "" {
		keys = append(keys, "device:"+device)
	}
	var (
		latest Marker
		found  bool
	)
	for _, key := range keys {
		entry, ok := m.entries[key]
		if !ok {
			continue
		}
		if !now.Before(entry.expiresAt) {
			delete(m.entries, key)
			continue
		}
		if !found || entry.marker.Timestamp.After(latest.Timestamp) {
			latest, found = entry.marker, true
		}
	}
	return latest, found, nil
}
