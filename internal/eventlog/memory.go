package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/zerotrust/overlay/internal/apierr"
)

type aggregateKey struct {
	typ AggregateType
	id  string
}

// MemoryStore is an in-process Store used by tests and by hubd when no
// database DSN is configured. It serializes writes with a single mutex, matching the teacher's
// posture that the Event Store is the one writer-contention point.
type MemoryStore struct {
	mu         sync.Mutex
	events     []Event
	versions   map[aggregateKey]int64
	idemIndex  map[aggregateKey]map[string]int64 // client_request_id -> event index
	nextID     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions:  make(map[aggregateKey]int64),
		idemIndex: make(map[aggregateKey]map[string]int64),
	}
}

func (s *MemoryStore) Commit(ctx context.Context, a Append) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := aggregateKey{a.AggregateType, a.AggregateID}

	if a.ClientRequestID != "" {
		if idx, ok := s.idemIndex[key][a.ClientRequestID]; ok {
			return s.events[idx], nil
		}
	}

	current := s.versions[key]
	if a.ExpectedVersion != current {
		return Event{}, apierr.Conflict("aggregate version mismatch: expected " +
			itoa(a.ExpectedVersion) + " got " + itoa(current))
	}

	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return Event{}, apierr.Invalid("invalid event payload: " + err.Error())
	}

	s.nextID++
	ev := Event{
		ID:               s.nextID,
		AggregateType:    a.AggregateType,
		AggregateID:      a.AggregateID,
		AggregateVersion: current + 1,
		EventType:        a.EventType,
		Payload:          payload,
		Actor:            a.Actor,
		ClientRequestID:  a.ClientRequestID,
		CreatedAt:        time.Now(),
	}

	s.events = append(s.events, ev)
	s.versions[key] = ev.AggregateVersion
	if a.ClientRequestID != "" {
		if s.idemIndex[key] == nil {
			s.idemIndex[key] = make(map[string]int64)
		}
		s.idemIndex[key][a.ClientRequestID] = int64(len(s.events) - 1)
	}

	return ev, nil
}

func (s *MemoryStore) Replay(ctx context.Context, aggregateType AggregateType, aggregateID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0)
	for _, ev := range s.events {
		if ev.AggregateType == aggregateType && ev.AggregateID == aggregateID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) ReplayAll(ctx context.Context, fromID int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0)
	for _, ev := range s.events {
		if ev.ID > fromID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) CurrentVersion(ctx context.Context, aggregateType AggregateType, aggregateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[aggregateKey{aggregateType, aggregateID}], nil
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
