package core

import (
	"context"
	"sync"
	"time"
)

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu       sync.Mutex
	counters []capturedCounter
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (m *captureMetricsRecorder) count(name string, tag string, value string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, counter := range m.counters {
		if counter.name != name {
			continue
		}
		if tag != "" && counter.tags[tag] != value {
			continue
		}
		total += counter.value
	}
	return total
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu      *sync.Mutex
	records *[]capturedLog
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return l
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := map[string]any{}
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) levels(level string) []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []capturedLog{}
	for _, record := range *l.records {
		if record.level == level {
			out = append(out, record)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingStore fails every call with err while err is set.
type failingStore struct {
	EventStore
	mu  sync.Mutex
	err error
}

func (s *failingStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *failingStore) current() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *failingStore) Find(ctx context.Context, source string, id string) (InboundEvent, bool, error) {
	if err := s.current(); err != nil {
		return InboundEvent{}, false, err
	}
	return s.EventStore.Find(ctx, source, id)
}

func (s *failingStore) InsertIfAbsent(ctx context.Context, in NewInboundEvent) (InboundEvent, bool, error) {
	if err := s.current(); err != nil {
		return InboundEvent{}, false, err
	}
	return s.EventStore.InsertIfAbsent(ctx, in)
}

func (s *failingStore) Transition(ctx context.Context, in TransitionInput) (InboundEvent, bool, error) {
	if err := s.current(); err != nil {
		return InboundEvent{}, false, err
	}
	return s.EventStore.Transition(ctx, in)
}

func newTestEvent(id string) NewInboundEvent {
	return NewInboundEvent{
		Source:          "stripe",
		ExternalEventID: id,
		EventType:       "payout.paid",
		RawPayload:      []byte(`{"id":"` + id + `","type":"payout.paid","data":{"object":{}}}`),
	}
}
