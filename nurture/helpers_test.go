package nurture

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadnurture/metrics"
	"leadnurture/testutil"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSender records every message and answers through an optional hook
type fakeSender struct {
	mu   sync.Mutex
	sent []Message
	hook func(ctx context.Context, msg Message) (Receipt, error)
}

func (s *fakeSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		return hook(ctx, msg)
	}
	return Receipt{Delivered: true, PlatformUsed: msg.Platform}, nil
}

func (s *fakeSender) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSender) SetHook(h func(ctx context.Context, msg Message) (Receipt, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type harness struct {
	db        *gorm.DB
	creatorID uint
	clock     *fakeClock
	metrics   *metrics.Metrics
	catalog   *Catalog
	store     *GormStore
	leads     *GormLeads
	trigger   *TriggerEngine
	policy    *CancellationPolicy
	sender    *fakeSender
	runner    *Runner
}

func newHarness(t *testing.T, cfg RunnerConfig) *harness {
	t.Helper()

	db := testutil.NewDB(t)
	logger := quietLogger()
	clock := newFakeClock(t0)
	m := metrics.New(prometheus.NewRegistry())

	catalog, err := NewCatalog(db, logger)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store := NewGormStore(db)
	leads := NewGormLeads(db)
	sender := &fakeSender{}

	return &harness{
		db:        db,
		creatorID: testutil.NewCreator(t, db, "creator@test.com"),
		clock:     clock,
		metrics:   m,
		catalog:   catalog,
		store:     store,
		leads:     leads,
		trigger:   NewTriggerEngine(catalog, store, leads, logger, WithTriggerClock(clock.Now), WithTriggerMetrics(m)),
		policy:    NewCancellationPolicy(store, logger, WithCancelClock(clock.Now), WithCancelMetrics(m)),
		sender:    sender,
		runner:    NewRunner(catalog, store, sender, cfg, logger, WithRunnerClock(clock.Now), WithRunnerMetrics(m)),
	}
}
