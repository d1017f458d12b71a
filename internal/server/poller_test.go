package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []ReadingEvent
}

func (publisher *recordingPublisher) Publish(event ReadingEvent) int {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.events = append(publisher.events, event)
	return 1
}

func (publisher *recordingPublisher) ids() []int64 {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	ids := make([]int64, 0, len(publisher.events))
	for _, event := range publisher.events {
		ids = append(ids, event.IDLectura)
	}
	return ids
}

// scriptedSource wraps a MemoryStore and lets tests inject failures, malformed
// batches or a blocking query.
type scriptedSource struct {
	*MemoryStore

	mu        sync.Mutex
	failNext  error
	override  []ReadingRow
	entered   chan struct{}
	release   chan struct{}
	afterCall int
}

func (source *scriptedSource) ReadingsAfter(ctx context.Context, afterID int64, limit int) ([]ReadingRow, error) {
	source.mu.Lock()
	source.afterCall++
	failure := source.failNext
	source.failNext = nil
	override := source.override
	source.override = nil
	entered, release := source.entered, source.release
	source.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	if failure != nil {
		return nil, failure
	}
	if override != nil {
		return override, nil
	}
	return source.MemoryStore.ReadingsAfter(ctx, afterID, limit)
}

func (source *scriptedSource) calls() int {
	source.mu.Lock()
	defer source.mu.Unlock()
	return source.afterCall
}

func addReadings(t *testing.T, store *MemoryStore, sensorID int64, count int) {
	t.Helper()
	for index := range count {
		_, err := store.AddReading(context.Background(), Reading{
			SensorInstaladoID: sensorID,
			Valor:             20 + float64(index),
			TomadaEn:          time.Date(2024, 1, 1, 0, index, 0, 0, time.UTC),
		})
		if err != nil {
			t.Fatalf("add reading: %v", err)
		}
	}
}

func assertIDs(t *testing.T, got []int64, want ...int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected ids %v, got %v", want, got)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("expected ids %v, got %v", want, got)
		}
	}
}

func newTestPoller(source ReadingSource, publisher EventPublisher, batchSize int) *Poller {
	return NewPoller(source, publisher, clock.WallClock, PollerConfig{
		Interval:     10 * time.Millisecond,
		BatchSize:    batchSize,
		QueryTimeout: time.Second,
	})
}

func TestPollerDoesNotReplayRowsPresentBeforeFirstTick(t *testing.T) {
	store := NewMemoryStore(0, DemoSensors()...)
	addReadings(t, store, 1, 3)
	publisher := &recordingPublisher{}
	poller := newTestPoller(store, publisher, 100)

	if err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	assertIDs(t, publisher.ids())
	if poller.Watermark() != 3 {
		t.Fatalf("expected watermark 3, got %d", poller.Watermark())
	}

	addReadings(t, store, 2, 2)
	if err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	assertIDs(t, publisher.ids(), 4, 5)
}

func TestPollerStartsFromEmptyTable(t *testing.T) {
	store := NewMemoryStore(0, DemoSensors()...)
	publisher := &recordingPublisher{}
	poller := newTestPoller(store, publisher, 100)

	if err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	addReadings(t, store, 1, 1)
	if err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	assertIDs(t, publisher.ids(), 1)
}

func TestPollerDrainsBacklogAcrossBatchBoundaries(t *testing.T) {
	store := NewMemoryStore(0, DemoSensors()...)
	publisher := &recordingPublisher{}
	poller := newTestPoller(store, publisher, 2)

	if err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("baseline tick: %v", err)
	}
	addReadings(t, store, 3, 5)

	expectedWatermarks := []int64{2, 4, 5, 5}
	for index, expected := range expectedWatermarks {
		if err := poller.Tick(context.Background()); err != nil {
			t.Fatalf("tick %d: %v", index, err)
		}
		if poller.Watermark() != expected {
			t.Fatalf("tick %d: expected watermark %d, got %d", index, expected, poller.Watermark())
		}
	}

	assertIDs(t, publisher.ids(), 1, 2, 3, 4, 5)
}

func TestPollerInterleavedInsertsAreEmittedOnce(t *testing.T) {
	store := NewMemoryStore(0, DemoSensors()...)
	publisher := &recordingPublisher{}
	poller := newTestPoller(store, publisher, 3)

	if err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("baseline tick: %v", err)
	}

	for round := range 4 {
		addReadings(t, store, 1, round+1)
		if err := poller.Tick(context.Background()); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
	}
	for range 3 {
		if err := poller.Tick(context.Background()); err != nil {
			t.Fatalf("drain tick: %v", err)
		}
	}

	assertIDs(t, publisher.ids(), 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
}

func TestPollerFailureKeepsWatermark(t *testing.T) {
	source := &scriptedSource{MemoryStore: NewMemoryStore(0, DemoSensors()...)}
	publisher := &recordingPublisher{}
	poller := newTestPoller(source, publisher, 100)

	if err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("baseline tick: %v", err)
	}
	addReadings(t, source.MemoryStore, 1, 2)

	source.mu.Lock()
	source.failNext = errors.New("connection reset")
	source.mu.Unlock()

	if err := poller.Tick(context.Background()); err == nil {
		t.Fatal("expected tick error")
	}
	if poller.Watermark() != 0 {
		t.Fatalf("expected watermark 0 after failure, got %d", poller.Watermark())
	}
	assertIDs(t, publisher.ids())

	if err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("recovery tick: %v", err)
	}
	assertIDs(t, publisher.ids(), 1, 2)
}

func TestPollerRejectsOutOfOrderBatchWithoutEmitting(t *testing.T) {
	source := &scriptedSource{MemoryStore: NewMemoryStore(0, DemoSensors()...)}
	publisher := &recordingPublisher{}
	poller := newTestPoller(source, publisher, 100)

	if err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("baseline tick: %v", err)
	}

	source.mu.Lock()
	source.override = []ReadingRow{
		{Reading: Reading{ID: 3, SensorInstaladoID: 1}},
		{Reading: Reading{ID: 2, SensorInstaladoID: 1}},
	}
	source.mu.Unlock()

	if err := poller.Tick(context.Background()); err == nil {
		t.Fatal("expected malformed batch error")
	}
	assertIDs(t, publisher.ids())
	if poller.Watermark() != 0 {
		t.Fatalf("expected watermark 0, got %d", poller.Watermark())
	}
}

func TestPollerSkipsTickWhileOneIsRunning(t *testing.T) {
	source := &scriptedSource{
		MemoryStore: NewMemoryStore(0, DemoSensors()...),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	publisher := &recordingPublisher{}
	poller := newTestPoller(source, publisher, 100)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- poller.Tick(context.Background())
	}()

	select {
	case <-source.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("expected first tick to reach the store")
	}

	for range 3 {
		if err := poller.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
			t.Fatalf("expected ErrTickInProgress, got %v", err)
		}
	}
	if source.calls() != 1 {
		t.Fatalf("expected a single store query, got %d", source.calls())
	}

	close(source.release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first tick: %v", err)
	}

	source.mu.Lock()
	source.entered = nil
	source.mu.Unlock()

	if err := poller.Tick(context.Background()); err != nil {
		t.Fatalf("expected guard to be released, got %v", err)
	}
}

func TestPollerServeTicksOnClockAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(0, DemoSensors()...)
	publisher := &recordingPublisher{}
	poller := NewPoller(store, publisher, clk, PollerConfig{Interval: time.Second, BatchSize: 10})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- poller.Serve(ctx)
	}()

	if err := clk.WaitAdvance(time.Second, 2*time.Second, 1); err != nil {
		t.Fatalf("advance clock: %v", err)
	}
	waitFor(t, func() bool { return poller.initialized.Load() && !poller.running.Load() })

	addReadings(t, store, 4, 1)
	if err := clk.WaitAdvance(time.Second, 2*time.Second, 1); err != nil {
		t.Fatalf("advance clock: %v", err)
	}
	waitFor(t, func() bool { return len(publisher.ids()) == 1 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected Serve to return after cancel")
	}

	assertIDs(t, publisher.ids(), 1)
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
