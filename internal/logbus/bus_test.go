package logbus_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/logbus"
)

func entry(step string) domain.LogEntry {
	return domain.LogEntry{Step: step, Message: step, Timestamp: time.Now().UTC()}
}

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	t.Parallel()
	bus := logbus.New(8)
	sub := bus.Subscribe("job-1")
	defer sub.Close()

	bus.Publish("job-1", entry("subreddits"))

	select {
	case got := <-sub.Entries():
		assert.Equal(t, "subreddits", got.Step)
	case <-time.After(time.Second):
		t.Fatal("entry not delivered")
	}
}

func TestBus_NoReplayBeforeSubscribe(t *testing.T) {
	t.Parallel()
	bus := logbus.New(8)
	bus.Publish("job-1", entry("early"))

	sub := bus.Subscribe("job-1")
	defer sub.Close()

	select {
	case got := <-sub.Entries():
		t.Fatalf("unexpected replayed entry %q", got.Step)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_JobIsolation(t *testing.T) {
	t.Parallel()
	bus := logbus.New(8)
	subA := bus.Subscribe("job-a")
	defer subA.Close()
	subB := bus.Subscribe("job-b")
	defer subB.Close()

	bus.Publish("job-a", entry("only-a"))

	select {
	case got := <-subA.Entries():
		assert.Equal(t, "only-a", got.Step)
	case <-time.After(time.Second):
		t.Fatal("entry not delivered to job-a subscriber")
	}
	select {
	case got := <-subB.Entries():
		t.Fatalf("job-b received %q", got.Step)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_CloseStopsDelivery(t *testing.T) {
	t.Parallel()
	bus := logbus.New(8)
	sub := bus.Subscribe("job-1")
	sub.Close()

	// Publishing after close must not panic and must not deliver.
	bus.Publish("job-1", entry("late"))

	_, open := <-sub.Entries()
	assert.False(t, open)
}

func TestBus_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	bus := logbus.New(8)
	sub := bus.Subscribe("job-1")
	sub.Close()
	sub.Close()
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	t.Parallel()
	const buffer = 4
	bus := logbus.New(buffer)
	sub := bus.Subscribe("job-1")
	defer sub.Close()

	// Publish past capacity without draining; the oldest entries give way.
	for i := 0; i < buffer+2; i++ {
		bus.Publish("job-1", entry(fmt.Sprintf("step-%d", i)))
	}

	var got []string
	for i := 0; i < buffer; i++ {
		select {
		case e := <-sub.Entries():
			got = append(got, e.Step)
		case <-time.After(time.Second):
			t.Fatalf("expected %d buffered entries, got %d", buffer, len(got))
		}
	}
	require.Len(t, got, buffer)
	// The newest entry always survives.
	assert.Equal(t, fmt.Sprintf("step-%d", buffer+1), got[len(got)-1])
	assert.NotContains(t, got, "step-0")
}

func TestBus_ConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()
	bus := logbus.New(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := bus.Subscribe("job-1")
			for j := 0; j < 50; j++ {
				bus.Publish("job-1", entry("concurrent"))
			}
			sub.Close()
		}(i)
	}
	wg.Wait()
}
