package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/overseer/common/logger"
	"github.com/forgeline/overseer/common/state"
)

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

func evt(workflowID string, seq int64) state.WorkflowEvent {
	return state.WorkflowEvent{
		ID:         fmt.Sprintf("%s-%d", workflowID, seq),
		WorkflowID: workflowID,
		Sequence:   seq,
		Timestamp:  time.Now().UTC(),
		Agent:      "developer",
		EventType:  state.EventAgentOutput,
	}
}

func TestSubscribeReceivesOwnWorkflowOnly(t *testing.T) {
	bus := NewBus(8, testLogger())
	defer bus.Close()

	sub := bus.Subscribe("wf-1")
	defer sub.Cancel()

	bus.Publish(evt("wf-1", 1))
	bus.Publish(evt("wf-2", 1))
	bus.Publish(evt("wf-1", 2))

	got := drain(t, sub, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "wf-1", got[0].WorkflowID)
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, int64(2), got[1].Sequence)
}

func TestGlobalSubscriberSeesAllWorkflows(t *testing.T) {
	bus := NewBus(8, testLogger())
	defer bus.Close()

	sub := bus.Subscribe(AllWorkflows)
	defer sub.Cancel()

	bus.Publish(evt("wf-1", 1))
	bus.Publish(evt("wf-2", 1))

	got := drain(t, sub, 2)
	require.Len(t, got, 2)
}

func TestPerWorkflowOrderPreserved(t *testing.T) {
	bus := NewBus(64, testLogger())
	defer bus.Close()

	sub := bus.Subscribe("wf-1")
	defer sub.Cancel()

	for i := int64(1); i <= 20; i++ {
		bus.Publish(evt("wf-1", i))
	}

	got := drain(t, sub, 20)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Sequence, "event %d out of order", i)
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewBus(2, testLogger())
	defer bus.Close()

	sub := bus.Subscribe("wf-1")
	defer sub.Cancel()

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 10; i++ {
			bus.Publish(evt("wf-1", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	assert.Equal(t, int64(8), sub.Dropped())
	got := drain(t, sub, 2)
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, int64(2), got[1].Sequence)
}

func TestCancelRemovesSubscriber(t *testing.T) {
	bus := NewBus(8, testLogger())
	defer bus.Close()

	sub := bus.Subscribe("wf-1")
	require.Equal(t, 1, bus.SubscriberCount())

	sub.Cancel()
	assert.Equal(t, 0, bus.SubscriberCount())

	// channel closed after cancel
	_, open := <-sub.C
	assert.False(t, open)

	// double cancel is fine
	sub.Cancel()
}

func TestCloseCancelsEverything(t *testing.T) {
	bus := NewBus(8, testLogger())

	a := bus.Subscribe("wf-1")
	b := bus.Subscribe(AllWorkflows)

	bus.Close()

	_, open := <-a.C
	assert.False(t, open)
	_, open = <-b.C
	assert.False(t, open)

	// publish after close is a no-op
	bus.Publish(evt("wf-1", 1))
}

func drain(t *testing.T, sub *Subscription, n int) []state.WorkflowEvent {
	t.Helper()

	out := make([]state.WorkflowEvent, 0, n)
	timeout := time.After(time.Second)
	for len(out) < n {
		select {
		case e, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed after %d of %d events", len(out), n)
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}
