package execution

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventQueueBoundsBacklogWithoutSubscriber(t *testing.T) {
	q := newEventQueue()
	q.emit(Event{Type: EventRunStatusChanged, State: RunStateRunning})
	for i := 0; i < 3*maxBacklog; i++ {
		q.emit(Event{Type: EventOperationResolved})
	}
	q.emit(Event{Type: EventRunReportReady, State: RunStateCompleted})
	q.close()

	queued, dropped := q.backlog()
	require.Equal(t, maxBacklog+1, queued)
	require.Equal(t, 2*maxBacklog+1, dropped)

	var got []Event
	for ev := range q.subscribe() {
		got = append(got, ev)
	}
	require.Len(t, got, maxBacklog+1)
	require.Equal(t, EventRunStatusChanged, got[0].Type)
	require.Equal(t, EventRunReportReady, got[len(got)-1].Type)
}

func TestEventQueueKeepsEverythingOnceSubscribed(t *testing.T) {
	q := newEventQueue()
	ch := q.subscribe()
	require.Equal(t, ch, q.subscribe())

	done := make(chan int)
	go func() {
		n := 0
		for range ch {
			n++
		}
		done <- n
	}()
	for i := 0; i < 2*maxBacklog; i++ {
		q.emit(Event{Type: EventOperationResolved})
	}
	q.close()
	require.Equal(t, 2*maxBacklog, <-done)
	_, dropped := q.backlog()
	require.Zero(t, dropped)
}
