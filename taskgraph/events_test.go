package taskgraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/store"
)

func collectEvents(g *Graph) (*[]Event, func()) {
	var events []Event
	unsubscribe := g.Subscribe(func(event Event) {
		events = append(events, event)
	})
	return &events, unsubscribe
}

func TestEventPerTransition(t *testing.T) {
	g := newTestGraph(t)

	events, unsubscribe := collectEvents(g)
	defer unsubscribe()

	a := mustCreate(t, g, &CreateTaskOptions{Title: "A"})
	b := mustCreate(t, g, &CreateTaskOptions{Title: "B", DependsOn: []string{a.ID}})
	runToCompleted(t, g, a.ID, "agent-1")

	types := make([]EventType, 0, len(*events))
	for _, event := range *events {
		types = append(types, event.Type)
	}
	assert.Equal(t, []EventType{
		EventTaskCreated,
		EventTaskCreated,
		EventTaskAssigned,
		EventTaskStarted,
		EventTaskCompleted,
		EventTaskUnblocked,
	}, types)

	last := (*events)[len(*events)-1]
	assert.Equal(t, b.ID, last.Task.ID)
	assert.Equal(t, store.TaskPending, last.Task.Status)
}

func TestFailedEventCarriesRetryBudget(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	events, unsubscribe := collectEvents(g)
	defer unsubscribe()

	task := mustCreate(t, g, &CreateTaskOptions{Title: "flaky", MaxRetries: 1})
	ok, err := g.AssignTask(ctx, task.ID, "agent-1", task.Version)
	require.NoError(t, err)
	require.True(t, ok)

	fresh, _ := g.GetTask(ctx, task.ID)
	_, err = g.FailTask(ctx, task.ID, "boom", fresh.Version)
	require.NoError(t, err)

	var failed *Event
	for i := range *events {
		if (*events)[i].Type == EventTaskFailed {
			failed = &(*events)[i]
		}
	}
	require.NotNil(t, failed)
	assert.False(t, failed.CanRetry)
	assert.Equal(t, "boom", failed.Task.Error())
}

func TestGuardFailureEmitsNothing(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	task := mustCreate(t, g, &CreateTaskOptions{Title: "contested"})
	events, unsubscribe := collectEvents(g)
	defer unsubscribe()

	ok, err := g.AssignTask(ctx, task.ID, "agent-1", task.Version+5)
	require.NoError(t, err)
	require.False(t, ok)
	assert.Empty(t, *events)
}

func TestListenerPanicIsSwallowed(t *testing.T) {
	g := newTestGraph(t)

	g.Subscribe(func(Event) {
		panic("listener bug")
	})
	delivered := false
	g.Subscribe(func(Event) {
		delivered = true
	})

	task, err := g.CreateTask(context.Background(), &CreateTaskOptions{Title: "survives"})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.True(t, delivered)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	g := newTestGraph(t)

	count := 0
	unsubscribe := g.Subscribe(func(Event) { count++ })

	mustCreate(t, g, &CreateTaskOptions{Title: "one"})
	unsubscribe()
	mustCreate(t, g, &CreateTaskOptions{Title: "two"})

	assert.Equal(t, 1, count)
}
