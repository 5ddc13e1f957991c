package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_InvokesMatchingHandlers(t *testing.T) {
	b := New(10, nil)
	var got []string
	b.Subscribe("task.claimed", func(e Event) { got = append(got, e.Type) })
	b.Subscribe("task.transitioned", func(e Event) { got = append(got, "wrong") })

	b.Publish("task.claimed", map[string]interface{}{"task_id": "t1"})

	require.Len(t, got, 1)
	assert.Equal(t, "task.claimed", got[0])
}

func TestPublish_WildcardSubscriberSeesEverything(t *testing.T) {
	b := New(10, nil)
	var count int
	b.Subscribe("*", func(e Event) { count++ })

	b.Publish("task.claimed", nil)
	b.Publish("task.transitioned", nil)

	assert.Equal(t, 2, count)
}

func TestPublish_PanickingHandlerDoesNotAbortOthers(t *testing.T) {
	b := New(10, nil)
	var ran bool
	b.Subscribe("x", func(e Event) { panic("boom") })
	b.Subscribe("x", func(e Event) { ran = true })

	assert.NotPanics(t, func() {
		b.Publish("x", nil)
	})
	assert.True(t, ran)
}

func TestHistory_BoundedAndNewestFirst(t *testing.T) {
	b := New(2, nil)
	b.Publish("a", map[string]interface{}{"n": 1})
	b.Publish("a", map[string]interface{}{"n": 2})
	b.Publish("a", map[string]interface{}{"n": 3})

	hist := b.History("a", 0)
	require.Len(t, hist, 2)
	assert.Equal(t, 3, int(hist[0].Data["n"].(int)))
	assert.Equal(t, 2, int(hist[1].Data["n"].(int)))
}

func TestHistory_FiltersByTopic(t *testing.T) {
	b := New(10, nil)
	b.Publish("a", nil)
	b.Publish("b", nil)

	assert.Len(t, b.History("a", 0), 1)
	assert.Len(t, b.History("", 0), 2)
}
