package conversation

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryAlternates(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.AppendUser("hi"))
	require.ErrorIs(t, h.AppendUser("again"), ErrOutOfTurn)
	require.NoError(t, h.AppendAssistant("hello"))
	require.ErrorIs(t, h.AppendAssistant("twice"), ErrOutOfTurn)

	turns := h.Snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, Turn{Role: RoleUser, Content: "hi"}, turns[0])
	assert.Equal(t, Turn{Role: RoleAssistant, Content: "hello"}, turns[1])
}

func TestHistoryRejectsAssistantFirst(t *testing.T) {
	h := NewHistory()
	require.ErrorIs(t, h.AppendAssistant("nope"), ErrOutOfTurn)
	assert.Zero(t, h.Len())
}

func TestSnapshotIsACopy(t *testing.T) {
	h := NewHistory()
	require.NoError(t, h.AppendUser("hi"))
	snap := h.Snapshot()
	snap[0].Content = "mutated"
	assert.Equal(t, "hi", h.Snapshot()[0].Content)
}

func TestLastUser(t *testing.T) {
	_, ok := LastUser(nil)
	assert.False(t, ok)

	turns := []Turn{{RoleUser, "a"}, {RoleAssistant, "b"}, {RoleUser, "c"}}
	got, ok := LastUser(turns)
	assert.True(t, ok)
	assert.Equal(t, "c", got)
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	a := r.Open("a")
	b := r.Open("b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, r.Open("a"))
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"a", "b"}, r.IDs())

	require.NoError(t, a.AppendUser("only on a"))
	got, ok := r.Get("b")
	require.True(t, ok)
	assert.Zero(t, got.Len())

	assert.True(t, r.Close("a"))
	assert.False(t, r.Close("a"))
	_, ok = r.Get("a")
	assert.False(t, ok)

	fresh := r.Open("a")
	assert.Zero(t, fresh.Len())
}

func TestRegistryConcurrentConnections(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			h := r.Open(id)
			for j := 0; j < 10; j++ {
				_ = h.AppendUser(id)
				_ = h.AppendAssistant(id)
			}
			for _, turn := range h.Snapshot() {
				if turn.Content != id {
					t.Errorf("connection %s saw foreign turn %q", id, turn.Content)
				}
			}
			r.Close(id)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}
