package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChoicesKeepInsertionOrder(t *testing.T) {
	var c Choices
	c.Set("Why now?", "Health")
	c.Set("A good day looks like", "Outdoors")
	c.Set("Biggest blocker", "Time")
	c.Set("Why now?", "Family")

	data, err := json.Marshal(c)
	require.NoError(t, err)
	require.JSONEq(t, `{"Why now?":"Family","A good day looks like":"Outdoors","Biggest blocker":"Time"}`, string(data))
	require.Equal(t, `{"Why now?":"Family","A good day looks like":"Outdoors","Biggest blocker":"Time"}`, string(data))
}

func TestChoicesUnmarshalPreservesDocumentOrder(t *testing.T) {
	var c Choices
	require.NoError(t, json.Unmarshal([]byte(`{"b":"2","a":"1","c":3}`), &c))
	require.Equal(t, []string{"b", "a", "c"}, c.Keys())
	v, ok := c.Get("c")
	require.True(t, ok)
	require.Equal(t, "3", v)

	require.Error(t, json.Unmarshal([]byte(`["a"]`), &c))
}

func TestChoicesZeroValueMarshalsEmptyObject(t *testing.T) {
	data, err := json.Marshal(Choices{})
	require.NoError(t, err)
	require.Equal(t, `{}`, string(data))
}

func TestMilestoneCompleted(t *testing.T) {
	var m Milestone
	require.False(t, m.Completed())
	now := m.CreatedAt
	m.CompletedAt = &now
	require.True(t, m.Completed())
}
