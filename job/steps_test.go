package job

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepMapInsertionOrder(t *testing.T) {
	var m StepMap
	m.Set("zeta", &Step{Status: StatusFinished})
	m.Set("alpha", &Step{Status: StatusFinished})
	m.Set("mike", &Step{Status: StatusRunning})

	assert.Equal(t, []string{"zeta", "alpha", "mike"}, m.Names())
	assert.Equal(t, 3, m.Len())
}

func TestStepMapUpdateKeepsPosition(t *testing.T) {
	var m StepMap
	m.Set("first", &Step{Status: StatusRunning})
	m.Set("second", &Step{Status: StatusPending})
	m.Set("first", &Step{Status: StatusFinished})

	assert.Equal(t, []string{"first", "second"}, m.Names())
	step, ok := m.Get("first")
	require.True(t, ok)
	assert.Equal(t, StatusFinished, step.Status)
}

func TestStepMapJSONRoundTrip(t *testing.T) {
	start := time.Now().Truncate(time.Second)
	var m StepMap
	m.Set("download", &Step{Status: StatusFinished, TimestampStart: &start})
	m.Set("validate", &Step{Status: StatusFailed, Msg: &Msg{Type: MsgError, Text: "bad geometry"}})
	m.Set("publish", &Step{Status: StatusPending})

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var restored StepMap
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, []string{"download", "validate", "publish"}, restored.Names())
	step, ok := restored.Get("validate")
	require.True(t, ok)
	require.NotNil(t, step.Msg)
	assert.Equal(t, "bad geometry", step.Msg.Text)
}

func TestStepMapMarshalKeyOrder(t *testing.T) {
	var m StepMap
	m.Set("c", &Step{Status: StatusFinished})
	m.Set("a", &Step{Status: StatusFinished})
	m.Set("b", &Step{Status: StatusFinished})

	data, err := json.Marshal(m)
	require.NoError(t, err)

	// Key order in the serialized object is insertion order, not sorted.
	s := string(data)
	assert.Less(t, strings.Index(s, `"c"`), strings.Index(s, `"a"`))
	assert.Less(t, strings.Index(s, `"a"`), strings.Index(s, `"b"`))
}

func TestStepMapAnyRunning(t *testing.T) {
	var m StepMap
	m.Set("done", &Step{Status: StatusFinished})
	assert.False(t, m.AnyRunning())

	m.Set("busy", &Step{Status: StatusRunning})
	assert.True(t, m.AnyRunning())
}

func TestStepMapUnmarshalRejectsArray(t *testing.T) {
	var m StepMap
	err := json.Unmarshal([]byte(`["not", "an", "object"]`), &m)
	assert.Error(t, err)
}
