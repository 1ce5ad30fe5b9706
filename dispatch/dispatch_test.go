package dispatch

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemValidate(t *testing.T) {
	valid := Item{
		TaskName:   TaskNameExecuteLLM,
		TaskID:     uuid.New(),
		DispatchID: uuid.New().String(),
	}
	assert.NoError(t, valid.Validate())

	missingName := valid
	missingName.TaskName = ""
	assert.Error(t, missingName.Validate())

	missingTask := valid
	missingTask.TaskID = uuid.Nil
	assert.Error(t, missingTask.Validate())

	missingDispatch := valid
	missingDispatch.DispatchID = ""
	assert.Error(t, missingDispatch.Validate())
}

func TestItemWireRoundTrip(t *testing.T) {
	eta := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	in := Item{
		TaskName:   TaskNameExecuteLLM,
		TaskID:     uuid.New(),
		DispatchID: uuid.New().String(),
		ETA:        &eta,
	}

	data, err := in.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalItem(data)
	require.NoError(t, err)
	assert.Equal(t, in.TaskID, out.TaskID)
	assert.Equal(t, in.DispatchID, out.DispatchID)
	require.NotNil(t, out.ETA)
	assert.True(t, eta.Equal(*out.ETA))
}

func TestUnmarshalItemRejectsInvalid(t *testing.T) {
	_, err := UnmarshalItem([]byte(`{"task_name":"ExecuteLLM"}`))
	require.Error(t, err)

	_, err = UnmarshalItem([]byte(`not json`))
	require.Error(t, err)
}

func TestRevocationKey(t *testing.T) {
	id := uuid.New().String()
	assert.Equal(t, id, revocationKey(id))
	assert.Equal(t, "a_b", revocationKey("a.b"))
}
