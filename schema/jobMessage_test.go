package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	msg := NewJobMessage("o1", "course-1", "stage2_init", "stage2", []byte(`{"lesson":4}`))
	msg.Principal = "user-A"
	b, err := msg.Encode()
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "course-1", got.EntityID)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, []byte(`{"lesson":4}`), got.Payload)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode([]byte(`{"v":2,"entity_id":"e","queue":"q"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"v":1,"queue":"q"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}
