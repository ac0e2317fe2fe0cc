package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "2024/01/02/rejected-ab.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://2024/01/02/rejected-ab.json", uri)

	payload[0] = 'C'
	stored, ok := store.Get("2024/01/02/rejected-ab.json")
	require.True(t, ok)
	assert.Equal(t, "content", string(stored))
	assert.Equal(t, []string{"2024/01/02/rejected-ab.json"}, store.Paths())
}
