package objectstoretest

import (
	"context"
	"io"
	"testing"
	"time"

	"imagepipe/internal/objectstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "images/a/raw/a.jpg", []byte("abc"), "image/jpeg"))
	require.NoError(t, m.Put(ctx, "images/b/raw/b.jpg", []byte("b"), "image/jpeg"))

	rc, info, err := m.Get(ctx, "images/a/raw/a.jpg")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	assert.Equal(t, "image/jpeg", info.ContentType)

	require.NoError(t, m.DeletePrefix(ctx, objectstore.Prefix("a")))
	assert.Empty(t, m.Keys(objectstore.Prefix("a")))
	assert.Len(t, m.Keys("images/"), 1)

	_, err = m.PresignGet(ctx, "images/a/raw/a.jpg", time.Minute)
	assert.ErrorIs(t, err, objectstore.ErrObjectNotFound)

	m.SetDown(true)
	assert.Error(t, m.Healthy(ctx))
	_, err = m.Stat(ctx, "images/b/raw/b.jpg")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, objectstore.ErrObjectNotFound)
}
