package fs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomscp/blob"
)

func TestPut_WritesFileAndSidecar(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	info, err := s.Put(context.Background(), "archive/P/S/E/1.dcm", strings.NewReader("DICM"), blob.PutOptions{
		ContentType: blob.ContentTypeDICOM,
		Metadata:    map[string]string{"anonymize": "true"},
		Size:        4,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), info.Size)
	assert.NotEmpty(t, info.ETag)

	data, err := os.ReadFile(filepath.Join(s.Root(), "archive", "P", "S", "E", "1.dcm"))
	require.NoError(t, err)
	assert.Equal(t, "DICM", string(data))

	raw, err := os.ReadFile(filepath.Join(s.Root(), "archive", "P", "S", "E", "1.dcm.meta"))
	require.NoError(t, err)
	var meta metaFile
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, blob.ContentTypeDICOM, meta.ContentType)
	assert.Equal(t, "true", meta.Metadata["anonymize"])
	assert.Equal(t, info.ETag, meta.ETag)
}

func TestPut_Replaces(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Put(ctx, "a/b.dcm", strings.NewReader("first"), blob.PutOptions{Size: -1})
	require.NoError(t, err)
	_, err = s.Put(ctx, "a/b.dcm", strings.NewReader("second"), blob.PutOptions{Size: -1})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(s.Root(), "a", "b.dcm"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Join(s.Root(), "a"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".put-"), "temporary file left behind: %s", e.Name())
	}
}

func TestPut_RejectsEscapingKeys(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "  ", "/etc/passwd", "../x", "a/../../x"} {
		_, err := s.Put(context.Background(), key, strings.NewReader("x"), blob.PutOptions{})
		assert.Error(t, err, "key %q", key)
	}
}

func TestPut_CancelledContext(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.Put(ctx, "x.dcm", strings.NewReader("data"), blob.PutOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(filepath.Join(s.Root(), "x.dcm"))
	assert.True(t, os.IsNotExist(statErr))
}
