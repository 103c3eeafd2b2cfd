package storage

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeArchiveEntry(t *testing.T) {
	assert.Equal(t, "report.txt", sanitizeArchiveEntry("report.txt"))
	assert.Equal(t, "report.txt", sanitizeArchiveEntry("nested/dir/report.txt"))
	assert.Equal(t, "report.txt", sanitizeArchiveEntry(`windows\path\report.txt`))
	assert.Equal(t, "", sanitizeArchiveEntry("../../etc/passwd"))
	assert.Equal(t, "", sanitizeArchiveEntry(".hidden"))
	assert.Equal(t, "dir", sanitizeArchiveEntry("dir/"))
	assert.Equal(t, "", sanitizeArchiveEntry(""))
}

func writeTestZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.zip")
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()

	writer := zip.NewWriter(file)
	for name, content := range entries {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return path
}

func TestExpandArchiveZip(t *testing.T) {
	path := writeTestZip(t, map[string]string{
		"notes.txt":        "some notes",
		"docs/handbook.md": "# handbook",
		"../escape.txt":    "must not land outside",
	})

	files, err := ExpandArchive(path)
	require.NoError(t, err)
	require.Len(t, files, 2)

	names := map[string]bool{}
	for _, extracted := range files {
		names[extracted.Name] = true
		content, err := os.ReadFile(extracted.Path)
		require.NoError(t, err)
		assert.NotEmpty(t, content)
		assert.Greater(t, extracted.Size, int64(0))
	}
	assert.True(t, names["notes.txt"])
	assert.True(t, names["handbook.md"])
	assert.False(t, names["escape.txt"])
}

func TestExpandArchiveEmptyZip(t *testing.T) {
	path := writeTestZip(t, nil)

	_, err := ExpandArchive(path)
	require.Error(t, err)
}

func TestExpandArchiveUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.tar")
	require.NoError(t, os.WriteFile(path, []byte("not an archive"), 0o600))

	_, err := ExpandArchive(path)
	require.Error(t, err)
}

func TestNewUploadStorageDisabledWithoutConfig(t *testing.T) {
	t.Setenv("MINIO_ENDPOINT", "")
	t.Setenv("MINIO_ACCESS_KEY", "")
	t.Setenv("MINIO_SECRET_KEY", "")

	storage, err := NewUploadStorageFromEnv()
	require.NoError(t, err)
	assert.Nil(t, storage)
}
