package files

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/civic-records/internal/records"
)

func TestWriteReadRemove(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	s := New(fsys)

	data, ok, err := s.Read(ctx, "records/bylaw/rec-1.md")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)

	require.NoError(t, s.Write(ctx, "records/bylaw/rec-1.md", []byte("first")))
	require.NoError(t, s.Write(ctx, "records/bylaw/rec-1.md", []byte("second")))

	data, ok, err = s.Read(ctx, "records/bylaw/rec-1.md")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "second", string(data))

	entries, err := afero.ReadDir(fsys, "records/bylaw")
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")

	require.NoError(t, s.Remove(ctx, "records/bylaw/rec-1.md"))
	require.NoError(t, s.Remove(ctx, "records/bylaw/rec-1.md"))

	_, ok, err = s.Read(ctx, "records/bylaw/rec-1.md")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(afero.NewMemMapFs())
	require.ErrorIs(t, s.Write(ctx, "a.md", []byte("x")), context.Canceled)
}

func TestOnDiskStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewOnDisk(dir)
	require.NoError(t, err)

	require.NoError(t, s.Write(context.Background(), "records/bylaw/x.md", []byte("hello")))
	data, err := afero.ReadFile(afero.NewOsFs(), dir+"/records/bylaw/x.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestRenderParse(t *testing.T) {
	archived := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	rec := records.Record{
		ID:         "rec-1",
		Title:      "Noise Ordinance",
		Type:       "bylaw",
		Status:     records.StatusArchived,
		Body:       "Quiet hours are 22:00 to 07:00.\n\n---\n\nSigned.",
		Version:    3,
		CreatedAt:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt:  archived,
		ArchivedAt: &archived,
	}

	data, err := Render(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), "title: Noise Ordinance\n")
	assert.True(t, len(data) > 0 && data[len(data)-1] == '\n')

	got, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Title, got.Title)
	assert.Equal(t, rec.Status, got.Status)
	assert.Equal(t, rec.Version, got.Version)
	assert.Equal(t, rec.Body, got.Body)
	require.NotNil(t, got.ArchivedAt)
	assert.True(t, archived.Equal(*got.ArchivedAt))
}

func TestParseRejectsPlainMarkdown(t *testing.T) {
	_, err := Parse([]byte("# just a heading\n"))
	require.Error(t, err)

	_, err = Parse([]byte("---\ntitle: x\n"))
	require.Error(t, err)
}
