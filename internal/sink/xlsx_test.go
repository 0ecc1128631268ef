package sink_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/studyatlas/portal-crawler/internal/crawler"
	"github.com/studyatlas/portal-crawler/internal/sink"
)

func record(url, category, title string) crawler.ItemRecord {
	return crawler.ItemRecord{
		URL:       url,
		Category:  category,
		Fields:    map[string]string{"title": title, "price": "12.50"},
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestXLSXSinkAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.xlsx")
	s, err := sink.NewXLSX(path, []string{"price", "title"}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Append(ctx, record("https://x/a", "physics", "Alpha")))
	require.NoError(t, s.Append(ctx, record("https://x/b", "physics", "Beta")))
	require.NoError(t, s.Append(ctx, record("https://x/c", "chemistry", "Gamma")))
	require.NoError(t, s.Close())

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	rows, err := f.GetRows("physics")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"url", "price", "title", "updated_at"}, rows[0])
	assert.Equal(t, "https://x/a", rows[1][0])
	assert.Equal(t, "12.50", rows[1][1])
	assert.Equal(t, "Alpha", rows[1][2])
	assert.Equal(t, "Beta", rows[2][2])

	chem, err := f.GetRows("chemistry")
	require.NoError(t, err)
	require.Len(t, chem, 2)
	assert.Equal(t, "Gamma", chem[1][2])
}

func TestXLSXSinkResumesExistingWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.xlsx")
	ctx := context.Background()

	s, err := sink.NewXLSX(path, []string{"price", "title"}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, record("https://x/a", "physics", "Alpha")))
	require.NoError(t, s.Close())

	// A second sink over the same file appends after the existing rows.
	s, err = sink.NewXLSX(path, []string{"price", "title"}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, record("https://x/b", "physics", "Beta")))
	require.NoError(t, s.Close())

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	rows, err := f.GetRows("physics")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Alpha", rows[1][2])
	assert.Equal(t, "Beta", rows[2][2])
}

func TestXLSXSinkRequiresColumns(t *testing.T) {
	_, err := sink.NewXLSX(filepath.Join(t.TempDir(), "items.xlsx"), nil, zap.NewNop())
	require.Error(t, err)
}

func TestXLSXSinkCanceledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.xlsx")
	s, err := sink.NewXLSX(path, []string{"title"}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.Append(ctx, record("https://x/a", "physics", "Alpha")))
}
