package crawllog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/empire-scraper/pkg/utils"
)

func TestPipeFormatter_Format(t *testing.T) {
	entry := &logrus.Entry{
		Time:    time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC),
		Level:   logrus.ErrorLevel,
		Message: Msg("404", Attempt(2), "https://example.com/movies/reviews/x/"),
		Caller: &runtime.Frame{
			File:     "/src/pkg/fetch/fetcher.go",
			Function: "github.com/Sriram-PR/empire-scraper/pkg/fetch.(*Fetcher).Fetch",
			Line:     88,
		},
	}

	out, err := (&PipeFormatter{}).Format(entry)
	require.NoError(t, err)
	assert.Equal(t,
		"2024-03-09 14:05:07|fetcher.go|fetch.(*Fetcher).Fetch|88|ERROR|404|#2|https://example.com/movies/reviews/x/\n",
		string(out))
}

func TestPipeFormatter_AlwaysEightFields(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		lvl  logrus.Level
	}{
		{"plain message", "crawl started", logrus.InfoLevel},
		{"two fields", "a|b", logrus.WarnLevel},
		{"pipe in url", "RequestFailed|3|https://x/a|b", logrus.ErrorLevel},
		{"newline", "line one\nline two|1|u", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := (&PipeFormatter{}).Format(&logrus.Entry{Time: time.Now(), Level: tt.lvl, Message: tt.msg})
			require.NoError(t, err)
			line := strings.TrimSuffix(string(out), "\n")
			assert.NotContains(t, line, "\n")
			_, err = ParseLine(line, 1)
			assert.NoError(t, err)
		})
	}
}

func TestPipeFormatter_WarningLevelName(t *testing.T) {
	out, err := (&PipeFormatter{}).Format(&logrus.Entry{Time: time.Now(), Level: logrus.WarnLevel, Message: "a|b|c"})
	require.NoError(t, err)
	e, err := ParseLine(strings.TrimSpace(string(out)), 1)
	require.NoError(t, err)
	assert.Equal(t, LevelWarning, e.Level)
}

func TestMsg_SanitizesIdentifierFields(t *testing.T) {
	assert.Equal(t, "GetReview|010-03|https://x/y", Msg("GetReview", "010-03", "https://x/y"))
	assert.Equal(t, "a/b|7|u", Msg("a|b", 7, "u"))
	assert.Equal(t, "dial tcp: timeout|#1|u", Msg("dial tcp:\ntimeout", Attempt(1), "u"))
}

func TestParseLine(t *testing.T) {
	e, err := ParseLine(" 2024-01-01 00:00:00 | f.go | pkg.F | 12 | ERROR | 404 | 001-02 | https://x/ ", 1)
	require.NoError(t, err)
	assert.Equal(t, "f.go", e.File)
	assert.Equal(t, 12, e.Line)
	assert.Equal(t, LevelError, e.Level)
	assert.Equal(t, "404", e.Field0)
	assert.Equal(t, "001-02", e.Field1)
	assert.Equal(t, "https://x/", e.Field2)
}

func TestParseLine_WrongFieldCountIsLogFormatError(t *testing.T) {
	raw := "2024-01-01 00:00:00|f.go|pkg.F|12|ERROR|404|001-02"
	_, err := ParseLine(raw, 7)
	require.Error(t, err)

	var lfe *utils.LogFormatError
	require.True(t, errors.As(err, &lfe))
	assert.Equal(t, 7, lfe.Line)
	assert.Equal(t, 7, lfe.Fields)
	assert.Equal(t, raw, lfe.Raw)
	assert.ErrorIs(t, err, utils.ErrLogFormat)
}

func TestReadEntries_SurfacesMalformedLine(t *testing.T) {
	input := strings.Join([]string{
		"t|f|fn|1|INFO|GetReviewPage|1|u",
		"",
		"t|f|fn|2|ERROR|RequestFailed|2",
		"t|f|fn|3|INFO|GetReviewPage|3|u",
	}, "\n")

	entries, err := ReadEntries(strings.NewReader(input))
	var lfe *utils.LogFormatError
	require.True(t, errors.As(err, &lfe))
	assert.Equal(t, 3, lfe.Line)
	assert.Len(t, entries, 1)
}

func TestAggregator_ConcurrentWritersNeverInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "crawl.log")
	agg, err := Open(path, nil)
	require.NoError(t, err)
	logger := agg.NewLogger()

	const workers, perWorker = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				logger.Info(Msg("GetReview", fmt.Sprintf("%03d-%02d", w+1, i+1), "https://example.com/movies/reviews/x/"))
			}
		}(w)
	}
	wg.Wait()
	agg.Flush()

	entries, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, entries, workers*perWorker)
	for _, e := range entries {
		assert.Equal(t, "crawllog_test.go", e.File)
		assert.Equal(t, LevelInfo, e.Level)
		assert.Equal(t, "GetReview", e.Field0)
	}
	require.NoError(t, agg.Close())
}

func TestAggregator_TeeAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.log")
	var mirror bytes.Buffer
	agg, err := Open(path, &mirror)
	require.NoError(t, err)

	agg.NewLogger().Error(Msg("RequestFailed", 4, "https://example.com/movies/reviews/4/"))
	require.NoError(t, agg.Close())
	require.NoError(t, agg.Close(), "second close is a no-op")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(data), mirror.String())
	assert.Contains(t, string(data), "|ERROR|RequestFailed|4|")

	_, err = agg.Write([]byte("late\n"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.NotPanics(t, agg.Flush)
}

func TestAggregator_AppendsAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.log")
	for i := 0; i < 2; i++ {
		agg, err := Open(path, nil)
		require.NoError(t, err)
		agg.NewLogger().Info(Msg("GetReviewPage", i+1, "u"))
		require.NoError(t, agg.Close())
	}
	entries, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAggregator_CreateStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.log")
	agg, err := Open(path, nil)
	require.NoError(t, err)
	agg.NewLogger().Error(Msg("404", "001-01", "u"))
	require.NoError(t, agg.Close())

	agg, err = Create(path, nil)
	require.NoError(t, err)
	agg.NewLogger().Info(Msg("GetReviewPage", 1, "u"))
	require.NoError(t, agg.Close())

	entries, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "GetReviewPage", entries[0].Field0)
}
