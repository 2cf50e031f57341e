package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tastp/histfeed/internal/plan"
	"github.com/tastp/histfeed/internal/source"
	"github.com/tastp/histfeed/internal/store"
)

// mockAdapter is a scriptable source adapter. Responses are keyed by the
// unit date; unkeyed dates answer with a default raw table.
type mockAdapter struct {
	granularity plan.Granularity
	fetches     int
	waits       int
	errByDate   map[string]error
	rowsByDate  map[string][][]string
	defaultRows [][]string
}

func newMockAdapter(granularity plan.Granularity) *mockAdapter {
	return &mockAdapter{
		granularity: granularity,
		errByDate:   make(map[string]error),
		rowsByDate:  make(map[string][][]string),
	}
}

func (m *mockAdapter) Kind() source.Kind             { return source.KindBinanceArchive }
func (m *mockAdapter) Granularity() plan.Granularity { return m.granularity }

func (m *mockAdapter) Locate(unit plan.FetchUnit) string {
	return fmt.Sprintf("mock://%s/%s", unit.Symbol, unit.Date())
}

func (m *mockAdapter) WaitForLimit(ctx context.Context) error {
	m.waits++
	return ctx.Err()
}

func (m *mockAdapter) Fetch(ctx context.Context, unit plan.FetchUnit) (*source.RawTable, error) {
	m.fetches++
	if err, ok := m.errByDate[unit.Date()]; ok {
		return nil, err
	}

	rows, ok := m.rowsByDate[unit.Date()]
	if !ok {
		rows = m.defaultRows
	}
	return &source.RawTable{Rows: rows}, nil
}

// barRow builds one archive-shaped row whose bar opens at the given day.
func barRow(day time.Time, close string) []string {
	openMillis := day.UnixMilli()
	return []string{
		fmt.Sprintf("%d", openMillis), "100", "101", "99", close, "5",
		fmt.Sprintf("%d", openMillis+59999), "0", "0", "0",
	}
}

func registryWith(t *testing.T, symbols ...string) *store.MemoryStore {
	t.Helper()

	m := store.NewMemoryStore()
	require.NoError(t, m.Register(context.Background(), symbols...))
	return m
}

func fastConfig() *Config {
	return &Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestIngestHappyPath(t *testing.T) {
	adapter := newMockAdapter(plan.GranularityDailyArchive)
	adapter.rowsByDate["2022-05-01"] = [][]string{barRow(date(2022, 5, 1), "101")}
	adapter.rowsByDate["2022-05-02"] = [][]string{barRow(date(2022, 5, 2), "102")}

	bars := registryWith(t, "BTCBUSD")
	pipe, err := New(adapter, bars, bars, fastConfig())
	require.NoError(t, err)

	report, err := pipe.Ingest(context.Background(), Request{
		Symbols: []string{"BTCBUSD"},
		Start:   date(2022, 5, 1),
		End:     date(2022, 5, 2),
	})
	require.NoError(t, err)

	assert.True(t, report.Complete())
	assert.Equal(t, 2, report.UnitsPlanned)
	assert.Equal(t, 2, report.UnitsOK)
	assert.Equal(t, 2, report.BarsInserted)
	assert.Zero(t, report.RowsRejected)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, adapter.fetches)
	assert.Equal(t, adapter.fetches, adapter.waits)

	stored, err := bars.Query(context.Background(), "BTCBUSD", date(2022, 5, 1), date(2022, 5, 2))
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestIngestUnknownSymbolFailsBeforeFetch(t *testing.T) {
	adapter := newMockAdapter(plan.GranularityDailyArchive)
	bars := registryWith(t, "BTCBUSD")

	pipe, err := New(adapter, bars, bars, fastConfig())
	require.NoError(t, err)

	_, err = pipe.Ingest(context.Background(), Request{
		Symbols: []string{"BTCBUSD", "DOGEBUSD", "SHIBBUSD"},
		Start:   date(2022, 5, 1),
		End:     date(2022, 5, 1),
	})

	var unknown *UnknownSymbolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, []string{"DOGEBUSD", "SHIBBUSD"}, unknown.Symbols)
	assert.Zero(t, adapter.fetches)
}

func TestIngestRetriesTransientFailure(t *testing.T) {
	adapter := newMockAdapter(plan.GranularityDailyArchive)
	adapter.rowsByDate["2022-05-01"] = [][]string{barRow(date(2022, 5, 1), "101")}

	// Fail twice, then succeed on the third attempt.
	wrapped := &countingAdapter{
		mockAdapter: adapter,
		failFirst:   2,
		err: &source.UnavailableError{
			Source: source.KindBinanceArchive,
			Symbol: "BTCBUSD",
			Date:   "2022-05-01",
			Err:    fmt.Errorf("connection reset"),
		},
	}

	bars := registryWith(t, "BTCBUSD")
	pipe, err := New(wrapped, bars, bars, fastConfig())
	require.NoError(t, err)

	report, err := pipe.Ingest(context.Background(), Request{
		Symbols: []string{"BTCBUSD"},
		Start:   date(2022, 5, 1),
		End:     date(2022, 5, 1),
	})
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, 1, report.UnitsOK)
	assert.Equal(t, 3, wrapped.calls)
}

// countingAdapter fails the first failFirst Fetch calls, then delegates.
type countingAdapter struct {
	*mockAdapter
	failFirst int
	calls     int
	err       error
}

func (c *countingAdapter) Fetch(ctx context.Context, unit plan.FetchUnit) (*source.RawTable, error) {
	c.calls++
	if c.calls <= c.failFirst {
		return nil, c.err
	}
	return c.mockAdapter.Fetch(ctx, unit)
}

func TestPartialConfigKeepsRetryBounded(t *testing.T) {
	adapter := newMockAdapter(plan.GranularityDailyArchive)

	// Fails every attempt; the run must still terminate after the default
	// attempt budget rather than retrying without bound.
	failing := &countingAdapter{
		mockAdapter: adapter,
		failFirst:   1 << 30,
		err: &source.UnavailableError{
			Source: source.KindBinanceArchive,
			Symbol: "BTCBUSD",
			Date:   "2022-05-01",
			Err:    fmt.Errorf("connection reset"),
		},
	}

	bars := registryWith(t, "BTCBUSD")

	// Partial config: only a logger, retry settings left zero.
	pipe, err := New(failing, bars, bars, &Config{Logger: slog.Default()})
	require.NoError(t, err)
	pipe.config.InitialBackoff = time.Millisecond
	pipe.config.MaxBackoff = time.Millisecond

	report, err := pipe.Ingest(context.Background(), Request{
		Symbols: []string{"BTCBUSD"},
		Start:   date(2022, 5, 1),
		End:     date(2022, 5, 1),
	})
	require.NoError(t, err)

	assert.False(t, report.Complete())
	require.Len(t, report.Failures, 1)
	assert.Equal(t, DefaultMaxAttempts, report.Failures[0].Attempts)
	assert.Equal(t, DefaultMaxAttempts, failing.calls)
}

func TestIngestCanonicalizesSymbolCasing(t *testing.T) {
	adapter := newMockAdapter(plan.GranularityDailyArchive)
	adapter.rowsByDate["2022-05-01"] = [][]string{barRow(date(2022, 5, 1), "101")}

	bars := registryWith(t, "BTCBUSD")
	pipe, err := New(adapter, bars, bars, fastConfig())
	require.NoError(t, err)

	report, err := pipe.Ingest(context.Background(), Request{
		Symbols: []string{" btcbusd "},
		Start:   date(2022, 5, 1),
		End:     date(2022, 5, 1),
	})
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, []string{"BTCBUSD"}, report.Symbols)

	// Bars landed under the canonical casing, not the caller's.
	stored, err := bars.Query(context.Background(), "BTCBUSD", date(2022, 5, 1), date(2022, 5, 1))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "BTCBUSD", stored[0].Symbol)

	symbols, err := bars.Symbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCBUSD"}, symbols)
}

func TestIngestRecordsExhaustedUnitAndContinues(t *testing.T) {
	adapter := newMockAdapter(plan.GranularityDailyArchive)
	adapter.errByDate["2022-05-01"] = &source.UnavailableError{
		Source: source.KindBinanceArchive,
		Symbol: "BTCBUSD",
		Date:   "2022-05-01",
		Err:    fmt.Errorf("status 404"),
	}
	adapter.rowsByDate["2022-05-02"] = [][]string{barRow(date(2022, 5, 2), "102")}

	bars := registryWith(t, "BTCBUSD")
	pipe, err := New(adapter, bars, bars, fastConfig())
	require.NoError(t, err)

	report, err := pipe.Ingest(context.Background(), Request{
		Symbols: []string{"BTCBUSD"},
		Start:   date(2022, 5, 1),
		End:     date(2022, 5, 2),
	})
	require.NoError(t, err)

	assert.False(t, report.Complete())
	assert.Equal(t, 1, report.UnitsOK)
	require.Len(t, report.Failures, 1)
	failure := report.Failures[0]
	assert.Equal(t, "BTCBUSD", failure.Symbol)
	assert.Equal(t, "2022-05-01", failure.Date)
	assert.Equal(t, 3, failure.Attempts)
	assert.NotEmpty(t, failure.Locator)

	// The failed day stayed absent while the good day committed.
	stored, err := bars.Query(context.Background(), "BTCBUSD", date(2022, 5, 1), date(2022, 5, 2))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "2022-05-02", stored[0].OpenTime.Format("2006-01-02"))
}

func TestIngestCountsRejectedRows(t *testing.T) {
	adapter := newMockAdapter(plan.GranularityDailyArchive)
	adapter.rowsByDate["2022-05-01"] = [][]string{
		barRow(date(2022, 5, 1), "101"),
		{"garbage", "100", "101", "99", "100", "5", "also-garbage", "0", "0", "0"},
	}

	bars := registryWith(t, "BTCBUSD")
	pipe, err := New(adapter, bars, bars, fastConfig())
	require.NoError(t, err)

	report, err := pipe.Ingest(context.Background(), Request{
		Symbols: []string{"BTCBUSD"},
		Start:   date(2022, 5, 1),
		End:     date(2022, 5, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.BarsInserted)
	assert.Equal(t, 1, report.RowsRejected)
	assert.True(t, report.Complete())
}

func TestIngestFullHistoryFiltersToRequestedRange(t *testing.T) {
	adapter := newMockAdapter(plan.GranularityFullHistory)
	// Full history returns days on both sides of the requested range.
	adapter.defaultRows = [][]string{
		barRow(date(2022, 4, 30), "99"),
		barRow(date(2022, 5, 1), "101"),
		barRow(date(2022, 5, 2), "102"),
		barRow(date(2022, 5, 3), "103"),
	}

	bars := registryWith(t, "BTCBUSD")
	pipe, err := New(adapter, bars, bars, fastConfig())
	require.NoError(t, err)

	report, err := pipe.Ingest(context.Background(), Request{
		Symbols: []string{"BTCBUSD"},
		Start:   date(2022, 5, 1),
		End:     date(2022, 5, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.UnitsPlanned)
	assert.Equal(t, 2, report.BarsInserted)
	assert.Equal(t, 1, adapter.fetches)

	stored, err := bars.Query(context.Background(), "BTCBUSD", date(2022, 4, 30), date(2022, 5, 3))
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestIngestIdempotentRerun(t *testing.T) {
	adapter := newMockAdapter(plan.GranularityDailyArchive)
	adapter.rowsByDate["2022-05-01"] = [][]string{barRow(date(2022, 5, 1), "101")}

	bars := registryWith(t, "BTCBUSD")
	pipe, err := New(adapter, bars, bars, fastConfig())
	require.NoError(t, err)

	req := Request{Symbols: []string{"BTCBUSD"}, Start: date(2022, 5, 1), End: date(2022, 5, 1)}
	for i := 0; i < 3; i++ {
		report, err := pipe.Ingest(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, report.Complete())
	}

	stored, err := bars.Query(context.Background(), "BTCBUSD", date(2022, 5, 1), date(2022, 5, 1))
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{
			name: "valid",
			req:  Request{Symbols: []string{"AAPL"}, Start: date(2022, 1, 1), End: date(2022, 1, 2)},
		},
		{
			name:    "no symbols",
			req:     Request{Start: date(2022, 1, 1), End: date(2022, 1, 2)},
			wantErr: true,
		},
		{
			name:    "blank symbol",
			req:     Request{Symbols: []string{"AAPL", "  "}, Start: date(2022, 1, 1), End: date(2022, 1, 2)},
			wantErr: true,
		},
		{
			name:    "zero start",
			req:     Request{Symbols: []string{"AAPL"}, End: date(2022, 1, 2)},
			wantErr: true,
		},
		{
			name:    "zero end",
			req:     Request{Symbols: []string{"AAPL"}, Start: date(2022, 1, 1)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIngestInvalidRange(t *testing.T) {
	adapter := newMockAdapter(plan.GranularityDailyArchive)
	bars := registryWith(t, "BTCBUSD")

	pipe, err := New(adapter, bars, bars, fastConfig())
	require.NoError(t, err)

	_, err = pipe.Ingest(context.Background(), Request{
		Symbols: []string{"BTCBUSD"},
		Start:   date(2022, 5, 2),
		End:     date(2022, 5, 1),
	})

	var rangeErr *plan.InvalidRangeError
	assert.ErrorAs(t, err, &rangeErr)
	assert.Zero(t, adapter.fetches)
}

func TestNewRequiresCollaborators(t *testing.T) {
	bars := store.NewMemoryStore()
	adapter := newMockAdapter(plan.GranularityDailyArchive)

	_, err := New(nil, bars, bars, nil)
	assert.Error(t, err)

	_, err = New(adapter, nil, bars, nil)
	assert.Error(t, err)

	_, err = New(adapter, bars, nil, nil)
	assert.Error(t, err)
}

func TestIngestCanceledContext(t *testing.T) {
	adapter := newMockAdapter(plan.GranularityDailyArchive)
	adapter.defaultRows = [][]string{barRow(date(2022, 5, 1), "101")}
	bars := registryWith(t, "BTCBUSD")

	pipe, err := New(adapter, bars, bars, fastConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = pipe.Ingest(ctx, Request{
		Symbols: []string{"BTCBUSD"},
		Start:   date(2022, 5, 1),
		End:     date(2022, 5, 1),
	})
	assert.Error(t, err)
}
