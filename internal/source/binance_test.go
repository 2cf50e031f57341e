package source

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tastp/histfeed/internal/plan"
)

func buildArchive(t *testing.T, entryName, content string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(entryName)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func archiveUnit() plan.FetchUnit {
	day := time.Date(2022, 5, 1, 0, 0, 0, 0, time.UTC)
	return plan.FetchUnit{
		Symbol:      "BTCBUSD",
		PeriodStart: day,
		PeriodEnd:   day.AddDate(0, 0, 1),
	}
}

func newArchiveAdapter(t *testing.T, domain string) *BinanceAdapter {
	t.Helper()

	adapter, err := NewBinanceAdapter(BinanceConfig{
		Domain:     domain,
		SymbolPair: "BTCBUSD",
	}, nil)
	require.NoError(t, err)
	return adapter
}

func TestBinanceLocate(t *testing.T) {
	adapter := newArchiveAdapter(t, "https://example.com/klines/")

	locator := adapter.Locate(archiveUnit())
	assert.Equal(t,
		"https://example.com/klines/BTCBUSD/1m/BTCBUSD-1m-2022-05-01.zip",
		locator)
}

func TestBinanceFetch(t *testing.T) {
	csvContent := "1651363200000,38472.51,38510.00,38440.12,38495.33,12.48,1651363259999,480301.2,7.1,0\n" +
		"1651363260000,38495.33,38500.00,38470.00,38480.10,8.22,1651363319999,316402.8,4.5,0\n"
	archive := buildArchive(t, "BTCBUSD-1m-2022-05-01.csv", csvContent)

	var requestedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedPath = r.URL.Path
		w.Write(archive)
	}))
	defer server.Close()

	adapter := newArchiveAdapter(t, server.URL+"/")

	raw, err := adapter.Fetch(context.Background(), archiveUnit())
	require.NoError(t, err)
	assert.Equal(t, "/BTCBUSD/1m/BTCBUSD-1m-2022-05-01.zip", requestedPath)
	assert.Equal(t, binanceColumns, raw.Columns)
	require.Len(t, raw.Rows, 2)
	assert.Equal(t, "38495.33", raw.Rows[0][4])
}

func TestBinanceFetchMissingDay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	adapter := newArchiveAdapter(t, server.URL+"/")

	_, err := adapter.Fetch(context.Background(), archiveUnit())
	require.Error(t, err)

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, KindBinanceArchive, unavailable.Source)
	assert.Equal(t, "BTCBUSD", unavailable.Symbol)
	assert.Equal(t, "2022-05-01", unavailable.Date)
	assert.Contains(t, unavailable.Locator, "BTCBUSD-1m-2022-05-01.zip")
}

func TestBinanceFetchMalformedArchive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not a zip file"))
	}))
	defer server.Close()

	adapter := newArchiveAdapter(t, server.URL+"/")

	_, err := adapter.Fetch(context.Background(), archiveUnit())
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Contains(t, unavailable.Err.Error(), "malformed archive")
}

func TestBinanceFetchWrongColumnCount(t *testing.T) {
	archive := buildArchive(t, "BTCBUSD-1m-2022-05-01.csv", "1651363200000,100,101\n")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer server.Close()

	adapter := newArchiveAdapter(t, server.URL+"/")

	_, err := adapter.Fetch(context.Background(), archiveUnit())
	var unavailable *UnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestBinanceFetchEmptyEntry(t *testing.T) {
	archive := buildArchive(t, "BTCBUSD-1m-2022-05-01.csv", "")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer server.Close()

	adapter := newArchiveAdapter(t, server.URL+"/")

	raw, err := adapter.Fetch(context.Background(), archiveUnit())
	require.NoError(t, err)
	assert.Empty(t, raw.Rows)
}

func TestBinanceAdapterRequiresPair(t *testing.T) {
	_, err := NewBinanceAdapter(BinanceConfig{}, nil)
	assert.Error(t, err)
}

func TestBinanceGranularity(t *testing.T) {
	adapter := newArchiveAdapter(t, "https://example.com/")
	assert.Equal(t, plan.GranularityDailyArchive, adapter.Granularity())
	assert.Equal(t, KindBinanceArchive, adapter.Kind())
}
