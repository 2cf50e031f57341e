package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tastp/histfeed/internal/plan"
)

const dailyCSV = `timestamp,open,high,low,close,volume
2022-03-31,177.8400,178.0300,174.4000,174.6100,103049300
2022-03-30,178.5500,179.6100,176.7000,177.7700,92633200
`

func historyUnit() plan.FetchUnit {
	return plan.FetchUnit{
		Symbol:      "AAPL",
		PeriodStart: time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2022, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newAPIAdapter(t *testing.T, baseURL string) *AlphaVantageAdapter {
	t.Helper()

	adapter, err := NewAlphaVantageAdapter(AlphaVantageConfig{
		BaseURL:  baseURL,
		APIKey:   "test-key",
		Cooldown: time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return adapter
}

func TestAlphaVantageFetch(t *testing.T) {
	var query string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Write([]byte(dailyCSV))
	}))
	defer server.Close()

	adapter := newAPIAdapter(t, server.URL)

	raw, err := adapter.Fetch(context.Background(), historyUnit())
	require.NoError(t, err)

	assert.Contains(t, query, "function=TIME_SERIES_DAILY")
	assert.Contains(t, query, "symbol=AAPL")
	assert.Contains(t, query, "outputsize=full")
	assert.Contains(t, query, "apikey=test-key")

	assert.Equal(t, []string{"timestamp", "open", "high", "low", "close", "volume"}, raw.Columns)
	require.Len(t, raw.Rows, 2)
	assert.Equal(t, "174.6100", raw.Rows[0][4])
}

func TestAlphaVantageLocateRedactsCredential(t *testing.T) {
	adapter := newAPIAdapter(t, "https://example.com/query")

	locator := adapter.Locate(historyUnit())
	assert.NotContains(t, locator, "test-key")
	assert.Contains(t, locator, "apikey=REDACTED")
	assert.Contains(t, locator, "symbol=AAPL")
}

func TestAlphaVantageThrottleStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	adapter := newAPIAdapter(t, server.URL)

	_, err := adapter.Fetch(context.Background(), historyUnit())
	require.Error(t, err)

	var rateLimited *RateLimitError
	require.ErrorAs(t, err, &rateLimited)
	assert.Equal(t, 30*time.Second, rateLimited.RetryAfter)
	assert.NotContains(t, rateLimited.Locator, "test-key")
}

func TestAlphaVantageThrottlePayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Note": "Thank you for using Alpha Vantage! Our standard API call frequency is 5 calls per minute."}`))
	}))
	defer server.Close()

	adapter := newAPIAdapter(t, server.URL)

	_, err := adapter.Fetch(context.Background(), historyUnit())
	var rateLimited *RateLimitError
	require.ErrorAs(t, err, &rateLimited)
	assert.Zero(t, rateLimited.RetryAfter)
}

func TestAlphaVantageServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	adapter := newAPIAdapter(t, server.URL)

	_, err := adapter.Fetch(context.Background(), historyUnit())
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, KindAlphaVantage, unavailable.Source)
}

func TestAlphaVantageHeaderOnlyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("timestamp,open,high,low,close,volume\n"))
	}))
	defer server.Close()

	adapter := newAPIAdapter(t, server.URL)

	raw, err := adapter.Fetch(context.Background(), historyUnit())
	require.NoError(t, err)
	assert.Empty(t, raw.Rows)
}

func TestAlphaVantageAdapterRequiresKey(t *testing.T) {
	_, err := NewAlphaVantageAdapter(AlphaVantageConfig{}, nil)
	assert.Error(t, err)
}

func TestAlphaVantageGranularity(t *testing.T) {
	adapter := newAPIAdapter(t, "https://example.com/query")
	assert.Equal(t, plan.GranularityFullHistory, adapter.Granularity())
	assert.Equal(t, KindAlphaVantage, adapter.Kind())
}

func TestIsThrottlePayload(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"note payload", `{"Note": "please slow down"}`, true},
		{"information payload", `{"Information": "premium endpoint"}`, true},
		{"csv body", dailyCSV, false},
		{"empty body", "", false},
		{"unrelated json", `{"data": []}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isThrottlePayload([]byte(tt.body)))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 45*time.Second, parseRetryAfter("45"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("garbage"))

	httpDate := time.Now().Add(90 * time.Second).UTC().Format(time.RFC1123)
	got := parseRetryAfter(strings.Replace(httpDate, "UTC", "GMT", 1))
	assert.Greater(t, got, 80*time.Second)
}
