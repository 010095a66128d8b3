package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"attendsync/internal/register"
)

func newMetricsServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.Header.Get("x-api-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		case "/api/v1/metrics":
			assert.Equal(t, "2024-03", r.URL.Query().Get("month"))
			assert.Equal(t, "P1,P2", r.URL.Query().Get("punchCodes"))
			_ = json.NewEncoder(w).Encode(MetricsResponse{Records: []register.MetricsRecord{
				{PunchCode: "P1", Date: "2024-03-01", NetHours: "8", OTHours: "0"},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMonthMetrics(t *testing.T) {
	var hits int32
	srv := newMetricsServer(t, &hits)
	c := NewClient(srv.URL+"/", "secret")

	records, err := c.MonthMetrics(context.Background(), "2024-03", []string{"P1", "P2"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "8", records[0].NetHours)
}

func TestMonthMetricsHTTPError(t *testing.T) {
	var hits int32
	srv := newMetricsServer(t, &hits)
	c := NewClient(srv.URL, "wrong")

	_, err := c.MonthMetrics(context.Background(), "2024-03", []string{"P1", "P2"})
	assert.ErrorContains(t, err, "http 401")
}

func TestMonthMetricsUsesRedisCache(t *testing.T) {
	var hits int32
	srv := newMetricsServer(t, &hits)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewClient(srv.URL, "secret")
	c.UseRedisCache(rdb, time.Minute)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		records, err := c.MonthMetrics(ctx, "2024-03", []string{"P1", "P2"})
		require.NoError(t, err)
		require.Len(t, records, 1)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.True(t, mr.Exists("attendsync:feed:2024-03:P1,P2"))
}

func TestHealthCheck(t *testing.T) {
	var hits int32
	srv := newMetricsServer(t, &hits)

	assert.NoError(t, NewClient(srv.URL, "secret").HealthCheck(context.Background()))
	assert.Error(t, NewClient(srv.URL, "").HealthCheck(context.Background()))
}

type mockSource struct{ mock.Mock }

func (m *mockSource) MonthMetrics(ctx context.Context, month string, punchCodes []string) ([]register.MetricsRecord, error) {
	args := m.Called(ctx, month, punchCodes)
	records, _ := args.Get(0).([]register.MetricsRecord)
	return records, args.Error(1)
}

type mockSink struct{ mock.Mock }

func (m *mockSink) ActivePunchCodes(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	codes, _ := args.Get(0).([]string)
	return codes, args.Error(1)
}

func (m *mockSink) UpsertMetrics(ctx context.Context, records []register.MetricsRecord) error {
	return m.Called(ctx, records).Error(0)
}

func newTestRefresher(source Source, sink Sink, now time.Time) *Refresher {
	logger := zerolog.New(io.Discard)
	r := NewRefresher(source, sink, time.Hour, &logger)
	r.now = func() time.Time { return now }
	return r
}

func TestRefreshPullsPreviousAndCurrentMonth(t *testing.T) {
	source, sink := new(mockSource), new(mockSink)
	ctx := context.Background()
	codes := []string{"P1"}
	feb := []register.MetricsRecord{{PunchCode: "P1", Date: "2024-02-29", NetHours: "8", OTHours: "0"}}
	mar := []register.MetricsRecord{{PunchCode: "P1", Date: "2024-03-31", NetHours: "7", OTHours: "1"}}

	sink.On("ActivePunchCodes", ctx).Return(codes, nil)
	source.On("MonthMetrics", ctx, "2024-02", codes).Return(feb, nil).Once()
	source.On("MonthMetrics", ctx, "2024-03", codes).Return(mar, nil).Once()
	sink.On("UpsertMetrics", ctx, feb).Return(nil).Once()
	sink.On("UpsertMetrics", ctx, mar).Return(nil).Once()

	// The 31st must not skip February.
	r := newTestRefresher(source, sink, time.Date(2024, 3, 31, 9, 0, 0, 0, time.UTC))
	require.NoError(t, r.Refresh(ctx))

	source.AssertExpectations(t)
	sink.AssertExpectations(t)
}

func TestRefreshStopsOnSourceError(t *testing.T) {
	source, sink := new(mockSource), new(mockSink)
	ctx := context.Background()
	boom := errors.New("unreachable")

	sink.On("ActivePunchCodes", ctx).Return([]string{"P1"}, nil)
	source.On("MonthMetrics", ctx, "2023-12", []string{"P1"}).Return(nil, boom).Once()

	r := newTestRefresher(source, sink, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, r.Refresh(ctx), boom)
	sink.AssertNotCalled(t, "UpsertMetrics", mock.Anything, mock.Anything)
}

func TestRefreshWithNoEmployees(t *testing.T) {
	source, sink := new(mockSource), new(mockSink)
	ctx := context.Background()
	sink.On("ActivePunchCodes", ctx).Return([]string(nil), nil)

	r := newTestRefresher(source, sink, time.Now())
	require.NoError(t, r.Refresh(ctx))
	source.AssertNotCalled(t, "MonthMetrics", mock.Anything, mock.Anything, mock.Anything)
}
