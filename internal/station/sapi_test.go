package station

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bbernstein/nearby/internal/config"
	"github.com/bbernstein/nearby/internal/grpcweb"
	"github.com/bbernstein/nearby/internal/grpcwire"
	"github.com/bbernstein/nearby/internal/h2c"
	"github.com/bbernstein/nearby/internal/metrics"
	"github.com/bbernstein/nearby/internal/stationapi"
	"github.com/bbernstein/nearby/internal/upstreamtest"
)

type mockChannel struct {
	invokeFunc func(ctx context.Context, method string, req []byte) ([]byte, error)
}

func (m *mockChannel) Invoke(ctx context.Context, method string, req []byte) ([]byte, error) {
	return m.invokeFunc(ctx, method, req)
}

func respondWith(stations ...stationapi.Station) func(context.Context, string, []byte) ([]byte, error) {
	return func(context.Context, string, []byte) ([]byte, error) {
		resp := stationapi.MultipleStationResponse{Stations: stations}
		return resp.Marshal(), nil
	}
}

func TestFindNearestStationSendsOneRequestWithLimitOne(t *testing.T) {
	var calls int
	var got stationapi.GetStationByCoordinatesRequest
	ch := &mockChannel{invokeFunc: func(ctx context.Context, method string, req []byte) ([]byte, error) {
		calls++
		assert.Equal(t, stationapi.GetStationsByCoordinatesMethod, method)
		require.NoError(t, got.Unmarshal(req))
		return respondWith(upstreamtest.Shibuya())(ctx, method, req)
	}}

	finder := NewSAPIStationFinder(ch, Options{})
	station, err := finder.FindNearestStation(context.Background(), 35.6580, 139.7016)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 35.6580, got.Latitude)
	assert.Equal(t, 139.7016, got.Longitude)
	require.NotNil(t, got.Limit)
	assert.Equal(t, uint32(1), *got.Limit)

	assert.Equal(t, "Shibuya", station.Name)
	require.Len(t, station.Lines, 2)
	assert.Equal(t, "JY", station.Lines[0].ShortName)
	assert.Equal(t, "Yamanote Line", *station.Lines[0].LocalizedName)
}

func TestFindNearestStationTakesFirstResult(t *testing.T) {
	ebisu := stationapi.Station{ID: 2, Name: "Ebisu"}
	finder := NewSAPIStationFinder(&mockChannel{invokeFunc: respondWith(upstreamtest.Shibuya(), ebisu)}, Options{})

	station, err := finder.FindNearestStation(context.Background(), 35.6, 139.7)
	require.NoError(t, err)
	assert.Equal(t, "Shibuya", station.Name)
}

func TestFindNearestStationEmptyResult(t *testing.T) {
	finder := NewSAPIStationFinder(&mockChannel{invokeFunc: respondWith()}, Options{})

	station, err := finder.FindNearestStation(context.Background(), 0, 0)
	assert.Nil(t, station)
	assert.ErrorIs(t, err, ErrStationNotFound)
}

func TestFindNearestStationsPassesLimit(t *testing.T) {
	var limit uint32
	finder := NewSAPIStationFinder(&mockChannel{invokeFunc: func(ctx context.Context, method string, req []byte) ([]byte, error) {
		var r stationapi.GetStationByCoordinatesRequest
		require.NoError(t, r.Unmarshal(req))
		limit = *r.Limit
		return respondWith()(ctx, method, req)
	}}, Options{})

	stations, err := finder.FindNearestStations(context.Background(), 1, 2, 5)
	require.NoError(t, err)
	assert.Empty(t, stations)
	assert.Equal(t, uint32(5), limit)
}

func TestFindNearestStationUpstreamErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		wantOutcome string
	}{
		{
			name:        "rpc status",
			err:         status.Error(codes.Unavailable, "down"),
			wantOutcome: "unavailable",
		},
		{
			name:        "transport",
			err:         grpcwire.NewTransportError("dial", assert.AnError),
			wantOutcome: "transport_error",
		},
		{
			name:        "upgrade refused",
			err:         &h2c.UpgradeError{StatusCode: http.StatusBadRequest, Status: "400 Bad Request"},
			wantOutcome: "upgrade_refused",
		},
		{
			name:        "deadline",
			err:         grpcwire.NewTransportError("await response", context.DeadlineExceeded),
			wantOutcome: "cancelled",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := metrics.New()
			finder := NewSAPIStationFinder(&mockChannel{invokeFunc: func(context.Context, string, []byte) ([]byte, error) {
				return nil, tt.err
			}}, Options{Transport: "h2c", Metrics: m})

			_, err := finder.FindNearestStation(context.Background(), 1, 1)

			var ue *UpstreamError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, "h2c", ue.Transport)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.wantOutcome, outcome(tt.err))
			expected := `
# HELP nearby_upstream_calls_total Calls to the station directory, by transport and outcome.
# TYPE nearby_upstream_calls_total counter
nearby_upstream_calls_total{outcome="` + tt.wantOutcome + `",transport="h2c"} 1
`
			assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "nearby_upstream_calls_total"))
		})
	}
}

func TestFindNearestStationMalformedResponse(t *testing.T) {
	finder := NewSAPIStationFinder(&mockChannel{invokeFunc: func(context.Context, string, []byte) ([]byte, error) {
		return []byte{0x0a, 0x7f}, nil
	}}, Options{})

	_, err := finder.FindNearestStation(context.Background(), 1, 1)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, err.Error(), "decoding response")
}

func TestFindNearestStationAppliesTimeout(t *testing.T) {
	finder := NewSAPIStationFinder(&mockChannel{invokeFunc: func(ctx context.Context, _ string, _ []byte) ([]byte, error) {
		deadline, ok := ctx.Deadline()
		assert.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)
		return respondWith(upstreamtest.Shibuya())(ctx, "", nil)
	}}, Options{Timeout: time.Second})

	_, err := finder.FindNearestStation(context.Background(), 1, 1)
	require.NoError(t, err)
}

func TestNewChannelSelectsTransport(t *testing.T) {
	u, err := url.Parse("http://sapi.example.com:50051")
	require.NoError(t, err)

	ch, err := NewChannel(config.New(config.WithUpstreamURL(u), config.WithTransport(config.TransportH2C)))
	require.NoError(t, err)
	assert.IsType(t, &h2c.Channel{}, ch)

	ch, err = NewChannel(config.New(config.WithUpstreamURL(u)))
	require.NoError(t, err)
	assert.IsType(t, &grpcweb.Channel{}, ch)

	_, err = NewChannel(config.New(config.WithUpstreamURL(u), config.WithTransport("carrier-pigeon")))
	assert.ErrorIs(t, err, config.ErrInvalidTransport)
}

func TestFinderAgainstH2CUpstream(t *testing.T) {
	for _, reuse := range []bool{false, true} {
		reuse := reuse
		t.Run(map[bool]string{false: "upgrade per call", true: "pooled"}[reuse], func(t *testing.T) {
			api := &upstreamtest.StationAPI{Stations: []stationapi.Station{upstreamtest.Shibuya()}}
			srv := upstreamtest.NewH2CServer(t, api.Methods())

			u, err := url.Parse(srv.URL)
			require.NoError(t, err)
			cfg := config.New(
				config.WithUpstreamURL(u),
				config.WithTransport(config.TransportH2C),
				config.WithH2CReuse(reuse, 2),
			)

			finder, ch, err := NewFromConfig(cfg, nil)
			require.NoError(t, err)
			defer ch.Close()

			for i := 0; i < 3; i++ {
				station, err := finder.FindNearestStation(context.Background(), 35.658, 139.7016)
				require.NoError(t, err)
				assert.Equal(t, "Shibuya", station.Name)
			}

			reqs := api.Requests()
			require.Len(t, reqs, 3)
			assert.Equal(t, uint32(1), *reqs[0].Limit)
		})
	}
}

func TestFinderAgainstGRPCWebUpstream(t *testing.T) {
	api := &upstreamtest.StationAPI{Stations: []stationapi.Station{upstreamtest.Shibuya()}}
	srv := upstreamtest.NewGRPCWebServer(t, api.Methods())

	ch, err := grpcweb.New(srv.URL, grpcweb.Options{
		Timeout:   5 * time.Second,
		TLSConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // test server certificate
	})
	require.NoError(t, err)
	finder := NewSAPIStationFinder(ch, Options{Transport: "grpc-web"})

	station, err := finder.FindNearestStation(context.Background(), 35.658, 139.7016)
	require.NoError(t, err)
	assert.Equal(t, "Shibuya", station.Name)
	assert.Equal(t, "Shibuya", *station.NameLocalized)

	api.Fail(status.Error(codes.NotFound, "no data"))
	_, err = finder.FindNearestStation(context.Background(), 0, 0)
	assert.Equal(t, codes.NotFound, grpcwire.CodeOf(err))
}

func TestMetricsCountSuccess(t *testing.T) {
	m := metrics.New()
	finder := NewSAPIStationFinder(&mockChannel{invokeFunc: respondWith(upstreamtest.Shibuya())}, Options{Metrics: m})

	_, err := finder.FindNearestStation(context.Background(), 1, 1)
	require.NoError(t, err)
	count, err := testutil.GatherAndCount(m.Registry(), "nearby_upstream_calls_total", "nearby_upstream_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
