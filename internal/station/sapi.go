package station

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bbernstein/nearby/internal/config"
	"github.com/bbernstein/nearby/internal/grpcweb"
	"github.com/bbernstein/nearby/internal/grpcwire"
	"github.com/bbernstein/nearby/internal/h2c"
	"github.com/bbernstein/nearby/internal/metrics"
	"github.com/bbernstein/nearby/internal/models"
	"github.com/bbernstein/nearby/internal/stationapi"
)

// ErrStationNotFound is returned when the directory has no station for the
// coordinates.
var ErrStationNotFound = errors.New("no station found near the given coordinates")

// Channel performs one unary RPC with encoded request and response messages.
type Channel interface {
	Invoke(ctx context.Context, method string, req []byte) ([]byte, error)
}

type ClosableChannel interface {
	Channel
	io.Closer
}

// UpstreamError wraps any failure to get an answer from the station directory.
type UpstreamError struct {
	Transport string
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("station directory call over %s failed: %v", e.Transport, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewChannel builds the channel selected by cfg.Transport.
func NewChannel(cfg *config.Config) (ClosableChannel, error) {
	target := cfg.UpstreamURL.String()

	switch cfg.Transport {
	case config.TransportH2C:
		ch, err := h2c.New(target, h2c.ChannelOptions{
			Options:  h2c.Options{DialTimeout: cfg.UpstreamTimeout},
			Reuse:    cfg.H2CReuse,
			PoolSize: cfg.H2CPoolSize,
		})
		if err != nil {
			return nil, err
		}
		return ch, nil
	case config.TransportGRPCWeb, "":
		ch, err := grpcweb.New(target, grpcweb.Options{Timeout: cfg.UpstreamTimeout})
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrInvalidTransport, cfg.Transport)
}

type Options struct {
	// Transport labels logs and metrics.
	Transport string
	// Timeout bounds each upstream call. Zero means only the caller's context applies.
	Timeout time.Duration
	Metrics *metrics.Metrics
}

type SAPIStationFinder struct {
	channel   Channel
	transport string
	timeout   time.Duration
	metrics   *metrics.Metrics
}

var _ models.StationFinder = (*SAPIStationFinder)(nil)

func NewSAPIStationFinder(channel Channel, opts Options) *SAPIStationFinder {
	transport := opts.Transport
	if transport == "" {
		transport = string(config.TransportGRPCWeb)
	}
	return &SAPIStationFinder{
		channel:   channel,
		transport: transport,
		timeout:   opts.Timeout,
		metrics:   opts.Metrics,
	}
}

// NewFromConfig wires a finder to the channel cfg selects. Close the returned
// channel on shutdown.
func NewFromConfig(cfg *config.Config, m *metrics.Metrics) (*SAPIStationFinder, ClosableChannel, error) {
	ch, err := NewChannel(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating upstream channel: %w", err)
	}
	return NewSAPIStationFinder(ch, Options{
		Transport: string(cfg.Transport),
		Timeout:   cfg.UpstreamTimeout,
		Metrics:   m,
	}), ch, nil
}

// FindNearestStations asks the directory for up to limit stations ordered by
// distance from the coordinates.
func (f *SAPIStationFinder) FindNearestStations(ctx context.Context, lat, lon float64, limit uint32) ([]models.Station, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req := stationapi.GetStationByCoordinatesRequest{
		Latitude:  lat,
		Longitude: lon,
		Limit:     &limit,
	}

	start := time.Now()
	raw, err := f.channel.Invoke(ctx, stationapi.GetStationsByCoordinatesMethod, req.Marshal())
	elapsed := time.Since(start)
	f.metrics.ObserveUpstream(f.transport, outcome(err), elapsed)
	if err != nil {
		log.Error().
			Err(err).
			Str("transport", f.transport).
			Float64("latitude", lat).
			Float64("longitude", lon).
			Dur("elapsed", elapsed).
			Msg("Station directory call failed")
		return nil, &UpstreamError{Transport: f.transport, Err: err}
	}

	var resp stationapi.MultipleStationResponse
	if err := resp.Unmarshal(raw); err != nil {
		return nil, &UpstreamError{Transport: f.transport, Err: fmt.Errorf("decoding response: %w", err)}
	}

	log.Debug().
		Int("stations", len(resp.Stations)).
		Dur("elapsed", elapsed).
		Msg("Station directory answered")

	stations := make([]models.Station, len(resp.Stations))
	for i := range resp.Stations {
		stations[i] = toModel(&resp.Stations[i])
	}
	return stations, nil
}

// FindNearestStation returns the single closest station.
func (f *SAPIStationFinder) FindNearestStation(ctx context.Context, lat, lon float64) (*models.Station, error) {
	stations, err := f.FindNearestStations(ctx, lat, lon, 1)
	if err != nil {
		return nil, err
	}
	if len(stations) == 0 {
		return nil, ErrStationNotFound
	}
	return &stations[0], nil
}

func toModel(s *stationapi.Station) models.Station {
	lines := make([]models.Line, len(s.Lines))
	for i, l := range s.Lines {
		lines[i] = models.Line{
			ID:            l.ID,
			ShortName:     l.NameShort,
			LocalizedName: l.NameRoman,
		}
	}
	return models.Station{
		ID:            s.ID,
		Name:          s.Name,
		NameLocalized: s.NameRoman,
		Lines:         lines,
	}
}

func outcome(err error) string {
	var ue *h2c.UpgradeError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ue):
		return "upgrade_refused"
	case grpcwire.IsStatus(err):
		return strings.ToLower(grpcwire.CodeOf(err).String())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "transport_error"
}
