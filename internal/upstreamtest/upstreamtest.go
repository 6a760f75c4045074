// Package upstreamtest runs fake StationAPI servers for tests: a grpc-go server
// reachable through an h2c upgrade, and a gRPC-Web endpoint served over TLS.
package upstreamtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bbernstein/nearby/internal/grpcwire"
	"github.com/bbernstein/nearby/internal/stationapi"
)

// Handler answers one unary call with raw message bytes.
type Handler func(ctx context.Context, req []byte) ([]byte, error)

// Methods maps full method paths ("/pkg.Service/Method") to handlers.
type Methods map[string]Handler

// H2COptions tunes the HTTP/2 side of NewH2CServerWithOptions.
type H2COptions struct {
	// MaxConcurrentStreams is advertised in the server SETTINGS. Zero keeps the
	// x/net default.
	MaxConcurrentStreams uint32
	// UpgradeDelay holds back the answer to the upgrade request, keeping
	// stream 1 open on the server.
	UpgradeDelay time.Duration
}

// NewH2CServer starts a grpc-go server behind an h2c handler on a plain
// HTTP/1.1 listener.
func NewH2CServer(t testing.TB, methods Methods) *httptest.Server {
	t.Helper()
	return NewH2CServerWithOptions(t, methods, H2COptions{})
}

func NewH2CServerWithOptions(t testing.TB, methods Methods, opts H2COptions) *httptest.Server {
	t.Helper()

	gs := grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	for _, desc := range serviceDescs(methods) {
		desc := desc
		gs.RegisterService(&desc, struct{}{})
	}

	var h http.Handler = gs
	if opts.UpgradeDelay > 0 {
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				select {
				case <-time.After(opts.UpgradeDelay):
				case <-r.Context().Done():
				}
			}
			gs.ServeHTTP(w, r)
		})
	}

	srv := httptest.NewServer(h2c.NewHandler(h, &http2.Server{MaxConcurrentStreams: opts.MaxConcurrentStreams}))
	t.Cleanup(func() {
		srv.Close()
		gs.Stop()
	})
	return srv
}

// NewGRPCWebServer starts a TLS server speaking gRPC-Web with binary framing.
func NewGRPCWebServer(t testing.TB, methods Methods) *httptest.Server {
	t.Helper()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := methods[r.URL.Path]
		if !ok {
			writeGRPCWebStatus(w, status.Newf(codes.Unimplemented, "unknown method %s", r.URL.Path))
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reply, err := grpcwire.ReadUnary(body)
		if err != nil || !reply.HasMessage {
			writeGRPCWebStatus(w, status.New(codes.Internal, "request carried no message"))
			return
		}

		out, err := h(r.Context(), reply.Message)
		if err != nil {
			writeGRPCWebStatus(w, status.Convert(err))
			return
		}
		w.Header().Set("Content-Type", "application/grpc-web+proto")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(grpcwire.EncodeMessage(out))
		_, _ = w.Write(grpcwire.EncodeTrailer(http.Header{grpcwire.HeaderStatus: {"0"}}))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeGRPCWebStatus(w http.ResponseWriter, st *status.Status) {
	w.Header().Set("Content-Type", "application/grpc-web+proto")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(grpcwire.EncodeTrailer(http.Header{
		grpcwire.HeaderStatus:  {fmt.Sprint(int(st.Code()))},
		grpcwire.HeaderMessage: {url.PathEscape(st.Message())},
	}))
}

func serviceDescs(methods Methods) []grpc.ServiceDesc {
	byService := map[string]*grpc.ServiceDesc{}
	var order []string
	for path, h := range methods {
		service, method, ok := strings.Cut(strings.TrimPrefix(path, "/"), "/")
		if !ok {
			panic(fmt.Sprintf("upstreamtest: malformed method path %q", path))
		}
		desc, ok := byService[service]
		if !ok {
			desc = &grpc.ServiceDesc{ServiceName: service, HandlerType: (*any)(nil)}
			byService[service] = desc
			order = append(order, service)
		}
		h := h
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: method,
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				var in []byte
				if err := dec(&in); err != nil {
					return nil, err
				}
				return h(ctx, in)
			},
		})
	}
	descs := make([]grpc.ServiceDesc, 0, len(order))
	for _, name := range order {
		descs = append(descs, *byService[name])
	}
	return descs
}

// rawCodec passes message bytes through untouched.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case []byte:
		return m, nil
	case *[]byte:
		return *m, nil
	}
	return nil, fmt.Errorf("rawCodec: cannot marshal %T", v)
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: cannot unmarshal into %T", v)
	}
	*p = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "proto" }

// StationAPI is a fake station directory. It records every request and answers
// with Stations, or with Err when set.
type StationAPI struct {
	mu       sync.Mutex
	requests []stationapi.GetStationByCoordinatesRequest

	Stations []stationapi.Station
	Err      error
	// Block, when set, holds each call until it is closed or the call ends.
	Block chan struct{}
}

func (s *StationAPI) Methods() Methods {
	return Methods{stationapi.GetStationsByCoordinatesMethod: s.getStationsByCoordinates}
}

func (s *StationAPI) getStationsByCoordinates(ctx context.Context, raw []byte) ([]byte, error) {
	var req stationapi.GetStationByCoordinatesRequest
	if err := req.Unmarshal(raw); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	stations, callErr, block := s.Stations, s.Err, s.Block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
	if callErr != nil {
		return nil, callErr
	}

	resp := stationapi.MultipleStationResponse{Stations: stations}
	return resp.Marshal(), nil
}

// Fail makes subsequent calls return err.
func (s *StationAPI) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// Requests returns a copy of the requests received so far.
func (s *StationAPI) Requests() []stationapi.GetStationByCoordinatesRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stationapi.GetStationByCoordinatesRequest(nil), s.requests...)
}

// Shibuya returns the station used throughout the tests: named "Shibuya" in
// both scripts for simplicity, with lines "JY" and "JR".
func Shibuya() stationapi.Station {
	yamanote := "Yamanote Line"
	shinkansen := "Shinkansen"
	roman := "Shibuya"
	return stationapi.Station{
		ID:        1130205,
		Name:      "Shibuya",
		NameRoman: &roman,
		Lines: []stationapi.Line{
			{ID: 11302, NameShort: "JY", NameRoman: &yamanote},
			{ID: 11303, NameShort: "JR", NameRoman: &shinkansen},
		},
	}
}
