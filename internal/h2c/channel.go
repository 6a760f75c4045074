package h2c

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bbernstein/nearby/internal/grpcwire"
)

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	Options
	// Reuse keeps upgraded connections in a Pool instead of upgrading a fresh
	// connection for every call.
	Reuse    bool
	PoolSize int
}

// Channel invokes unary gRPC methods over h2c.
type Channel struct {
	target     *url.URL
	pathPrefix string
	opts       Options
	pool       *Pool
}

func New(baseURL string, opts ChannelOptions) (*Channel, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream URL: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("upstream URL %q: h2c needs an http:// URL", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream URL %q has no host", baseURL)
	}

	ch := &Channel{
		target:     &url.URL{Scheme: u.Scheme, Host: u.Host},
		pathPrefix: strings.TrimSuffix(u.Path, "/"),
		opts:       opts.Options,
	}
	if opts.Reuse {
		if ch.pool, err = NewPool(opts.PoolSize, opts.Options); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

func (c *Channel) Target() string {
	return c.target.String()
}

// Invoke performs a unary call. RPC failures are gRPC status errors; refused
// upgrades are *UpgradeError and everything else below the RPC layer is
// *grpcwire.TransportError.
func (c *Channel) Invoke(ctx context.Context, method string, req []byte) ([]byte, error) {
	cc, release, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	header := http.Header{}
	header.Set("Content-Type", "application/grpc")
	header.Set("Te", "trailers")
	if deadline, ok := ctx.Deadline(); ok {
		header.Set(grpcwire.HeaderTimeout, grpcwire.EncodeTimeout(time.Until(deadline)))
	}

	log.Debug().
		Str("target", c.target.Host).
		Str("method", method).
		Int("request_bytes", len(req)).
		Msg("h2c call")

	resp, err := cc.RoundTrip(ctx, &Request{
		Path:   c.pathPrefix + method,
		Header: header,
		Body:   grpcwire.EncodeMessage(req),
	})
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func (c *Channel) conn(ctx context.Context) (*ClientConn, func(), error) {
	if c.pool != nil {
		cc, err := c.pool.Get(ctx, c.target)
		if err != nil {
			return nil, nil, err
		}
		return cc, func() { c.pool.Release(c.target, cc) }, nil
	}

	cc, err := Dial(ctx, c.target, c.opts)
	if err != nil {
		return nil, nil, err
	}
	return cc, func() { _ = cc.Close() }, nil
}

func decodeResponse(resp *Response) ([]byte, error) {
	if resp.StatusCode != http.StatusOK {
		if grpcwire.HasStatus(resp.Header) {
			if err := grpcwire.StatusFromHeader(resp.Header); err != nil {
				return nil, err
			}
		}
		return nil, grpcwire.StatusFromHTTP(resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/grpc") {
		return nil, status.Errorf(codes.Unknown, "unexpected content-type %q", ct)
	}

	trailer := resp.Trailer
	if trailer == nil {
		// trailers-only
		trailer = resp.Header
	}
	if err := grpcwire.StatusFromHeader(trailer); err != nil {
		return nil, err
	}

	reply, err := grpcwire.ReadUnary(resp.Body)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "malformed grpc body: %v", err)
	}
	if !reply.HasMessage {
		return nil, status.Error(codes.Internal, "server returned OK without a response message")
	}
	return reply.Message, nil
}

// Close releases pooled connections.
func (c *Channel) Close() error {
	if c.pool != nil {
		c.pool.Close()
	}
	return nil
}
