// Package grpcweb calls unary gRPC methods using the gRPC-Web protocol over
// HTTP/1.1, which lets the bridge reach upstreams that sit behind proxies
// without HTTP/2 support.
package grpcweb

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bbernstein/nearby/internal/grpcwire"
	"github.com/bbernstein/nearby/pkg/http/client"
)

const contentType = "application/grpc-web+proto"

type Options struct {
	// Timeout bounds a whole call including reading the body.
	Timeout   time.Duration
	TLSConfig *tls.Config
	// Client replaces the HTTP client, mostly for tests.
	Client client.Interface
}

type Channel struct {
	target string
	client client.Interface
	closer func()
}

func New(baseURL string, opts Options) (*Channel, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream URL %q must use http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream URL %q has no host", baseURL)
	}
	target := strings.TrimSuffix(u.String(), "/")

	ch := &Channel{target: target, client: opts.Client}
	if ch.client == nil {
		c := client.New(client.Options{
			BaseURL:   target,
			Timeout:   opts.Timeout,
			TLSConfig: opts.TLSConfig,
		})
		ch.client = c
		ch.closer = c.Close
	}
	return ch, nil
}

// Target is the base URL calls are sent to.
func (c *Channel) Target() string {
	return c.target
}

// Invoke performs a unary call. RPC failures are returned as gRPC status errors;
// failures to exchange the request at all are *grpcwire.TransportError.
func (c *Channel) Invoke(ctx context.Context, method string, req []byte) ([]byte, error) {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("Accept", contentType)
	header.Set("X-Grpc-Web", "1")
	if deadline, ok := ctx.Deadline(); ok {
		header.Set(grpcwire.HeaderTimeout, grpcwire.EncodeTimeout(time.Until(deadline)))
	}

	log.Debug().
		Str("target", c.target).
		Str("method", method).
		Int("request_bytes", len(req)).
		Msg("grpc-web call")

	resp, err := c.client.Post(ctx, method, header, grpcwire.EncodeMessage(req))
	if err != nil {
		return nil, grpcwire.NewTransportError("post", err)
	}

	return decodeResponse(resp)
}

func decodeResponse(resp *client.Response) ([]byte, error) {
	if resp.StatusCode != http.StatusOK {
		if grpcwire.HasStatus(resp.Header) {
			if err := grpcwire.StatusFromHeader(resp.Header); err != nil {
				return nil, err
			}
		}
		return nil, grpcwire.StatusFromHTTP(resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/grpc-web") {
		return nil, status.Errorf(codes.Unknown, "unexpected content-type %q", ct)
	}

	// trailers-only
	if grpcwire.HasStatus(resp.Header) {
		if err := grpcwire.StatusFromHeader(resp.Header); err != nil {
			return nil, err
		}
	}

	reply, err := grpcwire.ReadUnary(resp.Body)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "malformed grpc-web body: %v", err)
	}

	trailer := reply.Trailer
	if trailer == nil {
		trailer = resp.Header
	}
	if err := grpcwire.StatusFromHeader(trailer); err != nil {
		return nil, err
	}
	if !reply.HasMessage {
		return nil, status.Error(codes.Internal, "server returned OK without a response message")
	}
	return reply.Message, nil
}

func (c *Channel) Close() error {
	if c.closer != nil {
		c.closer()
	}
	return nil
}
