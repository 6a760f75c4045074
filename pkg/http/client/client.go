package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultMaxBodySize = 8 << 20

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Interface interface {
	Post(ctx context.Context, path string, header http.Header, body []byte) (*Response, error)
}

type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxBodySize int64
	PostFunc    func(ctx context.Context, path string, header http.Header, body []byte) (*Response, error)
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	// TLSConfig overrides the TLS settings used for https base URLs.
	TLSConfig   *tls.Config
	MaxBodySize int64
}

// New builds a client that only ever speaks HTTP/1.1, even to servers that
// offer h2 through ALPN.
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	if opts.MaxBodySize == 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ForceAttemptHTTP2 = false
	transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	if opts.TLSConfig != nil {
		transport.TLSClientConfig = opts.TLSConfig.Clone()
	}

	return &Client{
		baseURL: opts.BaseURL,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		maxBodySize: opts.MaxBodySize,
	}
}

func (c *Client) Post(ctx context.Context, path string, header http.Header, body []byte) (*Response, error) {
	if c.PostFunc != nil {
		return c.PostFunc(ctx, path, header, body)
	}

	var fullURL string
	if c.baseURL == "" {
		fullURL = path
	} else {
		fullURL = c.baseURL + path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			return
		}
	}(resp.Body)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(respBody)) > c.maxBodySize {
		return nil, fmt.Errorf("response body exceeds %d bytes", c.maxBodySize)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
