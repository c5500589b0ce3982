package broker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/poemonsense/antigravity-broker/internal/config"
)

// Request is one outbound upstream call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the upstream's answer, fully buffered.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Fetcher sends a request upstream. The broker owns everything around
// the send; the transport itself is pluggable.
type Fetcher interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPFetcher is the production transport.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with the standard request timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: time.Duration(config.RequestTimeoutMs) * time.Millisecond},
	}
}

func (f *HTTPFetcher) Do(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
