package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/georgeshao/lucent-query/pkg/types"
)

// Fetcher performs one network call. Implementations must abort the call
// when ctx is done.
type Fetcher interface {
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error)
}

type FetchRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type FetchResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *FetchResponse) JSON() (interface{}, error) {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return nil, fmt.Errorf("failed to decode JSON response: %w", err)
	}
	return v, nil
}

func (r *FetchResponse) Text() string {
	return string(r.Body)
}

func (r *FetchResponse) Blob() types.Blob {
	return types.Blob{
		ContentType: r.Header.Get("Content-Type"),
		Data:        r.Bytes(),
	}
}

func (r *FetchResponse) Bytes() []byte {
	out := make([]byte, len(r.Body))
	copy(out, r.Body)
	return out
}

// HTTPFetcher sends requests with net/http.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &FetchResponse{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   respBody,
	}, nil
}
