// Package pipeline executes request descriptors end to end: request
// interceptors, the optimistic short-circuit, a deduplicated and
// timeout-bounded network call, status validation, body parsing, and the
// response or error interceptor chain.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/georgeshao/lucent-query/internal/dedup"
	"github.com/georgeshao/lucent-query/internal/metrics"
	"github.com/georgeshao/lucent-query/internal/optimistic"
	"github.com/georgeshao/lucent-query/pkg/types"
)

type Pipeline struct {
	config     Config
	fetcher    Fetcher
	dedup      *dedup.Deduplicator[*types.Result]
	optimistic *optimistic.Registry[any]
	logger     *zap.Logger
}

type Option func(*Pipeline)

func WithFetcher(f Fetcher) Option {
	return func(p *Pipeline) { p.fetcher = f }
}

// WithDeduplicator shares d between pipelines. Without it a pipeline with
// deduplication enabled gets its own instance.
func WithDeduplicator(d *dedup.Deduplicator[*types.Result]) Option {
	return func(p *Pipeline) { p.dedup = d }
}

func WithOptimistic(r *optimistic.Registry[any]) Option {
	return func(p *Pipeline) { p.optimistic = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func New(config Config, opts ...Option) *Pipeline {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	p := &Pipeline{config: config}
	for _, opt := range opts {
		opt(p)
	}

	if p.fetcher == nil {
		p.fetcher = NewHTTPFetcher(nil)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if config.EnableDeduplication && p.dedup == nil {
		p.dedup = dedup.New[*types.Result](dedup.DefaultConfig())
	}
	if config.EnableOptimisticUpdates && p.optimistic == nil {
		p.optimistic = optimistic.New[any](optimistic.DefaultConfig())
	}

	return p
}

func (p *Pipeline) Deduplicator() *dedup.Deduplicator[*types.Result] {
	return p.dedup
}

func (p *Pipeline) Optimistic() *optimistic.Registry[any] {
	return p.optimistic
}

// Execute runs desc through the pipeline. Every returned error is an *Error.
func (p *Pipeline) Execute(ctx context.Context, desc types.Descriptor) (*types.Result, error) {
	method := methodOf(desc)
	start := time.Now()
	defer func() {
		metrics.PipelineDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	for attempt := 0; ; attempt++ {
		result, err := p.attempt(ctx, desc)
		if err == nil {
			outcome := "success"
			if result.Optimistic {
				outcome = "optimistic"
			}
			metrics.PipelineRequests.WithLabelValues(method, outcome).Inc()
			return result, nil
		}

		decision := p.runErrorInterceptors(ctx, err, attempt < p.config.MaxRetries)
		if decision.retry {
			p.logger.Debug("retrying request",
				zap.String("method", method),
				zap.String("url", desc.URL),
				zap.Int("attempt", attempt+1),
				zap.Error(decision.err))
			metrics.PipelineRetries.Inc()
			continue
		}

		metrics.PipelineRequests.WithLabelValues(method, "failure").Inc()
		return nil, newError(decision.err)
	}
}

func (p *Pipeline) attempt(ctx context.Context, desc types.Descriptor) (*types.Result, error) {
	d, err := p.runRequestInterceptors(ctx, desc.Clone())
	if err != nil {
		return nil, err
	}

	if p.config.EnableOptimisticUpdates && d.OptimisticUpdateID != "" {
		if data, ok := p.optimistic.Get(d.OptimisticUpdateID); ok {
			p.logger.Debug("serving optimistic update", zap.String("id", d.OptimisticUpdateID))
			return &types.Result{Data: data, Status: http.StatusOK, Optimistic: true}, nil
		}
	}

	var result *types.Result
	if p.config.EnableDeduplication && !d.NoDedup {
		key, err := p.requestKey(d)
		if err != nil {
			return nil, err
		}
		result, err = p.dedup.Deduplicate(ctx, key, func(ctx context.Context) (*types.Result, error) {
			return p.send(ctx, d)
		}, true)
		if err != nil {
			return nil, err
		}
	} else {
		result, err = p.send(ctx, d)
		if err != nil {
			return nil, err
		}
	}

	return p.runResponseInterceptors(ctx, result.Clone())
}

func (p *Pipeline) send(ctx context.Context, d types.Descriptor) (*types.Result, error) {
	req, err := p.prepare(d)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	resp, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, p.config.Timeout, err)
		}
		return nil, err
	}

	validate := d.ValidateStatus
	if validate == nil {
		validate = defaultValidateStatus
	}
	if !validate(resp.Status) {
		return nil, &StatusError{Status: resp.Status, Body: resp.Text()}
	}

	data, err := parseBody(resp, d.ResponseKind)
	if err != nil {
		return nil, err
	}

	return &types.Result{
		Data:    data,
		Status:  resp.Status,
		Headers: resp.Header,
	}, nil
}

func (p *Pipeline) prepare(d types.Descriptor) (*FetchRequest, error) {
	fullURL, err := p.resolveURL(d)
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	for k, v := range d.Headers {
		header.Set(k, v)
	}
	if p.config.PrepareHeaders != nil {
		p.config.PrepareHeaders(header)
	}

	var body []byte
	if d.Body != nil {
		body, err = json.Marshal(d.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	return &FetchRequest{
		Method: methodOf(d),
		URL:    fullURL,
		Header: header,
		Body:   body,
	}, nil
}

func (p *Pipeline) resolveURL(d types.Descriptor) (string, error) {
	full := d.URL
	if !strings.HasPrefix(full, "http://") && !strings.HasPrefix(full, "https://") {
		full = p.config.BaseURL + full
	}

	query, err := encodeParams(d.Params)
	if err != nil {
		return "", err
	}
	if query == "" {
		return full, nil
	}
	if strings.Contains(full, "?") {
		return full + "&" + query, nil
	}
	return full + "?" + query, nil
}

type keyData struct {
	Method             string             `json:"method"`
	URL                string             `json:"url"`
	Headers            map[string]string  `json:"headers,omitempty"`
	Body               interface{}        `json:"body,omitempty"`
	ResponseKind       types.ResponseKind `json:"response_kind,omitempty"`
	OptimisticUpdateID string             `json:"optimistic_update_id,omitempty"`
}

// requestKey serializes the post-interceptor descriptor. encoding/json sorts
// map keys, so equal descriptors give equal keys.
func (p *Pipeline) requestKey(d types.Descriptor) (string, error) {
	fullURL, err := p.resolveURL(d)
	if err != nil {
		return "", err
	}
	key, err := json.Marshal(keyData{
		Method:             methodOf(d),
		URL:                fullURL,
		Headers:            d.Headers,
		Body:               d.Body,
		ResponseKind:       d.ResponseKind,
		OptimisticUpdateID: d.OptimisticUpdateID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build request key: %w", err)
	}
	return string(key), nil
}

func (p *Pipeline) runRequestInterceptors(ctx context.Context, d types.Descriptor) (types.Descriptor, error) {
	var err error
	for _, ic := range p.config.RequestInterceptors {
		d, err = ic(ctx, d)
		if err != nil {
			return d, err
		}
	}
	return d, nil
}

func (p *Pipeline) runResponseInterceptors(ctx context.Context, result *types.Result) (*types.Result, error) {
	var err error
	for _, ic := range p.config.ResponseInterceptors {
		result, err = ic(ctx, result)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// runErrorInterceptors stops at the first Retry while retries remain. Once
// they are used up a Retry counts as Fail and the rest of the chain still
// sees the final error.
func (p *Pipeline) runErrorInterceptors(ctx context.Context, err error, canRetry bool) Decision {
	for _, ic := range p.config.ErrorInterceptors {
		decision := ic(ctx, err)
		if decision.retry {
			if canRetry {
				return Decision{retry: true, err: err}
			}
			continue
		}
		if decision.err != nil {
			err = decision.err
		}
	}
	return Fail(err)
}

func parseBody(resp *FetchResponse, kind types.ResponseKind) (interface{}, error) {
	switch kind {
	case types.ResponseText:
		return resp.Text(), nil
	case types.ResponseBlob:
		return resp.Blob(), nil
	case types.ResponseBytes:
		return resp.Bytes(), nil
	case types.ResponseJSON, "":
		return resp.JSON()
	default:
		return nil, fmt.Errorf("unknown response kind: %s", kind)
	}
}

func encodeParams(params map[string]interface{}) (string, error) {
	if len(params) == 0 {
		return "", nil
	}

	values := url.Values{}
	for k, v := range params {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			values.Add(k, val)
		case []string:
			for _, s := range val {
				values.Add(k, s)
			}
		case []interface{}:
			for _, item := range val {
				values.Add(k, fmt.Sprint(item))
			}
		case map[string]interface{}:
			return "", fmt.Errorf("query parameter %q is not a scalar", k)
		default:
			values.Add(k, fmt.Sprint(val))
		}
	}
	return values.Encode(), nil
}

func defaultValidateStatus(status int) bool {
	return status >= 200 && status <= 299
}

func methodOf(d types.Descriptor) string {
	if d.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(d.Method)
}
