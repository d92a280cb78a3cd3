package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/georgeshao/lucent-query/pkg/types"
)

type Config struct {
	// BaseURL is prefixed to every relative descriptor URL.
	BaseURL string
	// PrepareHeaders may modify the merged headers right before send.
	PrepareHeaders func(header http.Header)
	Timeout        time.Duration

	RequestInterceptors  []RequestInterceptor
	ResponseInterceptors []ResponseInterceptor
	ErrorInterceptors    []ErrorInterceptor

	EnableDeduplication     bool
	EnableOptimisticUpdates bool

	// MaxRetries bounds how often an error interceptor may ask for the
	// request to be run again.
	MaxRetries int
}

func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		EnableDeduplication: true,
		MaxRetries:          1,
	}
}

type RequestInterceptor func(ctx context.Context, desc types.Descriptor) (types.Descriptor, error)

type ResponseInterceptor func(ctx context.Context, result *types.Result) (*types.Result, error)

// ErrorInterceptor sees the failure produced so far and decides whether the
// request fails (possibly with an annotated error) or is retried.
type ErrorInterceptor func(ctx context.Context, err error) Decision

// Decision is the tagged result of an ErrorInterceptor.
type Decision struct {
	retry bool
	err   error
}

// Fail keeps the request failed. A nil err leaves the current error as is.
func Fail(err error) Decision {
	return Decision{err: err}
}

// Retry asks the pipeline to run the whole request again, skipping the
// remaining error interceptors. When MaxRetries is used up it acts as Fail
// with the current error.
func Retry() Decision {
	return Decision{retry: true}
}
