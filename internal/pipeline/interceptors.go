package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/georgeshao/lucent-query/pkg/types"
)

// BearerToken sets the Authorization header from token. An empty token
// leaves the descriptor untouched.
func BearerToken(token func() string) RequestInterceptor {
	return func(ctx context.Context, desc types.Descriptor) (types.Descriptor, error) {
		t := token()
		if t == "" {
			return desc, nil
		}
		if desc.Headers == nil {
			desc.Headers = make(map[string]string)
		}
		desc.Headers["Authorization"] = "Bearer " + t
		return desc, nil
	}
}

func LogRequests(logger *zap.Logger) RequestInterceptor {
	return func(ctx context.Context, desc types.Descriptor) (types.Descriptor, error) {
		logger.Info("request",
			zap.String("method", methodOf(desc)),
			zap.String("url", desc.URL),
			zap.Int("headers", len(desc.Headers)))
		return desc, nil
	}
}

func LogResponses(logger *zap.Logger) ResponseInterceptor {
	return func(ctx context.Context, result *types.Result) (*types.Result, error) {
		logger.Info("response",
			zap.Int("status", result.Status),
			zap.Bool("optimistic", result.Optimistic))
		return result, nil
	}
}

func LogErrors(logger *zap.Logger) ErrorInterceptor {
	return func(ctx context.Context, err error) Decision {
		logger.Warn("request failed", zap.Error(err))
		return Fail(err)
	}
}

// OnStatus calls fn when the failure carries the given HTTP status, then
// keeps the request failed. Typical use is redirecting to a login page on 401.
func OnStatus(status int, fn func(ctx context.Context, err error)) ErrorInterceptor {
	return func(ctx context.Context, err error) Decision {
		if s, ok := StatusOf(err); ok && s == status {
			fn(ctx, err)
		}
		return Fail(err)
	}
}

// RefreshOnStatus runs refresh when the failure carries the given status and
// asks for a retry if it succeeded.
func RefreshOnStatus(status int, refresh func(ctx context.Context) error) ErrorInterceptor {
	return func(ctx context.Context, err error) Decision {
		s, ok := StatusOf(err)
		if !ok || s != status {
			return Fail(err)
		}
		if rerr := refresh(ctx); rerr != nil {
			return Fail(fmt.Errorf("%w (refresh failed: %v)", err, rerr))
		}
		return Retry()
	}
}
