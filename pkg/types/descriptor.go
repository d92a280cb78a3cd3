package types

import (
	"net/http"
)

type ResponseKind string

const (
	ResponseJSON  ResponseKind = "json"
	ResponseText  ResponseKind = "text"
	ResponseBlob  ResponseKind = "blob"
	ResponseBytes ResponseKind = "bytes"
)

// Descriptor describes one logical HTTP request before it is resolved against
// a pipeline's base URL.
type Descriptor struct {
	URL                string                 `json:"url" validate:"required"`
	Method             string                 `json:"method,omitempty" validate:"omitempty,http_method"`
	Body               interface{}            `json:"body,omitempty"`
	Params             map[string]interface{} `json:"params,omitempty"`
	Headers            map[string]string      `json:"headers,omitempty"`
	ResponseKind       ResponseKind           `json:"response_kind,omitempty" validate:"omitempty,oneof=json text blob bytes"`
	OptimisticUpdateID string                 `json:"optimistic_update_id,omitempty"`
	// NoDedup sends the request on its own, bypassing the result cache and
	// in-flight sharing.
	NoDedup bool `json:"no_dedup,omitempty"`

	// ValidateStatus overrides the default 2xx success check.
	ValidateStatus func(status int) bool `json:"-"`
}

// Clone returns a copy whose maps can be modified without touching d.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Params != nil {
		out.Params = make(map[string]interface{}, len(d.Params))
		for k, v := range d.Params {
			out.Params[k] = v
		}
	}
	if d.Headers != nil {
		out.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// Blob is the parsed body for ResponseBlob.
type Blob struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Result is the shape returned for both network and optimistic responses.
type Result struct {
	Data       interface{} `json:"data"`
	Status     int         `json:"status"`
	Headers    http.Header `json:"headers,omitempty"`
	Optimistic bool        `json:"optimistic,omitempty"`
}

// Clone copies the result so interceptors of one caller cannot mutate a
// result shared through deduplication.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Data = cloneData(r.Data)
	if r.Headers != nil {
		out.Headers = r.Headers.Clone()
	}
	return &out
}

// cloneData deep-copies the values produced by body parsing: decoded JSON
// trees, byte slices and blobs. Anything else is returned as is.
func cloneData(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = cloneData(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneData(item)
		}
		return out
	case []byte:
		return append([]byte(nil), val...)
	case Blob:
		val.Data = append([]byte(nil), val.Data...)
		return val
	case *Blob:
		if val == nil {
			return val
		}
		b := *val
		b.Data = append([]byte(nil), val.Data...)
		return &b
	default:
		return v
	}
}
