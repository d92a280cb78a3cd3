package query

import (
	"net/http"
	"strings"

	"github.com/georgeshao/lucent-query/pkg/types"
)

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Parameter names of the REST list-endpoint dialect the builder targets.
const (
	ParamFields  = "fields"
	ParamSort    = "sort"
	ParamLimit   = "_limit"
	ParamOffset  = "_start"
	ParamInclude = "_embed"
	ParamSearch  = "q"
)

// Builder accumulates list-query parameters. Chain methods merge into the
// parameter bag and return the same builder.
type Builder struct {
	baseURL string
	params  map[string]interface{}
}

func NewBuilder(baseURL string) *Builder {
	return &Builder{
		baseURL: baseURL,
		params:  make(map[string]interface{}),
	}
}

func (b *Builder) Select(fields ...string) *Builder {
	b.params[ParamFields] = strings.Join(fields, ",")
	return b
}

func (b *Builder) Where(conditions map[string]interface{}) *Builder {
	for k, v := range conditions {
		b.params[k] = v
	}
	return b
}

// OrderBy replaces the sort parameter. Descending order is a "-" prefix on
// the field name.
func (b *Builder) OrderBy(field string, direction Direction) *Builder {
	if direction == Desc {
		field = "-" + field
	}
	b.params[ParamSort] = field
	return b
}

func (b *Builder) Limit(n int) *Builder {
	b.params[ParamLimit] = n
	return b
}

func (b *Builder) Offset(n int) *Builder {
	b.params[ParamOffset] = n
	return b
}

func (b *Builder) Include(relations ...string) *Builder {
	b.params[ParamInclude] = strings.Join(relations, ",")
	return b
}

func (b *Builder) Search(q string) *Builder {
	b.params[ParamSearch] = q
	return b
}

// Build returns a GET descriptor for endpoint. The builder keeps its
// parameters.
func (b *Builder) Build(endpoint string) types.Descriptor {
	params := make(map[string]interface{}, len(b.params))
	for k, v := range b.params {
		params[k] = v
	}
	return types.Descriptor{
		URL:    b.baseURL + endpoint,
		Method: http.MethodGet,
		Params: params,
	}
}

func (b *Builder) Reset() *Builder {
	b.params = make(map[string]interface{})
	return b
}
