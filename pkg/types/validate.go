package types

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("http_method", validateHTTPMethod)
}

func validateHTTPMethod(fl validator.FieldLevel) bool {
	switch strings.ToUpper(fl.Field().String()) {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// Validate checks the descriptor's struct tags.
func (d *Descriptor) Validate() error {
	return validate.Struct(d)
}

func (r *EnqueueRequest) Validate() error {
	return validate.Struct(r)
}

func (r *DispatchRequest) Validate() error {
	return validate.Struct(r)
}
