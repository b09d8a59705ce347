/*
Package req provides helper functions for HTTP request parsing and data binding.

It decodes JSON bodies strictly (unknown fields and trailing data are rejected) and then runs
struct-tag validation, so handlers receive either a well-formed value or a CustomError ready
to be rendered.
*/
package req

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"relaychat/internal/pkg/errs"
)

// MaxJSONBodySize bounds the size of JSON request bodies.
const MaxJSONBodySize int64 = 64 << 10 // 64 KB

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator returns the shared validator instance used for request and frame payloads.
func Validator() *validator.Validate {
	return validate
}

// BindJSON attempts to bind the JSON data from the HTTP request body to the destination struct dst
// and validates it against its `validate` struct tags.
func BindJSON(w http.ResponseWriter, r *http.Request, dst any) *errs.CustomError {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return errs.NewError(errs.ErrUnsupportedMediaType)
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBodySize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return errs.NewError(errs.ErrInvalidJSONFormat)
	}

	if decoder.More() {
		return errs.NewError(errs.ErrExtraContentInBody)
	}

	if err := validate.Struct(dst); err != nil {
		return errs.NewError(errs.ErrInvalidParams)
	}

	return nil
}
