// Package binding decodes and validates inbound HTTP request bodies and
// query strings. JSON bodies go through the shared json package and are
// validated with validator/v10 struct tags.
package binding

import (
	"fmt"
	"io"
	"net/http"

	validatorV10 "github.com/go-playground/validator/v10"

	"github.com/nexabus/nexabus/json"
)

var validate = validatorV10.New()

// FieldError is one field-level binding or validation failure.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("field %q %s", e.Field, e.Message)
	}
	return e.Message
}

// FieldErrors aggregates every failed field.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	if len(fe) == 0 {
		return "validation failed"
	}
	return "validation failed: " + fe[0].Error()
}

// JSON decodes the request body into v and validates struct tags.
func JSON(r *http.Request, v any) error {
	if r.Body == nil {
		return FieldErrors{{Message: "request body is empty"}}
	}
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return FieldErrors{{Message: "reading request body: " + err.Error()}}
	}
	if len(body) == 0 {
		return FieldErrors{{Message: "request body is empty"}}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return FieldErrors{{Message: "malformed JSON: " + err.Error()}}
	}
	return Validate(v)
}

// Validate runs struct-tag validation on an already-decoded value.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validatorV10.ValidationErrors); ok {
		out := make(FieldErrors, 0, len(verrs))
		for _, ve := range verrs {
			out = append(out, FieldError{Field: ve.Field(), Message: tagMessage(ve)})
		}
		return out
	}
	return FieldErrors{{Message: err.Error()}}
}

func tagMessage(fe validatorV10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
