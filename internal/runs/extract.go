package runs

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

const (
	maxErrorTypeLen    = 100
	maxErrorMessageLen = 2000
)

// responseBody is an error response as seen by the message extractors.
// fields is nil when the body is not a JSON object.
type responseBody struct {
	raw    []byte
	fields map[string]any
}

// messageExtractor returns a user-facing message, or false to pass.
type messageExtractor func(b responseBody) (string, bool)

// extractors are tried in order; the first hit wins.
var extractors = []messageExtractor{
	jsonField("error"),
	jsonField("message"),
	jsonField("detail"),
	rawBody,
}

// ExtractErrorMessage picks the message to store for an error response with
// the given status code and (possibly partial) body.
func ExtractErrorMessage(statusCode int, body []byte) string {
	b := responseBody{raw: body}
	var fields map[string]any
	if json.Unmarshal(body, &fields) == nil {
		b.fields = fields
	}
	for _, extract := range extractors {
		if msg, ok := extract(b); ok {
			return msg
		}
	}
	return fmt.Sprintf("HTTP %d", statusCode)
}

func jsonField(key string) messageExtractor {
	return func(b responseBody) (string, bool) {
		v, ok := b.fields[key]
		if !ok || v == nil {
			return "", false
		}
		if s, ok := v.(string); ok {
			s = strings.TrimSpace(s)
			return s, s != ""
		}
		// DRF style validation errors: lists or nested objects
		enc, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return truncate(string(enc), maxErrorMessageLen), true
	}
}

func rawBody(b responseBody) (string, bool) {
	s := strings.TrimSpace(string(b.raw))
	if s == "" {
		return "", false
	}
	return truncate(s, maxErrorMessageLen), true
}

// ErrorTypeName names the concrete type of err for the error_type column.
// fmt.Errorf wrappers are looked through; plain errors.New values are
// reported as "Error".
func ErrorTypeName(err error) string {
	for err != nil {
		t := reflect.TypeOf(err)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t.PkgPath() == "fmt" {
			if next := unwrapFirst(err); next != nil {
				err = next
				continue
			}
		}
		return truncate(typeName(t), maxErrorTypeLen)
	}
	return "Error"
}

// PanicTypeName names the type of a recovered panic value.
func PanicTypeName(v any) string {
	if err, ok := v.(error); ok {
		return ErrorTypeName(err)
	}
	t := reflect.TypeOf(v)
	if t == nil {
		return "panic"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return truncate(typeName(t), maxErrorTypeLen)
}

func typeName(t reflect.Type) string {
	if t.PkgPath() == "errors" && t.Name() == "errorString" {
		return "Error"
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

func unwrapFirst(err error) error {
	if next := errors.Unwrap(err); next != nil {
		return next
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		if errs := multi.Unwrap(); len(errs) > 0 {
			return errs[0]
		}
	}
	return nil
}
