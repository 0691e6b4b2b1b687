// Package decode contains decoders for various HTTP artefacts
package decode

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/leg100/jobq/internal"
	"github.com/leg100/jobq/internal/resource"
)

// Query schema decoder: caches structs, and safe for sharing.
var decoder *schema.Decoder

func init() {
	decoder = schema.NewDecoder()
	// Don't error if there are keys in the source map that are not present in
	// the destination struct.
	decoder.IgnoreUnknownKeys(true)
}

// Query unmarshals a query string (k1=v1&k2=v2...) into dst.
func Query(dst any, query url.Values) error {
	if err := decoder.Decode(dst, query); err != nil {
		var emptyField schema.EmptyFieldError
		if errors.As(err, &emptyField) {
			return &internal.MissingParameterError{Parameter: emptyField.Key}
		}
		return fmt.Errorf("%w: %w", internal.ErrInvalidArgument, err)
	}
	return nil
}

// JSON decodes the JSON request body into dst.
func JSON(dst any, r *http.Request) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decoding request body: %w", internal.ErrInvalidArgument, err)
	}
	return nil
}

// Param retrieves a single parameter by name from the request, first checking
// the path variables and then the query.
func Param(name string, r *http.Request) (string, error) {
	if v, ok := mux.Vars(r)[name]; ok {
		return v, nil
	}
	if v := r.URL.Query().Get(name); v != "" {
		return v, nil
	}
	return "", &internal.MissingParameterError{Parameter: name}
}

// ID retrieves a single parameter by name from the request and parses into a
// resource ID.
func ID(name string, r *http.Request) (resource.ID, error) {
	s, err := Param(name, r)
	if err != nil {
		return resource.ID{}, err
	}
	id, err := resource.ParseID(s)
	if err != nil {
		return resource.ID{}, fmt.Errorf("%w: %w", internal.ErrInvalidArgument, err)
	}
	return id, nil
}
