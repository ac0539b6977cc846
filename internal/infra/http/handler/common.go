package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/openctemio/scanregistry/internal/infra/http/middleware"
	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/validator"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the failure envelope for err.
func writeError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	apierror.FromError(err).WriteJSONWithRequestID(w, operation, middleware.GetRequestID(r.Context()))
}

// decodeJSON decodes the request body into dst and validates it.
func decodeJSON(r *http.Request, v *validator.Validator, dst any) *apierror.Error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apierror.ResourceExhausted("Request body too large").
				WithStatus(http.StatusRequestEntityTooLarge).
				WithContext("limit_bytes", maxErr.Limit)
		}
		return apierror.InvalidFormat(fmt.Sprintf("Invalid request body: %v", err))
	}
	return validateStruct(v, dst)
}

func validateStruct(v *validator.Validator, s any) *apierror.Error {
	err := v.Validate(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make(apierror.ValidationErrors, 0, len(verrs))
		for _, e := range verrs {
			out.Add(e.Field, fmt.Sprintf("%s %s", e.Field, e.Message))
		}
		return out.ToAPIError()
	}
	return apierror.InvalidParameter(err.Error())
}

// parseQueryArray parses a comma-separated query parameter into a string slice.
// Returns nil if the input is empty.
func parseQueryArray(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseQueryBool parses a boolean query parameter. Empty yields def.
func parseQueryBool(r *http.Request, key string, def bool) (bool, *apierror.Error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apierror.Newf(apierror.CategoryInvalidParameter, "%s must be a boolean, got %q", key, raw).
			WithContext(key, raw)
	}
	return val, nil
}
