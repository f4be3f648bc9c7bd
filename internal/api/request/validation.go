package request

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/edvin/rollout/internal/config"
)

// Shared with the deploy config so nested configs get the same custom tags.
var validate = config.Validator()

const maxBodyBytes = 1 << 20

func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

func RequireID(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("missing required ID")
	}
	return s, nil
}
