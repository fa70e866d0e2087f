package api

import (
	"net/http"
	"strconv"

	"github.com/ernie/imuhub/internal/domain"
)

const defaultRows = 20

// parseCount reads the n query parameter, clamped to [1, 200]. Missing or
// unparseable values give the default.
func parseCount(r *http.Request) int {
	if s := r.URL.Query().Get("n"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return domain.ClampLimit(n)
		}
	}
	return defaultRows
}

// parseLimit parses and validates a limit parameter with default and max values
func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLimit {
			return parsed
		}
	}
	return defaultLimit
}

// parseSize reads the size query parameter for generated images
func parseSize(r *http.Request, def, min, max int) int {
	if s := r.URL.Query().Get("size"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= min && n <= max {
			return n
		}
	}
	return def
}
