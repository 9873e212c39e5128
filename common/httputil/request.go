package httputil

import (
	"net/http"
	"strconv"
	"strings"
)

// GetClientIP extracts the client address, preferring the first entry of
// X-Forwarded-For, then X-Real-IP, then RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

// ParseIntParam parses an integer query parameter, returning defaultVal
// when it is empty or invalid.
func ParseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return defaultVal
}

// Pagination holds zero-based page parameters.
type Pagination struct {
	Page int `json:"page"`
	Size int `json:"size"`
}

// ParsePagination reads "page" (zero-based) and "size" from the query string,
// applying defaultSize and capping at maxSize.
func ParsePagination(r *http.Request, defaultSize, maxSize int) Pagination {
	q := r.URL.Query()
	page := ParseIntParam(q.Get("page"), 0)
	size := ParseIntParam(q.Get("size"), defaultSize)

	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultSize
	}
	if size > maxSize {
		size = maxSize
	}
	return Pagination{Page: page, Size: size}
}

// Offset returns the number of records to skip.
func (p Pagination) Offset() int {
	return p.Page * p.Size
}
