package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is used when the client omits page_size.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps page_size to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid page_size")
	ErrInvalidPageToken = errors.New("pagination: invalid page_token")
)

// Params bundles the page size and token extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
}

// Options control defaults and limits for Parse.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// Parse reads page_size and page_token from the query string. The camelCase spellings are accepted
// as aliases.
func Parse(values url.Values, opts Options) (Params, error) {
	rawSize := firstValue(values, "page_size", "pageSize")
	size := opts.DefaultPageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if rawSize != "" {
		parsed, err := strconv.Atoi(rawSize)
		if err != nil || parsed <= 0 {
			return Params{}, fmt.Errorf("%w: %q", ErrInvalidPageSize, rawSize)
		}
		size = parsed
	}
	size = NormalizeSize(size, opts)

	token := firstValue(values, "page_token", "pageToken")
	if token != "" {
		if _, err := DecodeToken(token); err != nil {
			return Params{}, err
		}
	}
	return Params{PageSize: size, PageToken: token}, nil
}

// NormalizeSize applies defaults and the maximum to a requested page size.
func NormalizeSize(size int, opts Options) int {
	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	if size <= 0 {
		size = opts.DefaultPageSize
		if size <= 0 {
			size = DefaultPageSize
		}
	}
	if size > maxSize {
		size = maxSize
	}
	return size
}

func firstValue(values url.Values, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(values.Get(key)); value != "" {
			return value
		}
	}
	return ""
}
