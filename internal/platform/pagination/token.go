package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// tokenVersion prefixes every token so the cursor layout can change without misreading old links.
const tokenVersion = "c1."

// Cursor marks the last item returned on a page. Newest-first listings key on CreatedAt and ID,
// key-ordered listings on ID alone.
type Cursor struct {
	CreatedAt time.Time `json:"t,omitempty"`
	Number    int64     `json:"n,omitempty"`
	ID        string    `json:"id"`
}

// IsZero reports whether the cursor points at the beginning of the collection.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// ServedNewestFirst reports whether the entry (createdAt, id) was already returned by a
// newest-first listing that stopped at c.
func (c Cursor) ServedNewestFirst(createdAt time.Time, id string) bool {
	if c.IsZero() {
		return false
	}
	if cmp := createdAt.Compare(c.CreatedAt); cmp != 0 {
		return cmp > 0
	}
	return id >= c.ID
}

// ServedByKey reports whether key was already returned by an ascending key listing that stopped
// at c.
func (c Cursor) ServedByKey(key string) bool {
	return c.ID != "" && key <= c.ID
}

// Slice returns the page of sorted that follows the items served reports as already returned,
// together with the token for the page after it. The token is empty on the last page.
func Slice[T any](sorted []T, size int, served func(T) bool, cursorOf func(T) Cursor) ([]T, string, error) {
	page := make([]T, 0, size)
	for _, item := range sorted {
		if served(item) {
			continue
		}
		if len(page) == size {
			token, err := EncodeToken(cursorOf(page[len(page)-1]))
			return page, token, err
		}
		page = append(page, item)
	}
	return page, "", nil
}

// EncodeToken turns cursor into an opaque URL-safe page token.
func EncodeToken(cursor Cursor) (string, error) {
	if cursor.IsZero() {
		return "", nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return tokenVersion + base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses a token produced by EncodeToken. The empty token decodes to the zero cursor.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	body, ok := strings.CutPrefix(token, tokenVersion)
	if !ok {
		return Cursor{}, fmt.Errorf("%w: unknown token version", ErrInvalidPageToken)
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if cursor.ID == "" {
		return Cursor{}, fmt.Errorf("%w: missing id", ErrInvalidPageToken)
	}
	return cursor, nil
}
