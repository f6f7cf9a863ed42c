// Package pagination implements stateless keyset pagination. A cursor is the fingerprint of
// the query it belongs to plus the last key seen; nothing is stored server side.
package pagination

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
)

const (
	ParamPageSize = "page_size"
	ParamCursor   = "cursor"
)

// Params are the page parameters of one request.
type Params struct {
	Size   int
	Cursor string
}

// ParseParams reads page_size and cursor. page_size must be within [1, max].
func ParseParams(r *http.Request, def, max int) (Params, error) {
	q := r.URL.Query()
	p := Params{Size: def, Cursor: strings.TrimSpace(q.Get(ParamCursor))}

	if raw := strings.TrimSpace(q.Get(ParamPageSize)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > max {
			return Params{}, httpapi.Invalid(ParamPageSize, httpapi.CodeInvalidPageSize)
		}
		p.Size = n
	}
	return p, nil
}

// Limits are the configured page sizes of an endpoint family.
type Limits struct {
	Default int
	Max     int
}

// Parse is ParseParams with the receiver's limits. Zero limits fall back to 20 and 5000.
func (l Limits) Parse(r *http.Request) (Params, error) {
	def, max := l.Default, l.Max
	if max <= 0 {
		max = 5000
	}
	if def <= 0 || def > max {
		def = min(20, max)
	}
	return ParseParams(r, def, max)
}

type envelope struct {
	Fingerprint string          `json:"f"`
	Key         json.RawMessage `json:"k"`
}

// Fingerprint hashes the filter values that define a stream. Cursors minted for one
// fingerprint are rejected by another.
func Fingerprint(parts map[string]string) string {
	keys := make([]string, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(parts[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Encode serialises the last key of a page.
func Encode(fingerprint string, key any) (string, error) {
	raw, err := json.Marshal(key)
	if err != nil {
		return "", err
	}
	env, err := json.Marshal(envelope{Fingerprint: fingerprint, Key: raw})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(env), nil
}

// Decode restores a key. Malformed cursors and cursors of another stream fail with PG001.
func Decode(cursor, fingerprint string, key any) error {
	invalid := httpapi.Invalid(ParamCursor, httpapi.CodeInvalidCursor)

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return invalid
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return invalid
	}
	if env.Fingerprint != fingerprint || len(env.Key) == 0 {
		return invalid
	}
	if err := json.Unmarshal(env.Key, key); err != nil {
		return invalid
	}
	return nil
}

// Page is the response envelope of paginated endpoints.
type Page[T any] struct {
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

// NextURL rebuilds the request URL with the cursor replaced.
func NextURL(r *http.Request, cursor string) string {
	u := url.URL{Path: r.URL.Path}
	q := r.URL.Query()
	q.Set(ParamCursor, cursor)
	u.RawQuery = q.Encode()
	return u.String()
}

// Build trims rows fetched with size+1 to one page and mints the next cursor from the last kept row.
func Build[T any](r *http.Request, rows []T, size int, fingerprint string, keyOf func(T) any) (Page[T], error) {
	page := Page[T]{Results: rows}
	if page.Results == nil {
		page.Results = []T{}
	}
	if len(rows) <= size {
		return page, nil
	}

	page.Results = rows[:size]
	cursor, err := Encode(fingerprint, keyOf(rows[size-1]))
	if err != nil {
		return Page[T]{}, err
	}
	next := NextURL(r, cursor)
	page.Next = &next
	return page, nil
}
