package pagination

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Opetushallitus/varda-reporting/platform/go/httpapi"
)

type key struct {
	PersonID int64  `json:"p"`
	Start    string `json:"s"`
}

func TestParseParams(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/x?page_size=50&cursor=abc", nil)
	p, err := ParseParams(r, 20, 5000)
	require.NoError(t, err)
	require.Equal(t, Params{Size: 50, Cursor: "abc"}, p)

	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	p, err = ParseParams(r, 20, 5000)
	require.NoError(t, err)
	require.Equal(t, 20, p.Size)

	for _, raw := range []string{"0", "5001", "ten"} {
		r = httptest.NewRequest(http.MethodGet, "/x?page_size="+raw, nil)
		_, err = ParseParams(r, 20, 5000)
		var verr *httpapi.ValidationError
		require.True(t, errors.As(err, &verr), raw)
		require.Equal(t, []string{httpapi.CodeInvalidPageSize}, verr.Fields[ParamPageSize])
	}
}

func TestCursorRoundTripAndFingerprintMismatch(t *testing.T) {
	t.Parallel()

	fp := Fingerprint(map[string]string{"feed": "aloittaneet", "gte": "2024-02-10T00:00:00Z"})
	cursor, err := Encode(fp, key{PersonID: 7, Start: "2024-02-15"})
	require.NoError(t, err)

	var got key
	require.NoError(t, Decode(cursor, fp, &got))
	require.Equal(t, key{PersonID: 7, Start: "2024-02-15"}, got)

	other := Fingerprint(map[string]string{"feed": "lopettaneet", "gte": "2024-02-10T00:00:00Z"})
	require.Error(t, Decode(cursor, other, &got))
	require.Error(t, Decode("!!!", fp, &got))
}

func TestBuildTrimsExtraRow(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/reporting/x/?page_size=2&luonti_pvm_gte=2024-01-01", nil)
	page, err := Build(r, []int{1, 2, 3}, 2, "fp", func(v int) any { return v })
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, page.Results)
	require.NotNil(t, page.Next)

	u, err := url.Parse(*page.Next)
	require.NoError(t, err)
	require.Equal(t, "2024-01-01", u.Query().Get("luonti_pvm_gte"))

	var last int
	require.NoError(t, Decode(u.Query().Get(ParamCursor), "fp", &last))
	require.Equal(t, 2, last)

	page, err = Build(r, []int(nil), 2, "fp", func(v int) any { return v })
	require.NoError(t, err)
	require.Nil(t, page.Next)
	require.Equal(t, []int{}, page.Results)
}

func TestLimitsParseFallsBack(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	p, err := Limits{}.Parse(r)
	require.NoError(t, err)
	require.Equal(t, 20, p.Size)

	p, err = Limits{Default: 50, Max: 10}.Parse(r)
	require.NoError(t, err)
	require.Equal(t, 10, p.Size)

	r = httptest.NewRequest(http.MethodGet, "/x?page_size=11", nil)
	_, err = Limits{Default: 5, Max: 10}.Parse(r)
	require.Error(t, err)
}
