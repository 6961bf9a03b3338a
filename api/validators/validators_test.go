package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/pagination"
)

type lineRequest struct {
	ProductID uuid.UUID `json:"productId" validate:"required"`
}

type bodyRequest struct {
	Currency string        `json:"currency,omitempty" validate:"omitempty,currency"`
	Reason   string        `json:"reason,omitempty" validate:"max=5"`
	Lines    []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

func newBodyRequest(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
}

func requireDetails(t *testing.T, err error) map[string]string {
	t.Helper()
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeValidation, typed.Code())
	details, ok := typed.Details().(map[string]string)
	require.True(t, ok, "details %T", typed.Details())
	return details
}

func TestDecodeJSONBodyAcceptsValidPayload(t *testing.T) {
	var dest bodyRequest
	body := `{"currency":"usd","lines":[{"productId":"` + uuid.NewString() + `"}]}`
	require.NoError(t, DecodeJSONBody(newBodyRequest(body), &dest))
	require.Len(t, dest.Lines, 1)
}

func TestDecodeJSONBodyReportsFieldPaths(t *testing.T) {
	var dest bodyRequest
	err := DecodeJSONBody(newBodyRequest(`{"currency":"EUR","reason":"too long","lines":[{}]}`), &dest)

	details := requireDetails(t, err)
	require.Equal(t, "is not a supported currency", details["currency"])
	require.Equal(t, "must be at most 5", details["reason"])
	require.Equal(t, "is required", details["lines[0].productId"])
}

func TestDecodeJSONBodyRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"unknown field": `{"lines":[],"extra":1}`,
		"trailing data": `{"lines":[]} {"lines":[]}`,
		"syntax":        `{"lines":`,
		"wrong type":    `{"reason":7}`,
		"empty":         ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var dest bodyRequest
			err := DecodeJSONBody(newBodyRequest(body), &dest)
			require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
		})
	}
}

func TestDecodeJSONBodyEnforcesSizeLimit(t *testing.T) {
	var dest bodyRequest
	body := `{"reason":"` + strings.Repeat("a", MaxBodyBytes) + `"}`
	err := DecodeJSONBody(newBodyRequest(body), &dest)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	require.Contains(t, err.Error(), "too large")
}

func TestDecodeOptionalJSONBody(t *testing.T) {
	type optional struct {
		Reason string `json:"reason,omitempty" validate:"max=5"`
	}
	var dest optional
	require.NoError(t, DecodeOptionalJSONBody(newBodyRequest("  "), &dest))
	require.Empty(t, dest.Reason)

	require.NoError(t, DecodeOptionalJSONBody(newBodyRequest(`{"reason":"ok"}`), &dest))
	require.Equal(t, "ok", dest.Reason)

	err := DecodeOptionalJSONBody(newBodyRequest(`{"reason":"way too long"}`), &dest)
	require.Equal(t, "must be at most 5", requireDetails(t, err)["reason"])
}

func TestParsePageParams(t *testing.T) {
	params, err := ParsePageParams(httptest.NewRequest(http.MethodGet, "/?limit=10&cursor=abc", nil))
	require.NoError(t, err)
	require.Equal(t, pagination.Params{Limit: 10, Cursor: "abc"}, params)

	params, err = ParsePageParams(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	require.Equal(t, pagination.DefaultLimit, params.Limit)

	for _, query := range []string{"limit=abc", "limit=0", "limit=101", "cursor=" + strings.Repeat("x", maxCursorLen+1)} {
		_, err := ParsePageParams(httptest.NewRequest(http.MethodGet, "/?"+query, nil))
		require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), query)
	}
}

func TestParseUUIDParam(t *testing.T) {
	withParam := func(value string) *http.Request {
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("orderId", value)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}

	id := uuid.New()
	got, err := ParseUUIDParam(withParam(id.String()), "orderId")
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = ParseUUIDParam(withParam("nope"), "orderId")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = ParseUUIDParam(withParam(""), "orderId")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestSanitizeString(t *testing.T) {
	require.Equal(t, "hello\nworld", SanitizeString("  hel\x00lo\nworld\t ", 0))
	require.Equal(t, "한글", SanitizeString("한글테스트", 2))
}
