package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestMetadataFor(t *testing.T) {
	cases := map[Code]Metadata{
		CodeValidation:         {HTTPStatus: http.StatusBadRequest, PublicMessage: "validation failed", DetailsAllowed: true},
		CodeUnauthorized:       {HTTPStatus: http.StatusUnauthorized, PublicMessage: "authentication required"},
		CodeForbidden:          {HTTPStatus: http.StatusForbidden, PublicMessage: "access denied"},
		CodeNotFound:           {HTTPStatus: http.StatusNotFound, PublicMessage: "resource not found"},
		CodeConflict:           {HTTPStatus: http.StatusConflict, PublicMessage: "conflict detected"},
		CodeStateConflict:      {HTTPStatus: http.StatusUnprocessableEntity, PublicMessage: "state transition disallowed", DetailsAllowed: true},
		CodeInternal:           {HTTPStatus: http.StatusInternalServerError, PublicMessage: "internal server error", Retryable: true},
		CodeDependency:         {HTTPStatus: http.StatusServiceUnavailable, PublicMessage: "dependency unavailable", Retryable: true, DetailsAllowed: true},
		CodeProductUnavailable: {HTTPStatus: http.StatusConflict, PublicMessage: "product unavailable", Retryable: true, DetailsAllowed: true},
		CodeConcurrentCheckout: {HTTPStatus: http.StatusConflict, PublicMessage: "product is being checked out by another buyer", Retryable: true, DetailsAllowed: true},
		CodeGateway:            {HTTPStatus: http.StatusBadGateway, PublicMessage: "payment gateway error", Retryable: true},
		CodeInvalidSignature:   {HTTPStatus: http.StatusBadRequest, PublicMessage: "invalid signature"},
		CodeInconsistentState:  {HTTPStatus: http.StatusInternalServerError, PublicMessage: "inconsistent settlement state"},
	}
	for code, want := range cases {
		t.Run(string(code), func(t *testing.T) {
			require.Equal(t, want, MetadataFor(code))
		})
	}

	require.Equal(t, http.StatusInternalServerError, MetadataFor("SOMETHING_UNKNOWN").HTTPStatus)
}

func TestNewAndWrap(t *testing.T) {
	base := New(CodeValidation, "missing foo")
	require.Equal(t, CodeValidation, base.Code())
	require.Equal(t, "missing foo", base.Message())
	require.Nil(t, base.Details())

	base.WithDetails(map[string]any{"field": "foo"})
	require.Equal(t, map[string]any{"field": "foo"}, base.Details())

	cause := stdErrors.New("boom")
	wrapped := Wrap(CodeConflict, cause, "ctx")
	require.ErrorIs(t, wrapped, cause)
	require.Equal(t, CodeConflict, wrapped.Code())
}

func TestAsAndIsCode(t *testing.T) {
	require.Nil(t, As(nil))
	require.Nil(t, As(stdErrors.New("plain")))

	inner := New(CodeConcurrentCheckout, "product locked")
	outer := fmt.Errorf("create order: %w", inner)
	require.Same(t, inner, As(outer))
	require.True(t, IsCode(outer, CodeConcurrentCheckout))
	require.False(t, IsCode(outer, CodeProductUnavailable))
	require.False(t, IsCode(stdErrors.New("plain"), CodeInternal))
}

func TestDump(t *testing.T) {
	t.Run("chain", func(t *testing.T) {
		d := Dump(Wrap(CodeGateway, stdErrors.New("card_declined"), "transfer failed"))
		require.Equal(t, CodeGateway, d.Code)
		require.Len(t, d.Chain, 2)
		require.Nil(t, d.Postgres)
	})

	t.Run("postgres fault", func(t *testing.T) {
		pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "idx_orders_payment_intent_ref", TableName: "orders"}
		err := Wrap(CodeInternal, fmt.Errorf("update order: %w", pgErr), "attach intent")

		fields := Dump(err).Fields()
		require.Equal(t, "23505", fields["pg_code"])
		require.Equal(t, "idx_orders_payment_intent_ref", fields["pg_constraint"])
		require.Equal(t, CodeInternal, fields["error_code"])
		require.NotContains(t, fields, "pg_column")
	})

	t.Run("joined errors", func(t *testing.T) {
		err := stdErrors.Join(stdErrors.New("first"), fmt.Errorf("second: %w", stdErrors.New("cause")))
		require.Len(t, Dump(err).Chain, 4)
	})
}
