package responses

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/logger"
)

const (
	requestIDHeader  = "X-Request-Id"
	retryAfterHeader = "Retry-After"
	retryAfterSecs   = "5"
)

// publicMessageCodes may surface the error's own message instead of the
// generic one for the code.
var publicMessageCodes = map[pkgerrors.Code]bool{
	pkgerrors.CodeValidation:         true,
	pkgerrors.CodeForbidden:          true,
	pkgerrors.CodeUnauthorized:       true,
	pkgerrors.CodeNotFound:           true,
	pkgerrors.CodeConflict:           true,
	pkgerrors.CodeStateConflict:      true,
	pkgerrors.CodeIdempotency:        true,
	pkgerrors.CodeRateLimit:          true,
	pkgerrors.CodeProductUnavailable: true,
	pkgerrors.CodeConcurrentCheckout: true,
	pkgerrors.CodeInvalidSignature:   true,
}

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, SuccessEnvelope{Data: data})
}

// WriteError maps err onto its code's status and public envelope. Server
// side failures log at error level with the full chain; client mistakes log
// at warn.
func WriteError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	typed := pkgerrors.As(err)
	if typed == nil {
		typed = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected error")
	}
	code := typed.Code()
	meta := pkgerrors.MetadataFor(code)

	apiErr := APIError{
		Code:      string(code),
		Message:   meta.PublicMessage,
		Retryable: meta.Retryable,
		RequestID: w.Header().Get(requestIDHeader),
	}
	if m := typed.Message(); publicMessageCodes[code] && m != "" {
		apiErr.Message = m
	}
	if meta.DetailsAllowed {
		apiErr.Details = typed.Details()
	}

	if logg != nil {
		logFailure(ctx, logg, err, typed, meta.HTTPStatus)
	}
	if meta.Retryable && meta.HTTPStatus >= http.StatusInternalServerError {
		w.Header().Set(retryAfterHeader, retryAfterSecs)
	}
	writeJSON(w, meta.HTTPStatus, ErrorEnvelope{Error: apiErr})
}

func logFailure(ctx context.Context, logg *logger.Logger, err error, typed *pkgerrors.Error, status int) {
	dump := pkgerrors.Dump(err)
	if status < http.StatusInternalServerError {
		fields := map[string]any{
			"error_code":  dump.Code,
			"http_status": status,
			"error":       dump.TopMessage,
		}
		logg.Warn(logg.WithFields(ctx, fields), "request rejected")
		return
	}

	fields := dump.Fields()
	fields["http_status"] = status
	if dm, ok := typed.Details().(map[string]any); ok {
		for _, key := range []string{"step", "orderId", "itemId", "transactionId"} {
			if v, ok := dm[key]; ok {
				fields[key] = v
			}
		}
	}
	logg.Error(logg.WithFields(ctx, fields), "request failed", err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}
