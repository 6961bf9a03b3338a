package validators

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	pkgerrors "github.com/angelmondragon/marketplace-settlement/pkg/errors"
	"github.com/angelmondragon/marketplace-settlement/pkg/pagination"
)

const maxCursorLen = 256

// intRange bounds an optional integer query parameter.
type intRange struct {
	fallback, min, max int
}

func (b intRange) parse(q url.Values, key string) (int, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return b.fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "query parameter must be an integer").
			WithDetails(map[string]any{"field": key})
	}
	if n < b.min || n > b.max {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter out of range").
			WithDetails(map[string]any{"field": key, "min": b.min, "max": b.max})
	}
	return n, nil
}

// ParsePageParams reads ?limit=&cursor= for list endpoints. Cursor contents
// are checked later by the repository that decodes them.
func ParsePageParams(r *http.Request) (pagination.Params, error) {
	q := r.URL.Query()
	limit, err := intRange{fallback: pagination.DefaultLimit, min: 1, max: pagination.MaxLimit}.parse(q, "limit")
	if err != nil {
		return pagination.Params{}, err
	}

	cursor := strings.TrimSpace(q.Get("cursor"))
	if len(cursor) > maxCursorLen {
		return pagination.Params{}, pkgerrors.New(pkgerrors.CodeValidation, "cursor too long").
			WithDetails(map[string]any{"field": "cursor"})
	}
	return pagination.Params{Limit: limit, Cursor: cursor}, nil
}
