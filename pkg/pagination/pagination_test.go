package pagination

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	want := Cursor{CreatedAt: time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC), ID: uuid.New()}

	token := want.Encode()
	require.NotContains(t, token, "=")
	require.NotContains(t, token, "/")

	got, err := ParseCursor(token)
	require.NoError(t, err)
	require.True(t, got.CreatedAt.Equal(want.CreatedAt))
	require.Equal(t, want.ID, got.ID)
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	got, err := ParseCursor("  ")
	require.NoError(t, err)
	require.Nil(t, got)

	for _, token := range []string{"%%%", Cursor{}.Encode()[:4], "bm8tc2VwYXJhdG9y"} {
		_, err := ParseCursor(token)
		require.ErrorIs(t, err, ErrInvalidCursor, token)
	}
}

func TestNormalizeLimit(t *testing.T) {
	require.Equal(t, DefaultLimit, NormalizeLimit(0))
	require.Equal(t, MaxLimit, NormalizeLimit(MaxLimit+1))
	require.Equal(t, 7, NormalizeLimit(7))
}

func TestTrim(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := []Cursor{
		{CreatedAt: base.Add(3 * time.Minute), ID: uuid.New()},
		{CreatedAt: base.Add(2 * time.Minute), ID: uuid.New()},
		{CreatedAt: base.Add(time.Minute), ID: uuid.New()},
	}
	key := func(c Cursor) Cursor { return c }

	page, next := Trim(rows, Params{Limit: 2}, key)
	require.Len(t, page, 2)
	require.Equal(t, rows[1].Encode(), next)

	page, next = Trim(rows, Params{Limit: 3}, key)
	require.Len(t, page, 3)
	require.Empty(t, next)
}
