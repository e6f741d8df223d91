package postgres

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// textOrNull converts a Go string to pgtype.Text.
// Empty string → NULL (invalid), non-empty → valid text.
func textOrNull(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// textPtrToNullable converts a *string to pgtype.Text.
// nil → NULL, non-nil → valid text.
func textPtrToNullable(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}

// nullableTextToString converts pgtype.Text to a Go string.
func nullableTextToString(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

// nullableTextToPtr converts pgtype.Text to *string.
func nullableTextToPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

// float64PtrToNullable converts a *float64 to pgtype.Float8.
func float64PtrToNullable(f *float64) pgtype.Float8 {
	if f == nil {
		return pgtype.Float8{}
	}
	return pgtype.Float8{Float64: *f, Valid: true}
}

// nullableFloat8ToPtr converts pgtype.Float8 to *float64.
func nullableFloat8ToPtr(f pgtype.Float8) *float64 {
	if f.Valid {
		return &f.Float64
	}
	return nil
}

// timePtrToNullable converts a *time.Time to pgtype.Timestamptz.
func timePtrToNullable(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

// nullableTimestamptzToPtr converts pgtype.Timestamptz to *time.Time.
func nullableTimestamptzToPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}

// jsonOrNull passes raw JSON through to a jsonb column, or SQL NULL when b
// is empty rather than sending invalid empty-string JSON.
func jsonOrNull(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
