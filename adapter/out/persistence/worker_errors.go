package persistence

import (
	"database/sql"
	"errors"
	"time"

	"mailsync_server/core/port/out"
)

// ErrNotFound is returned for unknown messages or attachments.
var ErrNotFound = out.ErrNotFound

var ErrInvalidInput = errors.New("invalid input")

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
