package store

import (
	"database/sql"
	"fmt"
	"time"
)

// TimeLayout is the stored timestamp format: fixed width UTC, so string
// comparison in SQL matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. It also accepts RFC3339 and sqlite's
// datetime('now') format for rows written by hand.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// ScanTime returns a Scanner that stores a non-null timestamp into dst.
func ScanTime(dst *time.Time) sql.Scanner {
	return &timeScanner{dst: dst}
}

// ScanNullTime returns a Scanner that sets *dst to nil for NULL.
func ScanNullTime(dst **time.Time) sql.Scanner {
	return &nullTimeScanner{dst: dst}
}

type timeScanner struct{ dst *time.Time }

func (s *timeScanner) Scan(src any) error {
	t, ok, err := convertTime(src)
	if err != nil {
		return err
	}
	if !ok {
		*s.dst = time.Time{}
		return nil
	}
	*s.dst = t
	return nil
}

type nullTimeScanner struct{ dst **time.Time }

func (s *nullTimeScanner) Scan(src any) error {
	t, ok, err := convertTime(src)
	if err != nil {
		return err
	}
	if !ok {
		*s.dst = nil
		return nil
	}
	*s.dst = &t
	return nil
}

func convertTime(src any) (time.Time, bool, error) {
	switch v := src.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return v.UTC(), true, nil
	case string:
		t, err := ParseTime(v)
		return t, err == nil, err
	case []byte:
		t, err := ParseTime(string(v))
		return t, err == nil, err
	default:
		return time.Time{}, false, fmt.Errorf("cannot scan %T into timestamp", src)
	}
}
