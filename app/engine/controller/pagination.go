package controller

import (
	"errors"
	"net/http"
	"strconv"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

var (
	errInvalidLimit  = errors.New("invalid limit")
	errInvalidCursor = errors.New("invalid cursor")
	errInvalidOffset = errors.New("invalid offset")
)

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errInvalidLimit
	}
	return min(n, maxLimit), nil
}

// parseCursor reads the id-based cursor; 0 means the first page.
func parseCursor(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("cursor")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errInvalidCursor
	}
	return n, nil
}

func parseOffset(r *http.Request) (int, error) {
	v := r.URL.Query().Get("offset")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errInvalidOffset
	}
	return n, nil
}

type pagedResponse[T any] struct {
	Data       []T    `json:"data"`
	NextCursor *int64 `json:"next_cursor,omitempty"`
}

// page trims a limit+1 read to limit rows and derives the next cursor from the last kept row.
func page[T any](rows []T, limit int, id func(T) int64) pagedResponse[T] {
	if rows == nil {
		rows = []T{}
	}
	if len(rows) <= limit {
		return pagedResponse[T]{Data: rows}
	}
	rows = rows[:limit]
	next := id(rows[len(rows)-1])
	return pagedResponse[T]{Data: rows, NextCursor: &next}
}
