// Package pagination pages in-memory listings for the operator API.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit/offset, accepting the FHIR _count/_offset
// spellings first.
func FromContext(c echo.Context) Params {
	limit := firstPositive(c.QueryParam("_count"), c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := firstPositive(c.QueryParam("_offset"), c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

func firstPositive(values ...string) int {
	for _, v := range values {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// HasNext reports whether items remain after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// Page is one page of a listing.
type Page[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// Paginate cuts the page described by p out of all. Data is never nil.
func Paginate[T any](all []T, p Params) *Page[T] {
	total := len(all)
	start := min(p.Offset, total)
	end := min(start+p.Limit, total)
	data := make([]T, end-start)
	copy(data, all[start:end])
	return &Page[T]{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}
