package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, query string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=50&offset=10", 50, 10},
		{"?_count=25&_offset=5", 25, 5},
		{"?_count=7&limit=50", 7, 0},
		{"?limit=1000", MaxLimit, 0},
		{"?limit=-3&offset=-1", DefaultLimit, 0},
		{"?limit=abc", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p := paramsFor(t, tt.query)
			if p.Limit != tt.limit || p.Offset != tt.offset {
				t.Errorf("got limit=%d offset=%d, want %d/%d", p.Limit, p.Offset, tt.limit, tt.offset)
			}
		})
	}
}

func TestPaginate(t *testing.T) {
	all := []int{1, 2, 3, 4, 5}

	page := Paginate(all, Params{Limit: 2, Offset: 1})
	if len(page.Data) != 2 || page.Data[0] != 2 || page.Data[1] != 3 {
		t.Errorf("unexpected data %v", page.Data)
	}
	if !page.HasMore || page.Total != 5 {
		t.Errorf("unexpected page %+v", page)
	}

	last := Paginate(all, Params{Limit: 2, Offset: 4})
	if len(last.Data) != 1 || last.HasMore {
		t.Errorf("unexpected last page %+v", last)
	}

	past := Paginate(all, Params{Limit: 2, Offset: 10})
	if past.Data == nil || len(past.Data) != 0 {
		t.Errorf("page past the end must be empty and non-nil, got %#v", past.Data)
	}

	page.Data[0] = 99
	if all[1] != 2 {
		t.Error("page must not alias the input slice")
	}
}
