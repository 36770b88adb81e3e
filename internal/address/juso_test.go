package address

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/safelease/risk-platform/internal/backend"
	"github.com/safelease/risk-platform/pkg/logger"
)

const jusoBody = `{"results":{"common":{"errorMessage":"정상","countPerPage":"10","totalCount":"1","errorCode":"0","currentPage":"1"},
"juso":[{"roadAddr":"서울특별시 강남구 테헤란로 123 (역삼동)","jibunAddr":"서울특별시 강남구 역삼동 736-1","zipNo":"06236","bdNm":"여삼빌딩","bdMgtSn":"1168010100107360001000001"}]}}`

func TestSearch(t *testing.T) {
	var got http.Header
	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header
		q := r.URL.Query()
		query = map[string]string{
			"confmKey":     q.Get("confmKey"),
			"keyword":      q.Get("keyword"),
			"countPerPage": q.Get("countPerPage"),
			"resultType":   q.Get("resultType"),
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, jusoBody)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", logger.NewNop())
	resp, err := c.Search(context.Background(), " 테헤란로 123 ", 500)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got == nil {
		t.Fatal("no request made")
	}
	if query["confmKey"] != "key" || query["keyword"] != "테헤란로 123" || query["countPerPage"] != "100" || query["resultType"] != "json" {
		t.Errorf("query = %v", query)
	}
	if resp.TotalCount != 1 || len(resp.Candidates) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	cand := resp.Candidates[0]
	if cand.ZipCode != "06236" || cand.LotAddress != "서울특별시 강남구 역삼동 736-1" || cand.BuildingName != "여삼빌딩" {
		t.Errorf("candidate = %+v", cand)
	}
}

func TestSearchErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
		want error
	}{
		{"bad key", "E0001", backend.ErrUnavailable},
		{"bad keyword", "E0006", backend.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `{"results":{"common":{"errorCode":%q,"errorMessage":"오류","totalCount":"0"},"juso":null}}`, tt.code)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "key", logger.NewNop()).Search(context.Background(), "테헤란로", 0)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSearchRejectsLocally(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "key", logger.NewNop()).Search(context.Background(), "가", 0); !errors.Is(err, backend.ErrInvalidRequest) {
		t.Errorf("short query: err = %v", err)
	}
	_, err := NewClient(srv.URL, "", logger.NewNop()).Search(context.Background(), "테헤란로", 0)
	if !errors.Is(err, ErrNotConfigured) || !errors.Is(err, backend.ErrUnavailable) {
		t.Errorf("missing key: err = %v", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestSearchUpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "key", logger.NewNop()).Search(context.Background(), "테헤란로", 0)
	if backend.StatusFor(err) != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", backend.StatusFor(err))
	}
}
