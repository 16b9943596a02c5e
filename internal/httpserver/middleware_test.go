package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ganymede/internal/auth"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}), mw("a"), mw("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got := strings.Join(order, ","); got != "a,b,handler" {
		t.Fatalf("order = %s", got)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/":                "index",
		"/download/a.txt":  "download",
		"/preview/a.png":   "preview",
		"/thumb/a.png":     "thumb",
		"/assets/bg.png":   "assets",
		"/favicon.ico":     "favicon",
		"/metrics":         "metrics",
		"/wp-login.php":    "other",
		"/downloads":       "other",
		"/favicon.ico/x":   "other",
		"/metrics/extra":   "other",
		"/assets":          "other",
		"/preview":         "other",
		"/thumb":           "other",
		"/download":        "other",
		"/download/a/b/c/": "download",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestRecordUser(t *testing.T) {
	var user string
	h := recordUser(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := auth.WithUser(withUserSink(r.Context(), &user), "kyle")
	h.ServeHTTP(httptest.NewRecorder(), r.WithContext(ctx))
	if user != "kyle" {
		t.Fatalf("user = %q", user)
	}

	// no sink installed
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestStatusRecorder(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	_, _ = rec.Write([]byte("abc"))
	rec.WriteHeader(http.StatusTeapot)
	if rec.status != http.StatusOK || rec.bytes != 3 {
		t.Fatalf("status=%d bytes=%d", rec.status, rec.bytes)
	}
}

func TestRejectTraversal(t *testing.T) {
	h := rejectTraversal(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for path, want := range map[string]int{
		"/download/a.txt":         http.StatusOK,
		"/download/..a.txt":       http.StatusOK,
		"/download/..%2fetc":      http.StatusBadRequest,
		"/assets/%2e%2e/x":        http.StatusBadRequest,
		"/download/a%00b":         http.StatusBadRequest,
		"/preview/x..%2f..%2fy.g": http.StatusBadRequest,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("%s = %d, want %d", path, rec.Code, want)
		}
	}
}
