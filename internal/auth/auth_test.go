package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestParseCredentials(t *testing.T) {
	c, err := ParseCredentials("kyle:one, reece:two:with:colons,broken,:nouser,nopass:")
	if err != nil {
		t.Fatalf("ParseCredentials: %v", err)
	}
	users := c.Users()
	sort.Strings(users)
	if len(users) != 2 || users[0] != "kyle" || users[1] != "reece" {
		t.Fatalf("users = %v", users)
	}
	if !c.Verify("kyle", "one") {
		t.Error("kyle:one rejected")
	}
	if !c.Verify("reece", "two:with:colons") {
		t.Error("password containing colons rejected")
	}
	if c.Verify("kyle", "two") || c.Verify("nobody", "one") {
		t.Error("wrong credentials accepted")
	}
}

func TestParseCredentialsEmpty(t *testing.T) {
	for _, s := range []string{"", ",", "nocolon", ":"} {
		if _, err := ParseCredentials(s); !errors.Is(err, ErrNoCredentials) {
			t.Errorf("ParseCredentials(%q) err = %v", s, err)
		}
	}
}

func TestVerifyBcrypt(t *testing.T) {
	h, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	c, err := ParseCredentials("admin:" + string(h))
	if err != nil {
		t.Fatal(err)
	}
	if !c.Verify("admin", "s3cret") {
		t.Error("bcrypt password rejected")
	}
	if c.Verify("admin", string(h)) || c.Verify("admin", "wrong") {
		t.Error("bcrypt check accepted a wrong password")
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(UserFromContext(r.Context())))
	})
}

func TestGateRequire(t *testing.T) {
	creds, _ := ParseCredentials("kyle:one,reece:two")
	h := NewGate(creds).Require(okHandler())

	tests := []struct {
		name     string
		setAuth  func(r *http.Request)
		wantCode int
		wantBody string
	}{
		{"no header", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"wrong password", func(r *http.Request) { r.SetBasicAuth("kyle", "two") }, http.StatusUnauthorized, ""},
		{"unknown user", func(r *http.Request) { r.SetBasicAuth("bob", "one") }, http.StatusUnauthorized, ""},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, http.StatusUnauthorized, ""},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Basic !!!") }, http.StatusUnauthorized, ""},
		{"kyle", func(r *http.Request) { r.SetBasicAuth("kyle", "one") }, http.StatusOK, "kyle"},
		{"reece", func(r *http.Request) { r.SetBasicAuth("reece", "two") }, http.StatusOK, "reece"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setAuth(req)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rr.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusUnauthorized {
				if got := rr.Header().Get("WWW-Authenticate"); got != `Basic realm="Simple File Sharing"` {
					t.Errorf("WWW-Authenticate = %q", got)
				}
				return
			}
			if rr.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rr.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestGateFailureLimit(t *testing.T) {
	creds, _ := ParseCredentials("kyle:one")
	var denied []string
	h := NewGate(creds,
		WithFailureLimit(3),
		WithDeniedHook(func(r *http.Request, user string) { denied = append(denied, user) }),
	).Require(okHandler())

	do := func(ip, user, pass string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	// Requests without credentials never count.
	for i := 0; i < 5; i++ {
		if code := do("10.0.0.1", "", ""); code != http.StatusUnauthorized {
			t.Fatalf("anonymous request %d code = %d", i, code)
		}
	}
	for i := 0; i < 3; i++ {
		if code := do("10.0.0.1", "kyle", "bad"); code != http.StatusUnauthorized {
			t.Fatalf("failure %d code = %d", i, code)
		}
	}
	if code := do("10.0.0.1", "kyle", "one"); code != http.StatusTooManyRequests {
		t.Errorf("after limit code = %d, want 429", code)
	}
	if code := do("10.0.0.2", "kyle", "one"); code != http.StatusOK {
		t.Errorf("other IP code = %d, want 200", code)
	}
	if len(denied) != 3 {
		t.Errorf("denied hook called %d times, want 3", len(denied))
	}
}
