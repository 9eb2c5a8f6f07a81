package authtoken

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestGenerateWritesPrivateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	tok, err := Generate(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(tok.Value()) != 64 {
		t.Fatalf("token length %d, want 64 hex chars", len(tok.Value()))
	}

	loaded, err := Load(path)
	if err != nil || loaded != tok.Value() {
		t.Fatalf("load mismatch: %q err=%v", loaded, err)
	}

	fi, err := filepath.Glob(path)
	if err != nil || len(fi) != 1 {
		t.Fatalf("token file missing")
	}
}

func TestGenerateReplacesPreviousToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	first, err := Generate(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := Generate(path)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if first.Value() == second.Value() {
		t.Fatalf("token not rotated")
	}
	loaded, _ := Load(path)
	if loaded != second.Value() {
		t.Fatalf("file holds stale token")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	tok, err := Generate(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := tok.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := tok.Remove(); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestGinAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tok, err := Generate(filepath.Join(t.TempDir(), "token"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	r := gin.New()
	r.Use(tok.GinAuth())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + tok.Value(), http.StatusOK},
		{"case-insensitive scheme", "bearer " + tok.Value(), http.StatusOK},
		{"wrong token", "Bearer deadbeef", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "Basic abc", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.name, w.Code, tc.want)
		}
	}
}
