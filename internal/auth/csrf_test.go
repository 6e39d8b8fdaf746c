package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newCSRFRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(DefaultCSRF().Middleware())
	router.GET("/state", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.POST("/send", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func TestCSRFMiddleware(t *testing.T) {
	router := newCSRFRouter()
	token, err := DefaultCSRF().NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}

	cases := []struct {
		name   string
		method string
		path   string
		cookie string
		header string
		bearer string
		want   int
	}{
		{name: "safe method", method: http.MethodGet, path: "/state", want: http.StatusOK},
		{name: "missing token", method: http.MethodPost, path: "/send", want: http.StatusForbidden},
		{name: "mismatch", method: http.MethodPost, path: "/send", cookie: token, header: "other", want: http.StatusForbidden},
		{name: "match", method: http.MethodPost, path: "/send", cookie: token, header: token, want: http.StatusOK},
		{name: "bearer exempt", method: http.MethodPost, path: "/send", bearer: "abc", want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "csrf_token", Value: tc.cookie})
			}
			if tc.header != "" {
				req.Header.Set("X-CSRF-Token", tc.header)
			}
			if tc.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tc.bearer)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer abc "); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := BearerToken("bearer xyz"); got != "xyz" {
		t.Fatalf("got %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Fatalf("got %q", got)
	}
}
