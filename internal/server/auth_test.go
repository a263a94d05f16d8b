package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestAuthMiddlewareAcceptsSignedToken(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := SignJWT("biz-42", secret, time.Hour)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	h := echoAuthMiddleware(secret)(func(c echo.Context) error {
		called = true
		if businessID(c) != "biz-42" {
			t.Fatalf("wrong tenant: %q", businessID(c))
		}
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("middleware rejected a valid token: %v", err)
	}
	if !called {
		t.Fatal("handler was not invoked")
	}
}

func TestAuthMiddlewareRejectsMissingAndBadTokens(t *testing.T) {
	secret := []byte("test-secret")
	e := echo.New()

	cases := map[string]string{
		"missing": "",
		"garbage": "Bearer not-a-token",
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		h := echoAuthMiddleware(secret)(func(c echo.Context) error { return nil })
		err := h(c)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %v", name, err)
		}
	}
}

func TestAuthMiddlewareRejectsWrongSecret(t *testing.T) {
	tok, err := SignJWT("biz-42", []byte("one-secret"), time.Hour)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := echoAuthMiddleware([]byte("another-secret"))(func(c echo.Context) error { return nil })
	if err := h(c); err == nil {
		t.Fatal("token signed with a different secret must be rejected")
	}
}
