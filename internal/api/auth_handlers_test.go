package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func findSessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == sessionCookieName {
			return cookie
		}
	}
	return nil
}

func TestSignupCreatesAccountAndSession(t *testing.T) {
	fixture := newHandlerFixture(t)
	body := `{"displayName":"Viewer","email":"viewer@example.com","password":"correct-horse"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	fixture.handler.Signup(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp authResponse
	decodeBody(t, rec, &resp)
	if resp.User.Email != "viewer@example.com" || resp.User.ID == "" {
		t.Fatalf("unexpected user in response: %+v", resp.User)
	}
	cookie := findSessionCookie(rec)
	if cookie == nil || cookie.Value == "" || !cookie.HttpOnly {
		t.Fatalf("expected HttpOnly session cookie, got %+v", cookie)
	}

	if _, err := fixture.store.AuthenticateUser("viewer@example.com", "correct-horse"); err != nil {
		t.Fatalf("account not usable after signup: %v", err)
	}
}

func TestSignupRejectsShortPassword(t *testing.T) {
	fixture := newHandlerFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup",
		strings.NewReader(`{"email":"viewer@example.com","password":"short"}`))
	rec := httptest.NewRecorder()

	fixture.handler.Signup(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSignupRejectsDuplicateEmail(t *testing.T) {
	fixture := newHandlerFixture(t)
	fixture.createUser(t, "viewer@example.com")
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup",
		strings.NewReader(`{"email":"viewer@example.com","password":"correct-horse"}`))
	rec := httptest.NewRecorder()

	fixture.handler.Signup(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSignupMethodNotAllowed(t *testing.T) {
	fixture := newHandlerFixture(t)
	rec := httptest.NewRecorder()
	fixture.handler.Signup(rec, httptest.NewRequest(http.MethodGet, "/api/auth/signup", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != "POST" {
		t.Fatalf("unexpected Allow header: %q", allow)
	}
}

func TestLogin(t *testing.T) {
	fixture := newHandlerFixture(t)
	fixture.createUser(t, "viewer@example.com")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"email":"viewer@example.com","password":"correct-horse"}`))
	rec := httptest.NewRecorder()
	fixture.handler.Login(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if cookie := findSessionCookie(rec); cookie == nil || cookie.Value == "" {
		t.Fatal("expected session cookie on login")
	}
	var resp authResponse
	decodeBody(t, rec, &resp)
	if resp.ExpiresAt == "" {
		t.Fatal("expected expiry in response")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	fixture := newHandlerFixture(t)
	fixture.createUser(t, "viewer@example.com")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
		strings.NewReader(`{"email":"viewer@example.com","password":"wrong-password"}`))
	rec := httptest.NewRecorder()
	fixture.handler.Login(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	fixture := newHandlerFixture(t)
	user := fixture.createUser(t, "viewer@example.com")
	token, _, err := fixture.sessions.Create(user.ID)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	fixture.handler.Session(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp authResponse
	decodeBody(t, rec, &resp)
	if resp.User.ID != user.ID {
		t.Fatalf("session resolved wrong user: %s", resp.User.ID)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	fixture.handler.Session(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	fixture.handler.Session(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session should be rejected, got %d", rec.Code)
	}
}

func TestSessionWithoutToken(t *testing.T) {
	fixture := newHandlerFixture(t)
	rec := httptest.NewRecorder()
	fixture.handler.Session(rec, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
