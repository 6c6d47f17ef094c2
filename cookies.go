package main

import (
	"net/http"

	"github.com/google/uuid"
)

const sessionCookieName = "gallery_session"

// shouldSecureCookie reports whether the request arrived over TLS (directly
// or behind a terminating proxy).
func shouldSecureCookie(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

// SetCookie sets an HTTP cookie with standard security defaults.
func SetCookie(w http.ResponseWriter, r *http.Request, name, value, path string, maxAge int, sameSite http.SameSite) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   shouldSecureCookie(r),
		SameSite: sameSite,
	})
}

// sessionID returns the visitor's feed session ID, minting a cookie on
// first sight. The ID keys the per-visitor feed controller.
func sessionID(w http.ResponseWriter, r *http.Request, maxAge int) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	SetCookie(w, r, sessionCookieName, id, "/", maxAge, http.SameSiteLaxMode)
	return id
}
