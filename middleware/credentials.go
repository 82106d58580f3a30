package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mnehpets/onesession/session"
)

// SessionResetter is the part of session.Manager the transport needs.
type SessionResetter interface {
	Reset(reason session.ResetReason)
}

// CredentialTransport is the single path for requests that need the backend
// session.
//
// Every request carries the cookies held in Jar for its URL, replacing any
// Cookie header set by the caller, and Set-Cookie responses are stored back.
// Responses are inspected:
//   - 401: the session is reset and Jar is cleared. The response is still
//     returned so the caller can react (e.g. send the user to login).
//   - 403: the user is authenticated but not permitted; nothing changes.
//
// Public endpoints should use a plain client instead.
type CredentialTransport struct {
	// Base performs the request. Defaults to http.DefaultTransport.
	Base    http.RoundTripper
	Jar     CredentialJar
	Session SessionResetter
	Logger  *slog.Logger
}

var _ http.RoundTripper = (*CredentialTransport)(nil)

// RoundTrip implements http.RoundTripper.
func (t *CredentialTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	// A RoundTripper must not modify the caller's request.
	out := req.Clone(req.Context())
	out.Header.Del("Cookie")
	if t.Jar != nil {
		for _, c := range t.Jar.Cookies(out.URL) {
			out.AddCookie(c)
		}
	}

	resp, err := base.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if t.Jar != nil {
		if rc := resp.Cookies(); len(rc) > 0 {
			t.Jar.SetCookies(out.URL, rc)
		}
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		authResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		t.logger().Info("backend rejected session", "url", redactedURL(out), "status", resp.StatusCode)
		if t.Session != nil {
			t.Session.Reset(session.ReasonUnauthorized)
		}
		if t.Jar != nil {
			if err := t.Jar.Clear(req.Context()); err != nil {
				t.logger().Warn("failed to clear credentials", "err", err)
			}
		}
	case http.StatusForbidden:
		authResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

func (t *CredentialTransport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// NewAuthenticatedClient returns a copy of base (or a default client) whose
// transport is wrapped in a CredentialTransport. The client's own Jar is
// dropped: credentials come only from jar.
func NewAuthenticatedClient(base *http.Client, jar CredentialJar, sess SessionResetter) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	c.Jar = nil
	c.Transport = &CredentialTransport{
		Base:    c.Transport,
		Jar:     jar,
		Session: sess,
	}
	return c
}

// Fetch issues an authenticated request with client.
func Fetch(ctx context.Context, client *http.Client, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

// redactedURL drops the query, which may carry codes or tokens.
func redactedURL(r *http.Request) string {
	u := *r.URL
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
