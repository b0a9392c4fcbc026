package session

import (
	"encoding/base64"
	"io"
	"net/http"

	"github.com/Azure/go-ntlmssp"
	digest "github.com/Soontao/goHttpDigestClient"
)

// Auth attaches credentials to an outgoing handle. Implementations mutate
// either the header set or the transport chain.
type Auth interface {
	Attach(h *Handle)
}

// BasicAuth sends an Authorization: Basic header on every request.
type BasicAuth struct {
	Username string
	Password string
}

func (a BasicAuth) Attach(h *Handle) {
	h.SetHeader("Authorization", basicCredentials(a.Username, a.Password))
}

// BearerAuth sends a fixed bearer token.
type BearerAuth struct {
	Token string
}

func (a BearerAuth) Attach(h *Handle) {
	h.SetHeader("Authorization", "Bearer "+a.Token)
}

// DigestAuth answers 401 challenges with RFC 7616 digest credentials. The
// first exchange is expected to fail with a challenge; the transport replays
// it with the computed response.
type DigestAuth struct {
	Username string
	Password string
}

func (a DigestAuth) Attach(h *Handle) {
	h.wrapTransport(func(next http.RoundTripper) http.RoundTripper {
		return &digestTransport{username: a.Username, password: a.Password, next: next}
	})
}

// NTLMAuth negotiates NTLM over the connection. Credentials travel as a
// basic header that the negotiator upgrades.
type NTLMAuth struct {
	Username string
	Password string
}

func (a NTLMAuth) Attach(h *Handle) {
	h.SetHeader("Authorization", basicCredentials(a.Username, a.Password))
	h.wrapTransport(func(next http.RoundTripper) http.RoundTripper {
		return ntlmssp.Negotiator{RoundTripper: next}
	})
}

func basicCredentials(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// digestTransport performs the challenge round trip: send once, and on a 401
// with a WWW-Authenticate challenge recompute the Authorization header and
// send again.
type digestTransport struct {
	username string
	password string
	next     http.RoundTripper
}

func (t *digestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// The first attempt may consume the body, so requests with one need a
	// replayable copy.
	retry := req.Clone(req.Context())
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		return resp, nil
	}
	body := ""
	if b, err := io.ReadAll(resp.Body); err == nil {
		body = string(b)
	}
	resp.Body.Close()

	challenge := digest.GetChallengeFromHeader(&resp.Header)
	challenge.ComputeResponse(retry.Method, retry.URL.RequestURI(), body, t.username, t.password)
	retry.Header.Set(digest.KEY_AUTHORIZATION, challenge.ToAuthorizationStr())
	return t.next.RoundTrip(retry)
}
