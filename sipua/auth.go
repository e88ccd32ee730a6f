package sipua

import (
	"fmt"
	"strings"

	"github.com/ghettovoice/gosip/sip"
	"github.com/icholy/digest"
)

// Challenge is a parsed WWW-Authenticate or Proxy-Authenticate header. It is
// used once to answer the request it challenged.
type Challenge struct {
	Scheme string
	Realm  string
	Nonce  string
	// Header is the request header that carries the answer.
	Header string

	chal *digest.Challenge
}

// ParseChallenge extracts the digest challenge from a 401 or 407 response.
func ParseChallenge(res sip.Response) (*Challenge, error) {
	var name, answer string
	switch res.StatusCode() {
	case 401:
		name, answer = "WWW-Authenticate", "Authorization"
	case 407:
		name, answer = "Proxy-Authenticate", "Proxy-Authorization"
	default:
		return nil, fmt.Errorf("%w: status %d is not a challenge", ErrAuthChallengeParse, res.StatusCode())
	}

	hdrs := res.GetHeaders(name)
	if len(hdrs) == 0 {
		return nil, fmt.Errorf("%w: missing %s header", ErrAuthChallengeParse, name)
	}
	value := strings.TrimSpace(hdrs[0].Value())

	scheme, params, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "Digest") {
		return nil, fmt.Errorf("%w: unsupported scheme in %q", ErrAuthChallengeParse, value)
	}
	chal, err := digest.ParseChallenge("Digest " + strings.TrimSpace(params))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthChallengeParse, err)
	}
	if chal.Nonce == "" {
		return nil, fmt.Errorf("%w: challenge without nonce", ErrAuthChallengeParse)
	}

	return &Challenge{
		Scheme: scheme,
		Realm:  chal.Realm,
		Nonce:  chal.Nonce,
		Header: answer,
		chal:   chal,
	}, nil
}

// Authorize computes the answer to the challenge for one request.
func (c *Challenge) Authorize(method, uri, username, password string) (sip.Header, error) {
	cred, err := digest.Digest(c.chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}
	return &sip.GenericHeader{HeaderName: c.Header, Contents: cred.String()}, nil
}
