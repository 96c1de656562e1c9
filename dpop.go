package oauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	dpopProofLifetime = 30 * time.Second
	maxErrorBodySize  = 64 * 1024
)

// AuthServerDpopJwt builds a proof for a request to the authorization server,
// where no access token is bound yet.
func (c *Client) AuthServerDpopJwt(method, url, nonce string, privateJwk jwk.Key) (string, error) {
	return c.dpopJwt(method, url, nonce, "", privateJwk)
}

// PdsDpopJwt builds a proof for a resource request made with accessToken.
func (c *Client) PdsDpopJwt(method, url, nonce, accessToken string, privateJwk jwk.Key) (string, error) {
	if accessToken == "" {
		return "", fmt.Errorf("no access token provided")
	}

	return c.dpopJwt(method, url, nonce, accessToken, privateJwk)
}

func (c *Client) dpopJwt(method, targetUrl, nonce, accessToken string, privateJwk jwk.Key) (string, error) {
	if privateJwk == nil {
		return "", fmt.Errorf("%w: no dpop key provided", ErrProofSigning)
	}

	htu, err := dpopTargetUri(targetUrl)
	if err != nil {
		return "", err
	}

	pubMap, err := publicJwkMap(privateJwk)
	if err != nil {
		return "", fmt.Errorf("%w: could not get public dpop key: %w", ErrProofSigning, err)
	}

	rawKey, err := getPrivateKey(privateJwk)
	if err != nil {
		return "", fmt.Errorf("%w: could not load dpop key: %w", ErrProofSigning, err)
	}

	now := c.now()

	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": strings.ToUpper(method),
		"htu": htu,
		"iat": now.Unix(),
		"exp": now.Add(dpopProofLifetime).Unix(),
	}

	if nonce != "" {
		claims["nonce"] = nonce
	}

	if accessToken != "" {
		claims["ath"] = accessTokenHash(accessToken)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = pubMap

	tokenString, err := token.SignedString(rawKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProofSigning, err)
	}

	return tokenString, nil
}

// dpopTargetUri strips the query and fragment, which htu must not carry.
func dpopTargetUri(ustr string) (string, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return "", fmt.Errorf("could not parse dpop target url: %w", err)
	}

	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), nil
}

func accessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

type SignedRequestArgs struct {
	Method      string
	Url         string
	Body        []byte
	ContentType string
	// when set, called for a fresh body on every attempt instead of sending Body
	NewBody func() ([]byte, error)

	DpopKey jwk.Key
	// last nonce handed out by this server, if any
	DpopNonce string
	// set once a token has been issued; adds ath and the DPoP authorization header
	AccessToken string

	// label for metrics and logs
	endpoint string
}

// SignedRequest sends a dpop signed request. When the server answers with a
// use_dpop_nonce challenge the request is rebuilt with a brand new proof and
// sent exactly once more. The returned string is the newest nonce the server
// handed out, which callers should keep for their next request.
func (c *Client) SignedRequest(ctx context.Context, args SignedRequestArgs) (*http.Response, string, error) {
	if args.DpopKey == nil {
		return nil, "", fmt.Errorf("%w: no dpop key provided", ErrProofSigning)
	}

	endpoint := args.endpoint
	if endpoint == "" {
		endpoint = "resource"
	}

	nonce := args.DpopNonce

	for attempt := range 2 {
		dpopProof, err := c.dpopJwt(args.Method, args.Url, nonce, args.AccessToken, args.DpopKey)
		if err != nil {
			return nil, nonce, err
		}

		payload := args.Body
		if args.NewBody != nil {
			payload, err = args.NewBody()
			if err != nil {
				return nil, nonce, err
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, args.Method, args.Url, body)
		if err != nil {
			return nil, nonce, err
		}

		if args.ContentType != "" {
			req.Header.Set("Content-Type", args.ContentType)
		}
		req.Header.Set("DPoP", dpopProof)
		if args.AccessToken != "" {
			req.Header.Set("Authorization", "DPoP "+args.AccessToken)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.h.Do(req)
		if err != nil {
			return nil, nonce, err
		}

		serverNonce := resp.Header.Get("DPoP-Nonce")

		challenged, err := isNonceChallenge(resp)
		if err != nil {
			resp.Body.Close()
			return nil, nonce, err
		}

		if !challenged {
			if serverNonce != "" {
				nonce = serverNonce
			}
			return resp, nonce, nil
		}

		resp.Body.Close()

		if attempt > 0 {
			c.logger.Warn("dpop nonce rejected twice", "endpoint", endpoint, "url", req.URL.Redacted())
			break
		}

		c.logger.Debug("retrying request with new dpop nonce", "endpoint", endpoint, "url", req.URL.Redacted())
		dpopNonceRetries.WithLabelValues(endpoint).Inc()
		nonce = serverNonce
	}

	return nil, nonce, ErrDpopNonceRejected
}

// isNonceChallenge reports whether resp asks for a new dpop nonce. Any body it
// reads is put back so the caller can still consume it.
func isNonceChallenge(resp *http.Response) (bool, error) {
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		return false, nil
	}

	if resp.Header.Get("DPoP-Nonce") == "" {
		return false, nil
	}

	// resource servers signal through WWW-Authenticate
	if strings.Contains(resp.Header.Get("WWW-Authenticate"), `error="use_dpop_nonce"`) {
		return true, nil
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return false, fmt.Errorf("could not read error body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(b))

	var errResp oauthErrorResponse
	if err := json.Unmarshal(b, &errResp); err != nil {
		return false, nil
	}

	return errResp.Error == "use_dpop_nonce", nil
}

// readProtocolError drains resp and turns it into a *ProtocolError.
func readProtocolError(endpoint string, resp *http.Response) *ProtocolError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	perr := &ProtocolError{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Body:       string(b),
	}

	var errResp oauthErrorResponse
	if err := json.Unmarshal(b, &errResp); err == nil {
		perr.ErrorCode = errResp.Error
		perr.ErrorDescription = errResp.ErrorDescription
	}

	return perr
}
