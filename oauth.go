package oauth

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-querystring/query"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	DefaultHTTPTimeout      = 5 * time.Second
	DefaultMetadataCacheTTL = 5 * time.Minute
	DefaultFlowTTL          = 10 * time.Minute
	DefaultSessionTTL       = 7 * 24 * time.Hour

	clientAssertionLifetime = 60 * time.Second
	metadataCacheSize       = 1024
	maxResponseBodySize     = 1 << 20
)

type Client struct {
	h                *http.Client
	clientPrivateKey *ecdsa.PrivateKey
	clientJwk        jwk.Key
	clientKid        string
	clientId         string
	redirectUri      string
	scope            string
	userAgent        string

	store            FlowStore
	identityResolver IdentityResolver
	logger           *slog.Logger

	flowTTL    time.Duration
	sessionTTL time.Duration

	// nil when caching is disabled
	resourceCache *expirable.LRU[string, string]
	metadataCache *expirable.LRU[string, OauthAuthorizationMetadata]

	now func() time.Time
}

type ClientArgs struct {
	H           *http.Client
	ClientJwk   jwk.Key
	ClientId    string
	RedirectUri string
	// defaults to DefaultScope
	Scope     string
	UserAgent string

	// defaults to an in-memory store
	Store FlowStore
	// defaults to DefaultIdentityResolver()
	IdentityResolver IdentityResolver
	Logger           *slog.Logger

	// negative disables caching of discovery documents
	MetadataCacheTTL time.Duration
	// how long an unfinished flow may wait for its callback
	FlowTTL time.Duration
	// how long a completed flow, and the key its token is bound to, is kept
	SessionTTL time.Duration
}

func NewClient(args ClientArgs) (*Client, error) {
	if args.ClientId == "" {
		return nil, fmt.Errorf("no client id provided")
	}

	if args.RedirectUri == "" {
		return nil, fmt.Errorf("no redirect uri provided")
	}

	if args.H == nil {
		args.H = &http.Client{
			Timeout: DefaultHTTPTimeout,
		}
	}

	if args.Scope == "" {
		args.Scope = DefaultScope
	}

	if args.Store == nil {
		args.Store = NewMemStore()
	}

	if args.IdentityResolver == nil {
		args.IdentityResolver = DefaultIdentityResolver()
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	if args.MetadataCacheTTL == 0 {
		args.MetadataCacheTTL = DefaultMetadataCacheTTL
	}

	if args.FlowTTL <= 0 {
		args.FlowTTL = DefaultFlowTTL
	}

	if args.SessionTTL <= 0 {
		args.SessionTTL = DefaultSessionTTL
	}

	clientPkey, err := getPrivateKey(args.ClientJwk)
	if err != nil {
		return nil, fmt.Errorf("could not load private key from provided client jwk: %w", err)
	}

	kid := args.ClientJwk.KeyID()
	if kid == "" {
		return nil, fmt.Errorf("client jwk has no key id")
	}

	c := &Client{
		h:                args.H,
		clientKid:        kid,
		clientPrivateKey: clientPkey,
		clientJwk:        args.ClientJwk,
		clientId:         args.ClientId,
		redirectUri:      args.RedirectUri,
		scope:            args.Scope,
		userAgent:        args.UserAgent,
		store:            args.Store,
		identityResolver: args.IdentityResolver,
		logger:           args.Logger.With("component", "atproto-oauth"),
		flowTTL:          args.FlowTTL,
		sessionTTL:       args.SessionTTL,
		now:              time.Now,
	}

	if args.MetadataCacheTTL > 0 {
		c.resourceCache = expirable.NewLRU[string, string](metadataCacheSize, nil, args.MetadataCacheTTL)
		c.metadataCache = expirable.NewLRU[string, OauthAuthorizationMetadata](metadataCacheSize, nil, args.MetadataCacheTTL)
	}

	return c, nil
}

func (c *Client) ClientId() string {
	return c.clientId
}

func (c *Client) Store() FlowStore {
	return c.store
}

// PublicJwks is the document to serve at the client metadata jwks_uri.
func (c *Client) PublicJwks() (*JwksResponseObject, error) {
	return CreateJwksResponseObject(c.clientJwk)
}

func (c *Client) getJSON(ctx context.Context, ustr string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", ustr, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return fmt.Errorf("could not get response from server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
		return fmt.Errorf("received non-200 response from %s. code was %d", req.URL.Host, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(out); err != nil {
		return fmt.Errorf("could not unmarshal json: %w", err)
	}

	return nil
}

func (c *Client) ResolvePDSAuthServer(ctx context.Context, ustr string) (string, error) {
	if c.resourceCache != nil {
		if authServer, ok := c.resourceCache.Get(ustr); ok {
			return authServer, nil
		}
	}

	u, err := isSafeAndParsed(ustr)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProtectedResourceUnavailable, err)
	}

	u.Path = "/.well-known/oauth-protected-resource"

	var resource OauthProtectedResource
	if err := c.getJSON(ctx, u.String(), &resource); err != nil {
		return "", fmt.Errorf("%w: %w", ErrProtectedResourceUnavailable, err)
	}

	if len(resource.AuthorizationServers) == 0 {
		return "", fmt.Errorf("%w: oauth protected resource contained no authorization servers", ErrProtectedResourceUnavailable)
	}

	authServer := resource.AuthorizationServers[0]

	if c.resourceCache != nil {
		c.resourceCache.Add(ustr, authServer)
	}

	return authServer, nil
}

func (c *Client) FetchAuthServerMetadata(ctx context.Context, ustr string) (*OauthAuthorizationMetadata, error) {
	if c.metadataCache != nil {
		if cached, ok := c.metadataCache.Get(ustr); ok {
			return &cached, nil
		}
	}

	u, err := isSafeAndParsed(ustr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthorizationServerMetadataUnavailable, err)
	}

	u.Path = "/.well-known/oauth-authorization-server"

	var metadata OauthAuthorizationMetadata
	if err := c.getJSON(ctx, u.String(), &metadata); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthorizationServerMetadataUnavailable, err)
	}

	if err := metadata.Validate(u); err != nil {
		return nil, fmt.Errorf("%w: could not validate metadata: %w", ErrAuthorizationServerMetadataUnavailable, err)
	}

	if c.metadataCache != nil {
		c.metadataCache.Add(ustr, metadata)
	}

	return &metadata, nil
}

// Discover finds and validates the authorization server protecting pds.
func (c *Client) Discover(ctx context.Context, pds string) (*OauthAuthorizationMetadata, error) {
	authServer, err := c.ResolvePDSAuthServer(ctx, pds)
	if err != nil {
		return nil, err
	}

	meta, err := c.FetchAuthServerMetadata(ctx, authServer)
	if err != nil {
		c.invalidateDiscovery(pds, authServer)
		return nil, err
	}

	return meta, nil
}

// invalidateDiscovery forgets cached discovery documents, used once a request
// built from them has been refused.
func (c *Client) invalidateDiscovery(pds, issuer string) {
	if c.metadataCache != nil && issuer != "" {
		c.metadataCache.Remove(issuer)
	}

	if c.resourceCache == nil || pds == "" {
		return
	}

	// metadata is cached under the url the resource document named, which may
	// be spelled differently from the issuer
	if authServer, ok := c.resourceCache.Peek(pds); ok && c.metadataCache != nil {
		c.metadataCache.Remove(authServer)
	}

	c.resourceCache.Remove(pds)
}

func (c *Client) ClientAssertionJwt(authServerUrl string) (string, error) {
	now := c.now()

	claims := jwt.MapClaims{
		"iss": c.clientId,
		"sub": c.clientId,
		"aud": authServerUrl,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(clientAssertionLifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.clientKid

	tokenString, err := token.SignedString(c.clientPrivateKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProofSigning, err)
	}

	return tokenString, nil
}

// authServerPost sends a dpop signed form post to the authorization server and
// decodes a successful json answer into out. buildForm runs once per attempt so
// a nonce retry carries its own client assertion.
func (c *Client) authServerPost(ctx context.Context, endpoint, target string, buildForm func() (any, error), dpopKey jwk.Key, nonce string, out any) (string, error) {
	if _, err := isSafeAndParsed(target); err != nil {
		return nonce, err
	}

	resp, nonce, err := c.SignedRequest(ctx, SignedRequestArgs{
		Method: "POST",
		Url:    target,
		NewBody: func() ([]byte, error) {
			form, err := buildForm()
			if err != nil {
				return nil, err
			}

			vals, err := query.Values(form)
			if err != nil {
				return nil, err
			}

			return []byte(vals.Encode()), nil
		},
		ContentType: "application/x-www-form-urlencoded",
		DpopKey:     dpopKey,
		DpopNonce:   nonce,
		endpoint:    endpoint,
	})
	if err != nil {
		return nonce, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		perr := readProtocolError(target, resp)
		c.logger.Warn("authorization server request failed", "endpoint", endpoint, "statusCode", perr.StatusCode, "error", perr.ErrorCode)
		return nonce, perr
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(out); err != nil {
		return nonce, fmt.Errorf("could not decode %s response: %w", endpoint, err)
	}

	return nonce, nil
}

type ParRequestArgs struct {
	State         string
	CodeChallenge string
	LoginHint     string
	DpopKey       jwk.Key
}

type SendParAuthResponse struct {
	RequestUri          string
	ExpiresIn           int
	DpopAuthserverNonce string
}

func (c *Client) SendParAuthRequest(ctx context.Context, authServerMeta *OauthAuthorizationMetadata, args ParRequestArgs) (*SendParAuthResponse, error) {
	if authServerMeta == nil {
		return nil, fmt.Errorf("nil metadata provided")
	}

	buildForm := func() (any, error) {
		clientAssertion, err := c.ClientAssertionJwt(authServerMeta.Issuer)
		if err != nil {
			return nil, err
		}

		return PushedAuthRequest{
			ClientID:            c.clientId,
			ResponseType:        ResponseTypeCode,
			Scope:               c.scope,
			RedirectURI:         c.redirectUri,
			State:               args.State,
			CodeChallenge:       args.CodeChallenge,
			CodeChallengeMethod: CodeChallengeMethodS256,
			ClientAssertionType: ClientAssertionTypeJwtBearer,
			ClientAssertion:     clientAssertion,
			LoginHint:           args.LoginHint,
		}, nil
	}

	var parResp PushedAuthResponse
	nonce, err := c.authServerPost(ctx, "par", authServerMeta.PushedAuthorizationRequestEndpoint, buildForm, args.DpopKey, "", &parResp)
	if err != nil {
		return nil, err
	}

	if parResp.RequestURI == "" {
		return nil, fmt.Errorf("par response did not contain a request_uri")
	}

	return &SendParAuthResponse{
		RequestUri:          parResp.RequestURI,
		ExpiresIn:           parResp.ExpiresIn,
		DpopAuthserverNonce: nonce,
	}, nil
}

// InitialTokenRequest exchanges code using the verifier, issuer, token endpoint
// and dpop key stored in flow.
func (c *Client) InitialTokenRequest(ctx context.Context, flow *FlowState, code string) (*TokenResponse, error) {
	dpopKey, err := flow.DpopKey()
	if err != nil {
		return nil, fmt.Errorf("%w: could not load flow dpop key: %w", ErrProofSigning, err)
	}

	buildForm := func() (any, error) {
		clientAssertion, err := c.ClientAssertionJwt(flow.AuthserverIss)
		if err != nil {
			return nil, err
		}

		return InitialTokenRequest{
			ClientID:            c.clientId,
			GrantType:           GrantTypeAuthorizationCode,
			Code:                code,
			RedirectURI:         c.redirectUri,
			CodeVerifier:        flow.PkceVerifier,
			ClientAssertionType: ClientAssertionTypeJwtBearer,
			ClientAssertion:     clientAssertion,
		}, nil
	}

	var tokenResponse TokenResponse
	nonce, err := c.authServerPost(ctx, "token", flow.TokenEndpoint, buildForm, dpopKey, flow.DpopAuthserverNonce, &tokenResponse)
	if err != nil {
		return nil, err
	}

	tokenResponse.DpopAuthserverNonce = nonce

	return &tokenResponse, nil
}

func (c *Client) RefreshTokenRequest(ctx context.Context, flow *FlowState) (*TokenResponse, error) {
	if flow.RefreshToken == "" {
		return nil, fmt.Errorf("flow has no refresh token")
	}

	dpopKey, err := flow.DpopKey()
	if err != nil {
		return nil, fmt.Errorf("%w: could not load flow dpop key: %w", ErrProofSigning, err)
	}

	buildForm := func() (any, error) {
		clientAssertion, err := c.ClientAssertionJwt(flow.AuthserverIss)
		if err != nil {
			return nil, err
		}

		return RefreshTokenRequest{
			ClientID:            c.clientId,
			GrantType:           GrantTypeRefreshToken,
			RefreshToken:        flow.RefreshToken,
			ClientAssertionType: ClientAssertionTypeJwtBearer,
			ClientAssertion:     clientAssertion,
		}, nil
	}

	var tokenResponse TokenResponse
	nonce, err := c.authServerPost(ctx, "token", flow.TokenEndpoint, buildForm, dpopKey, flow.DpopAuthserverNonce, &tokenResponse)
	if err != nil {
		return nil, err
	}

	// set the nonce so that updates are reflected in response
	tokenResponse.DpopAuthserverNonce = nonce

	return &tokenResponse, nil
}
