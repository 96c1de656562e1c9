package oauth

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestNewClient(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	key, err := GenerateKey(nil)
	require.NoError(err)

	_, err = NewClient(ClientArgs{ClientJwk: key, RedirectUri: testRedirectUri})
	assert.Error(err)

	_, err = NewClient(ClientArgs{ClientJwk: key, ClientId: testClientId})
	assert.Error(err)

	_, err = NewClient(ClientArgs{ClientId: testClientId, RedirectUri: testRedirectUri})
	assert.Error(err)

	noKid, err := GenerateKey(nil)
	require.NoError(err)
	require.NoError(noKid.Remove(jwk.KeyIDKey))
	_, err = NewClient(ClientArgs{ClientJwk: noKid, ClientId: testClientId, RedirectUri: testRedirectUri})
	assert.Error(err)

	c, err := NewClient(ClientArgs{ClientJwk: key, ClientId: testClientId, RedirectUri: testRedirectUri})
	require.NoError(err)
	assert.Equal(DefaultScope, c.scope)
	assert.Equal(DefaultFlowTTL, c.flowTTL)
	assert.Equal(DefaultSessionTTL, c.sessionTTL)
	assert.Equal(DefaultHTTPTimeout, c.h.Timeout)
	assert.IsType(&MemStore{}, c.Store())
	assert.NotNil(c.resourceCache)
	assert.Equal(testClientId, c.ClientId())
}

func TestResolvePDSAuthServer(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)

	authServer, err := env.client.ResolvePDSAuthServer(ctx, testPds)

	assert.NoError(err)
	assert.NotEmpty(authServer)
	assert.Equal(testIssuer, authServer)

	_, err = env.client.ResolvePDSAuthServer(ctx, "http://pds.example")
	assert.ErrorIs(err, ErrProtectedResourceUnavailable)

	_, err = env.client.ResolvePDSAuthServer(ctx, "https://unknown.example")
	assert.ErrorIs(err, ErrProtectedResourceUnavailable)
}

func TestFetchAuthServerMetadata(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)

	meta, err := env.client.FetchAuthServerMetadata(ctx, testIssuer)

	assert.NoError(err)
	assert.IsType(&OauthAuthorizationMetadata{}, meta)
	assert.Equal(testIssuer+"/par", meta.PushedAuthorizationRequestEndpoint)
}

func TestDiscoverCachesDocuments(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)

	for range 3 {
		meta, err := env.client.Discover(ctx, testPds)
		assert.NoError(err)
		assert.Equal(testIssuer, meta.Issuer)
	}

	env.server.set(func(s *fakeAuthServer) { assert.Equal(1, s.metadataFetches) })

	// callers get their own copy of cached metadata
	meta, err := env.client.Discover(ctx, testPds)
	assert.NoError(err)
	meta.TokenEndpoint = "https://evil.example/token"

	meta, err = env.client.Discover(ctx, testPds)
	assert.NoError(err)
	assert.Equal(testIssuer+"/token", meta.TokenEndpoint)
}

func TestDiscoverWithoutCache(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)

	c, err := NewClient(ClientArgs{
		H:                env.client.h,
		ClientJwk:        env.clientKey,
		ClientId:         testClientId,
		RedirectUri:      testRedirectUri,
		IdentityResolver: env.resolver,
		Logger:           discardLogger(),
		MetadataCacheTTL: -1,
	})
	assert.NoError(err)

	for range 2 {
		_, err := c.Discover(ctx, testPds)
		assert.NoError(err)
	}

	env.server.set(func(s *fakeAuthServer) { assert.Equal(2, s.metadataFetches) })
}

func TestValidateAuthServerMetadata(t *testing.T) {
	fetchUrl, _ := url.Parse(testIssuer)

	cases := map[string]func(m *OauthAuthorizationMetadata){
		"issuer host":         func(m *OauthAuthorizationMetadata) { m.Issuer = "https://other.example" },
		"issuer scheme":       func(m *OauthAuthorizationMetadata) { m.Issuer = "http://auth.example" },
		"issuer path":         func(m *OauthAuthorizationMetadata) { m.Issuer = "https://auth.example/tenant" },
		"no pkce":             func(m *OauthAuthorizationMetadata) { m.CodeChallengeMethodsSupported = []string{"plain"} },
		"no private key jwt":  func(m *OauthAuthorizationMetadata) { m.TokenEndpointAuthMethodsSupported = []string{"none"} },
		"no dpop es256":       func(m *OauthAuthorizationMetadata) { m.DpopSigningAlgValuesSupported = []string{"RS256"} },
		"no atproto scope":    func(m *OauthAuthorizationMetadata) { m.ScopesSupported = []string{"openid"} },
		"par optional":        func(m *OauthAuthorizationMetadata) { m.RequirePushedAuthorizationRequests = false },
		"no iss parameter":    func(m *OauthAuthorizationMetadata) { m.AuthorizationResponseISSParameterSupported = false },
		"insecure token":      func(m *OauthAuthorizationMetadata) { m.TokenEndpoint = "http://auth.example/token" },
		"par endpoint port":   func(m *OauthAuthorizationMetadata) { m.PushedAuthorizationRequestEndpoint = "https://auth.example:8443/par" },
		"no client metadata":  func(m *OauthAuthorizationMetadata) { m.ClientIDMetadataDocumentSupported = false },
		"no refresh grant":    func(m *OauthAuthorizationMetadata) { m.GrantTypesSupported = []string{"authorization_code"} },
		"missing auth endpnt": func(m *OauthAuthorizationMetadata) { m.AuthorizationEndpoint = "" },
	}

	valid := testMetadata()
	assert.NoError(t, valid.Validate(fetchUrl))

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			meta := testMetadata()
			mutate(&meta)
			assert.Error(t, meta.Validate(fetchUrl))
		})
	}
}

func TestClientAssertionJwt(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)

	first, err := env.client.ClientAssertionJwt(testIssuer)
	assert.NoError(err)
	second, err := env.client.ClientAssertionJwt(testIssuer)
	assert.NoError(err)

	firstClaims := verifyClientAssertion(t, env, first)
	secondClaims := verifyClientAssertion(t, env, second)

	assert.Equal(testIssuer, firstClaims["aud"])
	assert.NotEqual(firstClaims["jti"], secondClaims["jti"])
}

func TestPublicJwks(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t)

	jwks, err := env.client.PublicJwks()
	require.NoError(err)

	b, err := json.Marshal(jwks)
	require.NoError(err)

	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(json.Unmarshal(b, &doc))
	require.Len(doc.Keys, 1)

	assert.Equal(env.clientKey.KeyID(), doc.Keys[0]["kid"])
	assert.Equal("EC", doc.Keys[0]["kty"])
	assert.Equal("P-256", doc.Keys[0]["crv"])
	assert.NotContains(doc.Keys[0], "d")
}

func TestClientMetadataValidate(t *testing.T) {
	assert := assert.New(t)

	meta := ClientMetadata{
		ClientID:                    testClientId,
		RedirectURIs:                []string{testRedirectUri},
		GrantTypes:                  []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		ResponseTypes:               []string{ResponseTypeCode},
		Scope:                       DefaultScope,
		ApplicationType:             "web",
		TokenEndpointAuthMethod:     "private_key_jwt",
		TokenEndpointAuthSigningAlg: "ES256",
		DpopBoundAccessTokens:       true,
		JwksURI:                     "https://app.example/oauth/jwks.json",
	}
	assert.NoError(meta.Validate(testClientId))
	assert.Error(meta.Validate("https://other.example/client-metadata.json"))

	noDpop := meta
	noDpop.DpopBoundAccessTokens = false
	assert.Error(noDpop.Validate(testClientId))

	noAtproto := meta
	noAtproto.Scope = "transition:generic"
	assert.Error(noAtproto.Validate(testClientId))
}
