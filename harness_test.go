package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
)

const (
	testClientId    = "https://app.example/oauth/client-metadata.json"
	testRedirectUri = "https://app.example/oauth/callback"
	testPds         = "https://pds.example"
	testIssuer      = "https://auth.example"
	testDid         = "did:plc:abc123"
	testHandle      = "alice.example"
	testRequestUri  = "urn:ietf:params:oauth:request_uri:req-abc"
)

// hostRouter serves requests in process, picking a handler by host.
type hostRouter struct {
	hosts map[string]http.Handler
}

func (r *hostRouter) RoundTrip(req *http.Request) (*http.Response, error) {
	h, ok := r.hosts[req.URL.Host]
	if !ok {
		return nil, fmt.Errorf("no route to host %s", req.URL.Host)
	}

	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

type fakeResolver struct {
	mu       sync.Mutex
	handles  map[string]string
	docs     map[string]*identity.DIDDocument
	didCalls int
}

func (f *fakeResolver) ResolveHandle(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	did, ok := f.handles[handle.String()]
	if !ok {
		return "", identity.ErrHandleNotFound
	}

	return syntax.DID(did), nil
}

func (f *fakeResolver) ResolveDID(ctx context.Context, did syntax.DID) (*identity.DIDDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.didCalls++
	doc, ok := f.docs[did.String()]
	if !ok {
		return nil, identity.ErrDIDNotFound
	}

	return doc, nil
}

func pdsDocument(did, endpoint string) *identity.DIDDocument {
	return &identity.DIDDocument{
		DID: syntax.DID(did),
		Service: []identity.DocService{
			{
				ID:              "#atproto_pds",
				Type:            "AtprotoPersonalDataServer",
				ServiceEndpoint: endpoint,
			},
		},
	}
}

// seenProof is one dpop proof as the fake servers received it.
type seenProof struct {
	Path       string
	Claims     jwt.MapClaims
	Thumbprint string
	Form       url.Values
	Auth       string
}

// fakeAuthServer is a pds and its authorization server.
type fakeAuthServer struct {
	t *testing.T

	mu sync.Mutex

	metadata OauthAuthorizationMetadata
	// authorization_servers of the protected resource document, testIssuer when empty
	authServers []string

	// when set, proofs without this nonce get a use_dpop_nonce challenge
	requiredNonce string
	// when set, every proof is challenged regardless of its nonce
	alwaysChallenge bool

	parStatus     int
	tokenStatus   int
	tokenResponse map[string]any
	// delays the token endpoint to widen races
	tokenDelay time.Duration
	// runs before a par request is answered
	parHook func()

	proofs          []seenProof
	parRequests     int
	tokenRequests   int
	metadataFetches int
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	return &fakeAuthServer{
		t:        t,
		metadata: testMetadata(),
		tokenResponse: map[string]any{
			"access_token":  "access-1",
			"token_type":    "DPoP",
			"expires_in":    3600,
			"refresh_token": "refresh-1",
			"scope":         "atproto transition:generic",
			"sub":           testDid,
		},
	}
}

func testMetadata() OauthAuthorizationMetadata {
	return OauthAuthorizationMetadata{
		Issuer:                                     testIssuer,
		ScopesSupported:                            []string{"atproto", "transition:generic"},
		ResponseTypesSupported:                     []string{"code"},
		GrantTypesSupported:                        []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:              []string{"S256"},
		TokenEndpointAuthMethodsSupported:          []string{"none", "private_key_jwt"},
		TokenEndpointAuthSigningAlgValuesSupported: []string{"ES256"},
		AuthorizationResponseISSParameterSupported: true,
		AuthorizationEndpoint:                      testIssuer + "/authorize",
		TokenEndpoint:                              testIssuer + "/token",
		PushedAuthorizationRequestEndpoint:         testIssuer + "/par",
		RequirePushedAuthorizationRequests:         true,
		DpopSigningAlgValuesSupported:              []string{"ES256"},
		ClientIDMetadataDocumentSupported:          true,
	}
}

func (s *fakeAuthServer) pdsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		authServers := s.authServers
		s.mu.Unlock()

		if len(authServers) == 0 {
			authServers = []string{testIssuer}
		}

		writeJSON(w, http.StatusOK, OauthProtectedResource{
			Resource:             testPds,
			AuthorizationServers: authServers,
		})
	})
	mux.HandleFunc("GET /xrpc/com.atproto.server.getSession", func(w http.ResponseWriter, r *http.Request) {
		if s.challenge(w, r, true) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"did": testDid, "handle": testHandle})
	})
	return mux
}

func (s *fakeAuthServer) authHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.metadataFetches++
		meta := s.metadata
		s.mu.Unlock()

		writeJSON(w, http.StatusOK, meta)
	})
	mux.HandleFunc("POST /par", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.parRequests++
		status := s.parStatus
		hook := s.parHook
		s.mu.Unlock()

		if hook != nil {
			hook()
		}

		if s.challenge(w, r, false) {
			return
		}

		if status != 0 {
			writeJSON(w, status, map[string]string{"error": "invalid_request", "error_description": "rejected"})
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"request_uri": testRequestUri, "expires_in": 60})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.tokenRequests++
		status := s.tokenStatus
		resp := s.tokenResponse
		delay := s.tokenDelay
		nonce := s.requiredNonce
		s.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		if s.challenge(w, r, false) {
			return
		}

		if status != 0 {
			writeJSON(w, status, map[string]string{"error": "invalid_grant"})
			return
		}

		if nonce != "" {
			w.Header().Set("DPoP-Nonce", nonce)
		}
		writeJSON(w, http.StatusOK, resp)
	})
	return mux
}

// challenge verifies and records the dpop proof on r, answering with a nonce
// challenge when the proof does not carry the nonce the server wants.
func (s *fakeAuthServer) challenge(w http.ResponseWriter, r *http.Request, resource bool) bool {
	if err := r.ParseForm(); err != nil {
		s.t.Errorf("bad form: %v", err)
	}

	claims, thumbprint := verifyDpopProof(s.t, r.Header.Get("DPoP"))

	s.mu.Lock()
	s.proofs = append(s.proofs, seenProof{
		Path:       r.URL.Path,
		Claims:     claims,
		Thumbprint: thumbprint,
		Form:       r.PostForm,
		Auth:       r.Header.Get("Authorization"),
	})
	want := s.requiredNonce
	always := s.alwaysChallenge
	s.mu.Unlock()

	if claims == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_dpop_proof"})
		return true
	}

	nonce, _ := claims["nonce"].(string)
	if !always && (want == "" || nonce == want) {
		return false
	}

	if want == "" {
		want = "server-nonce"
	}

	w.Header().Set("DPoP-Nonce", want)
	if resource {
		w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce", error_description="Resource server requires nonce in DPoP proof"`)
		w.WriteHeader(http.StatusUnauthorized)
		return true
	}

	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "use_dpop_nonce", "error_description": "Authorization server requires nonce in DPoP proof"})
	return true
}

func (s *fakeAuthServer) seenProofs() []seenProof {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]seenProof, len(s.proofs))
	copy(out, s.proofs)
	return out
}

func (s *fakeAuthServer) proofsFor(path string) []seenProof {
	var out []seenProof
	for _, p := range s.seenProofs() {
		if p.Path == path {
			out = append(out, p)
		}
	}
	return out
}

func (s *fakeAuthServer) set(fn func(s *fakeAuthServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeAuthServer) counts() (par, token int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.parRequests, s.tokenRequests
}

// verifyDpopProof checks the proof signature against the key in its own
// header and returns its claims and that key's thumbprint.
func verifyDpopProof(t *testing.T, proof string) (jwt.MapClaims, string) {
	if proof == "" {
		t.Errorf("request carried no dpop proof")
		return nil, ""
	}

	var thumbprint string
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(proof, claims, func(token *jwt.Token) (any, error) {
		if typ, _ := token.Header["typ"].(string); typ != "dpop+jwt" {
			return nil, fmt.Errorf("bad typ header %q", typ)
		}

		b, err := json.Marshal(token.Header["jwk"])
		if err != nil {
			return nil, err
		}

		key, err := jwk.ParseKey(b)
		if err != nil {
			return nil, err
		}

		if _, isPrivate := key.(jwk.ECDSAPrivateKey); isPrivate {
			return nil, fmt.Errorf("proof header carries a private key")
		}

		thumbprint, err = KeyThumbprint(key)
		if err != nil {
			return nil, err
		}

		return getPublicKey(key)
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil || !token.Valid {
		t.Errorf("invalid dpop proof: %v", err)
		return nil, ""
	}

	return claims, thumbprint
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type testEnv struct {
	client    *Client
	server    *fakeAuthServer
	resolver  *fakeResolver
	store     *MemStore
	clientKey jwk.Key
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithStore(t, nil)
}

func newTestEnvWithStore(t *testing.T, store FlowStore) *testEnv {
	require := require.New(t)

	server := newFakeAuthServer(t)
	resolver := &fakeResolver{
		handles: map[string]string{testHandle: testDid},
		docs:    map[string]*identity.DIDDocument{testDid: pdsDocument(testDid, testPds)},
	}

	router := &hostRouter{hosts: map[string]http.Handler{
		"pds.example":  server.pdsHandler(),
		"auth.example": server.authHandler(),
	}}

	prefix := "test"
	clientKey, err := GenerateKey(&prefix)
	require.NoError(err)

	env := &testEnv{
		server:    server,
		resolver:  resolver,
		clientKey: clientKey,
	}

	if store == nil {
		env.store = NewMemStore()
		store = env.store
	}

	client, err := NewClient(ClientArgs{
		H:                &http.Client{Transport: router, Timeout: 5 * time.Second},
		ClientJwk:        clientKey,
		ClientId:         testClientId,
		RedirectUri:      testRedirectUri,
		Store:            store,
		IdentityResolver: resolver,
		Logger:           discardLogger(),
	})
	require.NoError(err)

	env.client = client
	return env
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// storedFlows returns every record in the env's memory store.
func (e *testEnv) storedFlows() []FlowState {
	e.store.lk.Lock()
	defer e.store.lk.Unlock()

	var out []FlowState
	for _, f := range e.store.flows {
		out = append(out, f)
	}
	return out
}
