package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/streamplace/atproto-oauth-flow/internal/helpers"
)

type StartedFlow struct {
	// where the user should be sent to authorize
	RedirectUrl string
	// comes back on the callback, callers may bind it to the user's browser
	State string
}

// BeginFlow resolves handle, discovers its authorization server and pushes an
// authorization request. The returned url is where the user should be sent.
// Nothing is stored unless every step succeeded.
func (c *Client) BeginFlow(ctx context.Context, handle string) (string, error) {
	started, err := c.StartFlow(ctx, handle)
	if err != nil {
		return "", err
	}

	return started.RedirectUrl, nil
}

// StartFlow is BeginFlow, also handing back the generated state.
func (c *Client) StartFlow(ctx context.Context, handle string) (*StartedFlow, error) {
	log := c.logger.With("input", handle)

	log.Debug("oauth flow step", "step", StepResolving)
	ident, err := c.ResolveIdentity(ctx, handle)
	if err != nil {
		return nil, c.failFlow(StepResolving, err)
	}

	log = log.With("did", ident.Did.String())

	log.Debug("oauth flow step", "step", StepDiscovering, "pds", ident.PdsUrl)
	meta, err := c.Discover(ctx, ident.PdsUrl)
	if err != nil {
		return nil, c.failFlow(StepDiscovering, err)
	}

	log.Debug("oauth flow step", "step", StepRequestingPar, "issuer", meta.Issuer)

	dpopKey, err := GenerateKey(nil)
	if err != nil {
		return nil, c.failFlow(StepRequestingPar, fmt.Errorf("%w: could not generate dpop key: %w", ErrProofSigning, err))
	}

	dpopKeyJson, err := marshalKey(dpopKey)
	if err != nil {
		return nil, c.failFlow(StepRequestingPar, err)
	}

	state, err := helpers.GenerateState()
	if err != nil {
		return nil, c.failFlow(StepRequestingPar, err)
	}

	verifier, challenge, err := helpers.GeneratePkcePair()
	if err != nil {
		return nil, c.failFlow(StepRequestingPar, err)
	}

	loginHint := ident.Did.String()
	if ident.Handle != "" {
		loginHint = ident.Handle.String()
	}

	parResp, err := c.SendParAuthRequest(ctx, meta, ParRequestArgs{
		State:         state,
		CodeChallenge: challenge,
		LoginHint:     loginHint,
		DpopKey:       dpopKey,
	})
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			c.invalidateDiscovery(ident.PdsUrl, meta.Issuer)
		}
		return nil, c.failFlow(StepRequestingPar, err)
	}

	redirectUrl, err := authorizationRedirect(meta.AuthorizationEndpoint, c.clientId, parResp.RequestUri)
	if err != nil {
		return nil, c.failFlow(StepRequestingPar, err)
	}

	// the caller may have given up while the par request was in flight
	if err := ctx.Err(); err != nil {
		return nil, c.failFlow(StepRequestingPar, err)
	}

	now := c.now()
	flow := FlowState{
		State:               state,
		Step:                StepAwaitingCallback,
		Did:                 ident.Did.String(),
		LoginHint:           loginHint,
		PdsUrl:              ident.PdsUrl,
		AuthserverIss:       meta.Issuer,
		TokenEndpoint:       meta.TokenEndpoint,
		PkceVerifier:        verifier,
		DpopPrivateJwk:      dpopKeyJson,
		DpopAuthserverNonce: parResp.DpopAuthserverNonce,
		CreatedAt:           now,
		ExpiresAt:           now.Add(c.flowTTL),
	}

	if err := c.store.SaveFlow(ctx, flow); err != nil {
		return nil, c.failFlow(StepRequestingPar, fmt.Errorf("could not save oauth flow: %w", err))
	}

	flowsStarted.Inc()
	log.Debug("oauth flow step", "step", StepAwaitingCallback)

	return &StartedFlow{
		RedirectUrl: redirectUrl,
		State:       state,
	}, nil
}

func authorizationRedirect(endpoint, clientId, requestUri string) (string, error) {
	u, err := isSafeAndParsed(endpoint)
	if err != nil {
		return "", fmt.Errorf("bad authorization endpoint: %w", err)
	}

	q := u.Query()
	q.Set("client_id", clientId)
	q.Set("request_uri", requestUri)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (c *Client) failFlow(step FlowStep, err error) error {
	flowFailures.WithLabelValues(string(step)).Inc()
	c.logger.Warn("oauth flow failed", "step", step, "err", err)
	return flowErr(step, err)
}

// CompleteFlow exchanges the code the authorization server sent back for a
// token. A state can be completed once; later calls get ErrAlreadyCompleted
// without any request being made.
func (c *Client) CompleteFlow(ctx context.Context, state, code string) (*FlowState, error) {
	return c.completeFlow(ctx, state, code, nil)
}

// CompleteFlowWithIssuer is CompleteFlow for callbacks that carry the iss
// parameter, which must match the issuer the flow was started against.
func (c *Client) CompleteFlowWithIssuer(ctx context.Context, state, code, iss string) (*FlowState, error) {
	return c.completeFlow(ctx, state, code, &iss)
}

func (c *Client) completeFlow(ctx context.Context, state, code string, iss *string) (*FlowState, error) {
	if state == "" {
		return nil, ErrUnknownOrExpiredState
	}

	if code == "" {
		return nil, fmt.Errorf("callback did not include a code")
	}

	flow, err := c.store.GetFlow(ctx, state)
	if err != nil {
		return nil, err
	}

	if iss != nil && *iss != flow.AuthserverIss {
		c.logger.Warn("callback issuer mismatch", "did", flow.Did, "expected", flow.AuthserverIss, "got", *iss)
		return nil, ErrIssuerMismatch
	}

	flow, err = c.store.ClaimFlow(ctx, state)
	if err != nil {
		return nil, err
	}

	log := c.logger.With("did", flow.Did)
	log.Debug("oauth flow step", "step", StepExchangingToken)

	tokenResp, err := c.InitialTokenRequest(ctx, flow, code)
	if err != nil {
		return nil, c.failExchange(ctx, flow, err)
	}

	tokens, err := c.tokenSetFromResponse(flow, tokenResp)
	if err != nil {
		return nil, c.failExchange(ctx, flow, err)
	}

	retainUntil := c.now().Add(c.sessionTTL)
	if err := c.store.AttachTokens(ctx, state, *tokens, retainUntil); err != nil {
		return nil, c.failExchange(ctx, flow, fmt.Errorf("could not store tokens: %w", err))
	}

	flow.applyTokens(*tokens, retainUntil)

	flowsCompleted.Inc()
	log.Debug("oauth flow step", "step", StepCompleted)

	return flow, nil
}

// failExchange marks a claimed flow failed. The code was spent on the attempt,
// so the user has to start over.
func (c *Client) failExchange(ctx context.Context, flow *FlowState, err error) error {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		c.invalidateDiscovery(flow.PdsUrl, flow.AuthserverIss)
	}

	if ferr := c.store.FailFlow(context.WithoutCancel(ctx), flow.State); ferr != nil {
		c.logger.Warn("could not mark oauth flow failed", "did", flow.Did, "err", ferr)
	}

	return c.failFlow(StepExchangingToken, err)
}

// tokenSetFromResponse checks that the token is one we can use for this flow.
func (c *Client) tokenSetFromResponse(flow *FlowState, resp *TokenResponse) (*TokenSet, error) {
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access token", ErrInvalidTokenResult)
	}

	if !strings.EqualFold(resp.TokenType, "DPoP") {
		return nil, fmt.Errorf("%w: token type was %q, not DPoP", ErrInvalidTokenResult, resp.TokenType)
	}

	if resp.Sub == "" || (flow.Did != "" && resp.Sub != flow.Did) {
		return nil, fmt.Errorf("%w: token subject does not match the resolved did", ErrInvalidTokenResult)
	}

	if !tokenInSet("atproto", strings.Fields(resp.Scope)) {
		return nil, fmt.Errorf("%w: granted scope does not include atproto", ErrInvalidTokenResult)
	}

	tokens := &TokenSet{
		AccessToken:         resp.AccessToken,
		RefreshToken:        resp.RefreshToken,
		Scope:               resp.Scope,
		Sub:                 resp.Sub,
		DpopAuthserverNonce: resp.DpopAuthserverNonce,
	}

	if resp.ExpiresIn > 0 {
		tokens.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	return tokens, nil
}

// RefreshFlow trades the refresh token of a completed flow for a new token set.
func (c *Client) RefreshFlow(ctx context.Context, state string) (*FlowState, error) {
	flow, err := c.store.GetFlow(ctx, state)
	if err != nil {
		return nil, err
	}

	if flow.Step != StepCompleted {
		return nil, fmt.Errorf("flow is %s, only completed flows can be refreshed", flow.Step)
	}

	tokenResp, err := c.RefreshTokenRequest(ctx, flow)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			c.invalidateDiscovery(flow.PdsUrl, flow.AuthserverIss)
		}
		tokenRefreshes.WithLabelValues("error").Inc()
		return nil, err
	}

	tokens, err := c.tokenSetFromResponse(flow, tokenResp)
	if err != nil {
		tokenRefreshes.WithLabelValues("error").Inc()
		return nil, err
	}

	// servers may rotate the refresh token or keep the old one
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = flow.RefreshToken
	}

	retainUntil := c.now().Add(c.sessionTTL)
	if err := c.store.AttachTokens(ctx, state, *tokens, retainUntil); err != nil {
		tokenRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("could not store refreshed tokens: %w", err)
	}

	flow.applyTokens(*tokens, retainUntil)
	tokenRefreshes.WithLabelValues("ok").Inc()

	return flow, nil
}

// ReleaseFlow forgets a flow and the key its token is bound to.
func (c *Client) ReleaseFlow(ctx context.Context, state string) error {
	return c.store.DeleteFlow(ctx, state)
}

func (c *Client) GetFlow(ctx context.Context, state string) (*FlowState, error) {
	return c.store.GetFlow(ctx, state)
}

// PdsRequest makes a request to the pds of a completed flow with its bound
// access token. path is resolved against the pds url.
func (c *Client) PdsRequest(ctx context.Context, state, method, path string, body []byte, contentType string) (*http.Response, error) {
	flow, err := c.store.GetFlow(ctx, state)
	if err != nil {
		return nil, err
	}

	if flow.Step != StepCompleted || flow.AccessToken == "" {
		return nil, fmt.Errorf("flow is %s and has no access token", flow.Step)
	}

	dpopKey, err := flow.DpopKey()
	if err != nil {
		return nil, fmt.Errorf("%w: could not load flow dpop key: %w", ErrProofSigning, err)
	}

	base, err := url.Parse(flow.PdsUrl)
	if err != nil {
		return nil, err
	}

	target, err := base.Parse(path)
	if err != nil {
		return nil, err
	}

	// the access token only ever goes to the pds it was issued for
	if target.Scheme != base.Scheme || target.Host != base.Host {
		return nil, fmt.Errorf("request target %s is not on pds %s", target.Redacted(), flow.PdsUrl)
	}

	resp, _, err := c.SignedRequest(ctx, SignedRequestArgs{
		Method:      method,
		Url:         target.String(),
		Body:        body,
		ContentType: contentType,
		DpopKey:     dpopKey,
		AccessToken: flow.AccessToken,
		endpoint:    "resource",
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}
