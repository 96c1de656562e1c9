package main

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	oauth "github.com/streamplace/atproto-oauth-flow"
)

const (
	sessionName = "session"
	// refresh tokens that are this close to expiring
	refreshWindow = 5 * time.Minute
)

type Server struct {
	oauthClient *oauth.Client
	metadata    oauth.ClientMetadata
	logger      *slog.Logger
}

func clientMetadata(publicUrl, scope string) oauth.ClientMetadata {
	return oauth.ClientMetadata{
		ClientID:                    publicUrl + "/oauth/client-metadata.json",
		ClientName:                  "Atproto Oauth Demo",
		ClientURI:                   publicUrl,
		RedirectURIs:                []string{publicUrl + "/oauth/callback"},
		GrantTypes:                  []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		ResponseTypes:               []string{oauth.ResponseTypeCode},
		Scope:                       scope,
		ApplicationType:             "web",
		TokenEndpointAuthMethod:     "private_key_jwt",
		TokenEndpointAuthSigningAlg: "ES256",
		DpopBoundAccessTokens:       true,
		JwksURI:                     publicUrl + "/oauth/jwks.json",
	}
}

const indexPage = `<!doctype html>
<html>
<body>
<form method="post" action="/oauth/login">
<input name="auth-input" placeholder="alice.bsky.social">
<button type="submit">Sign in</button>
</form>
<p><a href="/oauth/session">session</a></p>
<form method="post" action="/logout"><button type="submit">Log out</button></form>
</body>
</html>`

func (s *Server) handleIndex(e echo.Context) error {
	return e.HTML(http.StatusOK, indexPage)
}

func (s *Server) handleClientMetadata(e echo.Context) error {
	return e.JSON(http.StatusOK, s.metadata)
}

func (s *Server) handleJwks(e echo.Context) error {
	jwks, err := s.oauthClient.PublicJwks()
	if err != nil {
		return err
	}

	return e.JSON(http.StatusOK, jwks)
}

func (s *Server) handleLoginSubmit(e echo.Context) error {
	authInput := strings.TrimSpace(e.FormValue("auth-input"))
	if authInput == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "enter a handle or did")
	}

	started, err := s.oauthClient.StartFlow(e.Request().Context(), authInput)
	if err != nil {
		return err
	}

	sess, err := session.Get(sessionName, e)
	if err != nil {
		return err
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(oauth.DefaultFlowTTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}

	// make sure the session is empty
	sess.Values = map[interface{}]interface{}{}
	sess.Values["oauth_state"] = started.State

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, started.RedirectUrl)
}

func (s *Server) handleCallback(e echo.Context) error {
	resState := e.QueryParam("state")
	resIss := e.QueryParam("iss")
	resCode := e.QueryParam("code")

	if errCode := e.QueryParam("error"); errCode != "" {
		s.logger.Info("authorization was not granted", "error", errCode)
		return echo.NewHTTPError(http.StatusForbidden, "authorization was not granted")
	}

	if resState == "" || resIss == "" || resCode == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request missing needed parameters")
	}

	sess, err := session.Get(sessionName, e)
	if err != nil {
		return err
	}

	// the state must come back to the browser that started the flow
	if sessState, _ := sess.Values["oauth_state"].(string); sessState != resState {
		return echo.NewHTTPError(http.StatusBadRequest, "session state does not match response state")
	}

	flow, err := s.oauthClient.CompleteFlowWithIssuer(e.Request().Context(), resState, resCode, resIss)
	if err != nil {
		return err
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(oauth.DefaultSessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}

	sess.Values = map[interface{}]interface{}{}
	sess.Values["flow"] = flow.State
	sess.Values["did"] = flow.Did

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, "/oauth/session")
}

func (s *Server) handleSession(e echo.Context) error {
	ctx := e.Request().Context()

	sess, err := session.Get(sessionName, e)
	if err != nil {
		return err
	}

	state, ok := sess.Values["flow"].(string)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "not signed in")
	}

	flow, err := s.oauthClient.GetFlow(ctx, state)
	if err != nil {
		return err
	}

	if !flow.TokenExpiresAt.IsZero() && time.Until(flow.TokenExpiresAt) <= refreshWindow {
		if _, err := s.oauthClient.RefreshFlow(ctx, state); err != nil {
			return err
		}
	}

	resp, err := s.oauthClient.PdsRequest(ctx, state, "GET", "/xrpc/com.atproto.server.getSession", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return e.Stream(resp.StatusCode, echo.MIMEApplicationJSON, resp.Body)
}

func (s *Server) handleLogout(e echo.Context) error {
	sess, err := session.Get(sessionName, e)
	if err != nil {
		return err
	}

	if state, ok := sess.Values["flow"].(string); ok {
		if err := s.oauthClient.ReleaseFlow(e.Request().Context(), state); err != nil {
			return err
		}
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	}

	if err := sess.Save(e.Request(), e.Response()); err != nil {
		return err
	}

	return e.Redirect(http.StatusFound, "/")
}
