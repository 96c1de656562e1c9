package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	oauth "github.com/streamplace/atproto-oauth-flow"
)

// errorStatus maps flow errors to a status and a message that is safe to show
// the user. Server error bodies never reach the browser.
func errorStatus(err error) (int, string) {
	var perr *oauth.ProtocolError

	switch {
	case errors.Is(err, oauth.ErrHandleNotResolvable),
		errors.Is(err, oauth.ErrDidDocumentUnavailable),
		errors.Is(err, oauth.ErrNoPdsInDocument):
		return http.StatusBadRequest, "could not find that account, check your handle"
	case errors.Is(err, oauth.ErrUnknownOrExpiredState):
		return http.StatusBadRequest, "this sign in has expired, please start again"
	case errors.Is(err, oauth.ErrAlreadyCompleted):
		return http.StatusConflict, "this sign in was already used, please start again"
	case errors.Is(err, oauth.ErrIssuerMismatch):
		return http.StatusBadRequest, "sign in response came from the wrong server"
	case errors.Is(err, oauth.ErrProtectedResourceUnavailable),
		errors.Is(err, oauth.ErrAuthorizationServerMetadataUnavailable):
		return http.StatusBadGateway, "your server does not support oauth sign in"
	case errors.Is(err, oauth.ErrDpopNonceRejected),
		errors.Is(err, oauth.ErrInvalidTokenResult),
		errors.As(err, &perr):
		return http.StatusBadGateway, "your server rejected the sign in"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "your server took too long to answer"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) errorHandler(next echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	return func(err error, e echo.Context) {
		var herr *echo.HTTPError
		if errors.As(err, &herr) {
			next(err, e)
			return
		}

		status, msg := errorStatus(err)

		args := []any{"status", status, "err", err}
		var ferr *oauth.FlowError
		if errors.As(err, &ferr) {
			args = append(args, "step", ferr.Step)
		}
		var perr *oauth.ProtocolError
		if errors.As(err, &perr) {
			args = append(args, "body", perr.Body)
		}
		s.logger.Warn("request failed", args...)

		next(echo.NewHTTPError(status, msg), e)
	}
}
