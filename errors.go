package oauth

import (
	"errors"
	"fmt"
)

// Resolution errors. These usually mean the user typed the wrong handle.
var (
	ErrHandleNotResolvable    = errors.New("handle could not be resolved to a did")
	ErrDidDocumentUnavailable = errors.New("did document unavailable")
	ErrNoPdsInDocument        = errors.New("did document has no pds service")
)

// Discovery errors. These point at a misbehaving or misconfigured server.
var (
	ErrProtectedResourceUnavailable           = errors.New("oauth protected resource unavailable")
	ErrAuthorizationServerMetadataUnavailable = errors.New("authorization server metadata unavailable")
)

// State errors returned at callback time. No token request is made when one of these is returned.
var (
	ErrUnknownOrExpiredState = errors.New("unknown or expired oauth state")
	ErrAlreadyCompleted      = errors.New("oauth state was already used")
	ErrIssuerMismatch        = errors.New("callback issuer does not match flow issuer")
)

var (
	ErrProofSigning       = errors.New("could not sign jwt")
	ErrDpopNonceRejected  = errors.New("server rejected dpop nonce twice")
	ErrInvalidTokenResult = errors.New("invalid token response")
)

type FlowError struct {
	Step FlowStep
	Err  error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("oauth flow failed while %s: %s", e.Step.description(), e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func flowErr(step FlowStep, err error) error {
	return &FlowError{Step: step, Err: err}
}

// ProtocolError is a non-2xx answer from a PAR, token or resource endpoint.
// Body holds the raw response for diagnostics and must not be shown to end users.
type ProtocolError struct {
	Endpoint         string
	StatusCode       int
	ErrorCode        string
	ErrorDescription string
	Body             string
}

func (e *ProtocolError) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("received %d response from %s", e.StatusCode, e.Endpoint)
	}

	if e.ErrorDescription == "" {
		return fmt.Sprintf("received %d response from %s: %s", e.StatusCode, e.Endpoint, e.ErrorCode)
	}

	return fmt.Sprintf("received %d response from %s: %s (%s)", e.StatusCode, e.Endpoint, e.ErrorCode, e.ErrorDescription)
}
