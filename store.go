package oauth

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

type FlowStep string

const (
	StepResolving        FlowStep = "resolving"
	StepDiscovering      FlowStep = "discovering"
	StepRequestingPar    FlowStep = "requesting_par"
	StepAwaitingCallback FlowStep = "awaiting_callback"
	StepExchangingToken  FlowStep = "exchanging_token"
	StepCompleted        FlowStep = "completed"
	StepFailed           FlowStep = "failed"
)

func (s FlowStep) description() string {
	switch s {
	case StepResolving:
		return "resolving handle"
	case StepDiscovering:
		return "discovering authorization server"
	case StepRequestingPar:
		return "submitting pushed authorization request"
	case StepExchangingToken:
		return "exchanging authorization code"
	default:
		return string(s)
	}
}

// FlowState is everything that has to survive the redirect to the authorization
// server and back. It is keyed by State, which is also the only credential the
// callback carries.
type FlowState struct {
	State         string
	Step          FlowStep
	Did           string
	LoginHint     string
	PdsUrl        string
	AuthserverIss string
	TokenEndpoint string
	PkceVerifier  string

	// json encoded private jwk, generated for this flow only
	DpopPrivateJwk      string
	DpopAuthserverNonce string

	AccessToken    string
	RefreshToken   string
	Scope          string
	TokenExpiresAt time.Time

	CreatedAt time.Time
	ExpiresAt time.Time
}

func (f *FlowState) DpopKey() (jwk.Key, error) {
	return ParseKeyFromBytes([]byte(f.DpopPrivateJwk))
}

func (f *FlowState) expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && !now.Before(f.ExpiresAt)
}

// TokenSet is the result of a successful code exchange or refresh.
type TokenSet struct {
	AccessToken         string
	RefreshToken        string
	Scope               string
	Sub                 string
	ExpiresAt           time.Time
	DpopAuthserverNonce string
}

func (f *FlowState) applyTokens(tokens TokenSet, retainUntil time.Time) {
	f.Step = StepCompleted
	f.AccessToken = tokens.AccessToken
	f.RefreshToken = tokens.RefreshToken
	f.Scope = tokens.Scope
	f.TokenExpiresAt = tokens.ExpiresAt
	f.DpopAuthserverNonce = tokens.DpopAuthserverNonce
	if f.Did == "" {
		f.Did = tokens.Sub
	}
	f.ExpiresAt = retainUntil
}

// FlowStore persists flow records between BeginFlow and CompleteFlow.
//
// Implementations must be safe for concurrent use, must treat expired records
// as absent, and must hand out copies so callers cannot mutate stored records.
type FlowStore interface {
	// SaveFlow inserts a new record keyed by flow.State.
	SaveFlow(ctx context.Context, flow FlowState) error

	// GetFlow returns ErrUnknownOrExpiredState when no live record exists.
	GetFlow(ctx context.Context, state string) (*FlowState, error)

	// ClaimFlow atomically moves a record from StepAwaitingCallback to
	// StepExchangingToken. Exactly one caller wins; the others get
	// ErrAlreadyCompleted.
	ClaimFlow(ctx context.Context, state string) (*FlowState, error)

	// AttachTokens marks the record completed and stores the issued tokens,
	// keeping the record until retainUntil.
	AttachTokens(ctx context.Context, state string, tokens TokenSet, retainUntil time.Time) error

	// FailFlow moves a record from StepExchangingToken to StepFailed. A failed
	// record can no longer be claimed and is dropped when it expires.
	FailFlow(ctx context.Context, state string) error

	DeleteFlow(ctx context.Context, state string) error

	// PurgeExpired drops abandoned or stale records and reports how many were removed.
	PurgeExpired(ctx context.Context) (int, error)
}
