package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"golang.org/x/time/rate"
)

const (
	pdsServiceId   = "#atproto_pds"
	pdsServiceType = "AtprotoPersonalDataServer"
)

// IdentityResolver is the part of indigo's identity tooling the flow needs.
// *identity.BaseDirectory satisfies it.
type IdentityResolver interface {
	ResolveHandle(ctx context.Context, handle syntax.Handle) (syntax.DID, error)
	ResolveDID(ctx context.Context, did syntax.DID) (*identity.DIDDocument, error)
}

// DefaultIdentityResolver resolves handles over dns and https well-known, and
// dids against plc.directory or did:web hosts.
func DefaultIdentityResolver() IdentityResolver {
	return &identity.BaseDirectory{
		PLCURL:     identity.DefaultPLCURL,
		PLCLimiter: rate.NewLimiter(rate.Limit(10), 1),
		HTTPClient: http.Client{
			Timeout: 5 * time.Second,
		},
		Resolver: net.Resolver{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: 3 * time.Second}
				return d.DialContext(ctx, network, address)
			},
		},
		TryAuthoritativeDNS: true,
		// bsky.social handles only resolve over https
		SkipDNSDomainSuffixes: []string{".bsky.social"},
	}
}

type ResolvedIdentity struct {
	Did syntax.DID
	// empty when the flow was started from a did
	Handle syntax.Handle
	PdsUrl string
}

// ResolveIdentity turns a handle or did into the did and its pds endpoint.
// Any missing link is a terminal error.
func (c *Client) ResolveIdentity(ctx context.Context, handleOrDid string) (*ResolvedIdentity, error) {
	input := strings.TrimSpace(handleOrDid)
	input = strings.TrimPrefix(input, "@")

	var resolved ResolvedIdentity

	if did, err := syntax.ParseDID(input); err == nil {
		resolved.Did = did
	} else {
		handle, err := syntax.ParseHandle(input)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is neither a handle nor a did", ErrHandleNotResolvable, handleOrDid)
		}

		handle = handle.Normalize()
		did, err := c.identityResolver.ResolveHandle(ctx, handle)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrHandleNotResolvable, err)
		}

		resolved.Did = did
		resolved.Handle = handle
	}

	doc, err := c.identityResolver.ResolveDID(ctx, resolved.Did)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDidDocumentUnavailable, err)
	}

	if doc == nil {
		return nil, fmt.Errorf("%w: resolver returned no document for %s", ErrDidDocumentUnavailable, resolved.Did)
	}

	pds, err := pdsEndpointFromDocument(resolved.Did, doc)
	if err != nil {
		return nil, err
	}

	resolved.PdsUrl = pds

	return &resolved, nil
}

func pdsEndpointFromDocument(did syntax.DID, doc *identity.DIDDocument) (string, error) {
	if doc.DID != "" && doc.DID != did {
		return "", fmt.Errorf("%w: document id %s does not match %s", ErrDidDocumentUnavailable, doc.DID, did)
	}

	var found []string
	for _, svc := range doc.Service {
		if svc.Type != pdsServiceType {
			continue
		}

		if svc.ID != pdsServiceId && svc.ID != did.String()+pdsServiceId {
			continue
		}

		found = append(found, svc.ServiceEndpoint)
	}

	if len(found) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoPdsInDocument, did)
	}

	if len(found) > 1 {
		return "", fmt.Errorf("%w: %s declares %d pds services", ErrNoPdsInDocument, did, len(found))
	}

	u, err := url.Parse(found[0])
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", fmt.Errorf("%w: pds endpoint %q is not a valid url", ErrNoPdsInDocument, found[0])
	}

	return strings.TrimSuffix(found[0], "/"), nil
}
