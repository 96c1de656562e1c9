package oauth

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

const (
	ClientAssertionTypeJwtBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	CodeChallengeMethodS256      = "S256"
	ResponseTypeCode             = "code"
	GrantTypeAuthorizationCode   = "authorization_code"
	GrantTypeRefreshToken        = "refresh_token"
	DefaultScope                 = "atproto transition:generic"
)

type OauthProtectedResource struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceDocumentation  string   `json:"resource_documentation"`
}

type OauthAuthorizationMetadata struct {
	Issuer                                     string   `json:"issuer"`
	RequestParameterSupported                  bool     `json:"request_parameter_supported"`
	RequestUriParameterSupported               bool     `json:"request_uri_parameter_supported"`
	RequireRequestUriRegistration              *bool    `json:"require_request_uri_registration,omitempty"`
	ScopesSupported                            []string `json:"scopes_supported"`
	SubjectTypesSupported                      []string `json:"subject_types_supported"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	ResponseModesSupported                     []string `json:"response_modes_supported"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported"`
	UILocalesSupported                         []string `json:"ui_locales_supported"`
	DisplayValuesSupported                     []string `json:"display_values_supported"`
	RequestObjectSigningAlgValuesSupported     []string `json:"request_object_signing_alg_values_supported"`
	AuthorizationResponseISSParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
	RequestObjectEncryptionAlgValuesSupported  []string `json:"request_object_encryption_alg_values_supported"`
	RequestObjectEncryptionEncValuesSupported  []string `json:"request_object_encryption_enc_values_supported"`
	JwksUri                                    string   `json:"jwks_uri"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	RevocationEndpoint                         string   `json:"revocation_endpoint"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint"`
	PushedAuthorizationRequestEndpoint         string   `json:"pushed_authorization_request_endpoint"`
	RequirePushedAuthorizationRequests         bool     `json:"require_pushed_authorization_requests"`
	DpopSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported"`
	ProtectedResources                         []string `json:"protected_resources"`
	ClientIDMetadataDocumentSupported          bool     `json:"client_id_metadata_document_supported"`
}

func (oam *OauthAuthorizationMetadata) Validate(fetch_url *url.URL) error {
	if fetch_url == nil {
		return fmt.Errorf("fetch_url was nil")
	}

	iu, err := url.Parse(oam.Issuer)
	if err != nil {
		return err
	}

	if iu.Hostname() != fetch_url.Hostname() {
		return fmt.Errorf("issuer hostname does not match fetch url hostname")
	}

	if iu.Scheme != "https" {
		return fmt.Errorf("issuer url is not https")
	}

	if iu.Port() != "" {
		return fmt.Errorf("issuer port is not empty")
	}

	if iu.Path != "" && iu.Path != "/" {
		return fmt.Errorf("issuer path is not /")
	}

	if iu.RawQuery != "" {
		return fmt.Errorf("issuer url params are not empty")
	}

	if !tokenInSet(ResponseTypeCode, oam.ResponseTypesSupported) {
		return fmt.Errorf("`code` is not in response_types_supported")
	}

	if !tokenInSet(GrantTypeAuthorizationCode, oam.GrantTypesSupported) {
		return fmt.Errorf("`authorization_code` is not in grant_types_supported")
	}

	if !tokenInSet(GrantTypeRefreshToken, oam.GrantTypesSupported) {
		return fmt.Errorf("`refresh_token` is not in grant_types_supported")
	}

	if !tokenInSet(CodeChallengeMethodS256, oam.CodeChallengeMethodsSupported) {
		return fmt.Errorf("`S256` is not in code_challenge_methods_supported")
	}

	if !tokenInSet("private_key_jwt", oam.TokenEndpointAuthMethodsSupported) {
		return fmt.Errorf("`private_key_jwt` is not in token_endpoint_auth_methods_supported")
	}

	if !tokenInSet("ES256", oam.TokenEndpointAuthSigningAlgValuesSupported) {
		return fmt.Errorf("`ES256` is not in token_endpoint_auth_signing_alg_values_supported")
	}

	if !tokenInSet("atproto", oam.ScopesSupported) {
		return fmt.Errorf("`atproto` is not in scopes_supported")
	}

	if !oam.AuthorizationResponseISSParameterSupported {
		return fmt.Errorf("authorization_response_iss_parameter_supported is not true")
	}

	if oam.PushedAuthorizationRequestEndpoint == "" {
		return fmt.Errorf("pushed_authorization_request_endpoint is empty")
	}

	if !oam.RequirePushedAuthorizationRequests {
		return fmt.Errorf("require_pushed_authorization_requests is false")
	}

	if !tokenInSet("ES256", oam.DpopSigningAlgValuesSupported) {
		return fmt.Errorf("`ES256` is not in dpop_signing_alg_values_supported")
	}

	if oam.RequireRequestUriRegistration != nil && !*oam.RequireRequestUriRegistration {
		return fmt.Errorf("require_request_uri_registration present in metadata and was false")
	}

	if !oam.ClientIDMetadataDocumentSupported {
		return fmt.Errorf("client_id_metadata_document_supported was false")
	}

	for name, endpoint := range map[string]string{
		"pushed_authorization_request_endpoint": oam.PushedAuthorizationRequestEndpoint,
		"authorization_endpoint":                oam.AuthorizationEndpoint,
		"token_endpoint":                        oam.TokenEndpoint,
	} {
		if _, err := isSafeAndParsed(endpoint); err != nil {
			return fmt.Errorf("%s is not a safe url: %w", name, err)
		}
	}

	return nil
}

func tokenInSet(token string, set []string) bool {
	return slices.Contains(set, token)
}

// ClientMetadata is the document served at the client_id url.
type ClientMetadata struct {
	ClientID                    string   `json:"client_id"`
	ClientName                  string   `json:"client_name,omitempty"`
	ClientURI                   string   `json:"client_uri,omitempty"`
	LogoURI                     string   `json:"logo_uri,omitempty"`
	TosURI                      string   `json:"tos_uri,omitempty"`
	PolicyURI                   string   `json:"policy_uri,omitempty"`
	RedirectURIs                []string `json:"redirect_uris"`
	GrantTypes                  []string `json:"grant_types"`
	ResponseTypes               []string `json:"response_types"`
	Scope                       string   `json:"scope"`
	ApplicationType             string   `json:"application_type,omitempty"`
	TokenEndpointAuthMethod     string   `json:"token_endpoint_auth_method"`
	TokenEndpointAuthSigningAlg string   `json:"token_endpoint_auth_signing_alg,omitempty"`
	DpopBoundAccessTokens       bool     `json:"dpop_bound_access_tokens"`
	JwksURI                     string   `json:"jwks_uri,omitempty"`
}

func (m *ClientMetadata) Validate(clientID string) error {
	if m.ClientID == "" || m.ClientID != clientID {
		return fmt.Errorf("client_id does not match metadata url")
	}

	if m.ApplicationType != "" && m.ApplicationType != "web" && m.ApplicationType != "native" {
		return fmt.Errorf("application_type must be web or native")
	}

	if !tokenInSet(GrantTypeAuthorizationCode, m.GrantTypes) {
		return fmt.Errorf("grant_types must include authorization_code")
	}

	if !tokenInSet(ResponseTypeCode, m.ResponseTypes) {
		return fmt.Errorf("response_types must include code")
	}

	if !tokenInSet("atproto", strings.Fields(m.Scope)) {
		return fmt.Errorf("scope must include atproto")
	}

	if len(m.RedirectURIs) == 0 {
		return fmt.Errorf("at least one redirect uri is required")
	}

	if m.TokenEndpointAuthMethod != "private_key_jwt" {
		return fmt.Errorf("token_endpoint_auth_method must be private_key_jwt")
	}

	if m.TokenEndpointAuthSigningAlg != "" && m.TokenEndpointAuthSigningAlg != "ES256" {
		return fmt.Errorf("token_endpoint_auth_signing_alg must be ES256")
	}

	if !m.DpopBoundAccessTokens {
		return fmt.Errorf("dpop_bound_access_tokens must be true")
	}

	if m.JwksURI == "" {
		return fmt.Errorf("jwks_uri is required for confidential clients")
	}

	return nil
}

type PushedAuthRequest struct {
	ClientID            string `url:"client_id"`
	ResponseType        string `url:"response_type"`
	Scope               string `url:"scope"`
	RedirectURI         string `url:"redirect_uri"`
	State               string `url:"state"`
	CodeChallenge       string `url:"code_challenge"`
	CodeChallengeMethod string `url:"code_challenge_method"`
	ClientAssertionType string `url:"client_assertion_type"`
	ClientAssertion     string `url:"client_assertion"`
	LoginHint           string `url:"login_hint,omitempty"`
}

type PushedAuthResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

type InitialTokenRequest struct {
	ClientID            string `url:"client_id"`
	GrantType           string `url:"grant_type"`
	Code                string `url:"code"`
	RedirectURI         string `url:"redirect_uri"`
	CodeVerifier        string `url:"code_verifier"`
	ClientAssertionType string `url:"client_assertion_type"`
	ClientAssertion     string `url:"client_assertion"`
}

type RefreshTokenRequest struct {
	ClientID            string `url:"client_id"`
	GrantType           string `url:"grant_type"`
	RefreshToken        string `url:"refresh_token"`
	ClientAssertionType string `url:"client_assertion_type"`
	ClientAssertion     string `url:"client_assertion"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`

	// not part of the response body, the last nonce the token endpoint handed out
	DpopAuthserverNonce string `json:"-"`
}

type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}
