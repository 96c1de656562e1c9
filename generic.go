package oauth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// GenerateKey creates a new P-256 private jwk. It is used both for long-lived
// client keys and for the per-flow dpop key.
func GenerateKey(kidPrefix *string) (jwk.Key, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	key, err := jwk.FromRaw(privKey)
	if err != nil {
		return nil, err
	}

	var kid string
	if kidPrefix != nil {
		kid = fmt.Sprintf("%s-%d", *kidPrefix, time.Now().Unix())
	} else {
		kid = fmt.Sprintf("%d", time.Now().Unix())
	}

	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}

	if err := key.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, err
	}

	return key, nil
}

func isSafeAndParsed(ustr string) (*url.URL, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "https" {
		return nil, fmt.Errorf("input url is not https")
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("url hostname was empty")
	}

	if u.User != nil {
		return nil, fmt.Errorf("url user was not empty")
	}

	if u.Port() != "" {
		return nil, fmt.Errorf("url port was not empty")
	}

	return u, nil
}

func getPrivateKey(key jwk.Key) (*ecdsa.PrivateKey, error) {
	if key == nil {
		return nil, fmt.Errorf("no key provided")
	}

	var pkey ecdsa.PrivateKey
	if err := key.Raw(&pkey); err != nil {
		return nil, err
	}

	if pkey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("key is not a P-256 key")
	}

	return &pkey, nil
}

func getPublicKey(key jwk.Key) (*ecdsa.PublicKey, error) {
	var pkey ecdsa.PublicKey
	if err := key.Raw(&pkey); err != nil {
		return nil, err
	}

	return &pkey, nil
}

// publicJwkMap returns the public half of key in the map form golang-jwt puts into headers.
func publicJwkMap(key jwk.Key) (map[string]any, error) {
	pubJwk, err := key.PublicKey()
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(pubJwk)
	if err != nil {
		return nil, err
	}

	var pubMap map[string]any
	if err := json.Unmarshal(b, &pubMap); err != nil {
		return nil, err
	}

	return pubMap, nil
}

// KeyThumbprint is the RFC 7638 SHA-256 thumbprint of key, base64url encoded.
// Private and public halves of a pair share a thumbprint.
func KeyThumbprint(key jwk.Key) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(tp), nil
}

type JwksResponseObject struct {
	Keys []jwk.Key `json:"keys"`
}

// CreateJwksResponseObject builds a jwks document containing only the public half of key.
func CreateJwksResponseObject(key jwk.Key) (*JwksResponseObject, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}

	return &JwksResponseObject{
		Keys: []jwk.Key{pub},
	}, nil
}

func ParseKeyFromBytes(b []byte) (jwk.Key, error) {
	return jwk.ParseKey(b)
}

func marshalKey(key jwk.Key) (string, error) {
	b, err := json.Marshal(key)
	if err != nil {
		return "", err
	}

	return string(b), nil
}
