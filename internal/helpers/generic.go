package helpers

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/oauth2"
)

// TokenAlphabet is the character set used for state values and pkce verifiers.
// Authorization servers validate both against it, so it must not change.
const TokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

const TokenLength = 64

func GenerateToken(len int) (string, error) {
	return gonanoid.Generate(TokenAlphabet, len)
}

func GenerateState() (string, error) {
	return GenerateToken(TokenLength)
}

// GeneratePkcePair returns a fresh verifier and its S256 challenge.
func GeneratePkcePair() (string, string, error) {
	verifier, err := GenerateToken(TokenLength)
	if err != nil {
		return "", "", err
	}

	return verifier, GenerateCodeChallenge(verifier), nil
}

func GenerateCodeChallenge(pkceVerifier string) string {
	return oauth2.S256ChallengeFromVerifier(pkceVerifier)
}
