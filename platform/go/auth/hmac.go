package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// HMACTokenVerifier validates HS256 tokens issued by the registry for service accounts.
func HMACTokenVerifier(secret []byte, issuer string) VerifyFunc {
	if len(secret) == 0 {
		panic("auth.HMACTokenVerifier: secret must not be empty")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(_ context.Context, token string) (map[string]interface{}, error) {
		claims := jwt.MapClaims{}
		parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil {
			return nil, fmt.Errorf("verify token: %w", err)
		}
		if !parsed.Valid {
			return nil, errors.New("token is not valid")
		}
		return map[string]interface{}(claims), nil
	}
}
