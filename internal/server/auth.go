package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer   = "envoix-server"
	tokenAudience = "envoix-cli"
	tokenLifetime = 30 * 24 * time.Hour
)

type identity struct {
	UID   string
	Email string
	Name  string
}

type tokenClaims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (s *Server) authenticate(headers http.Header) (identity, error) {
	authorization := headers.Get("Authorization")
	if strings.TrimSpace(authorization) == "" {
		return identity{}, connect.NewError(connect.CodeUnauthenticated, errors.New("missing authorization header"))
	}
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authorization, bearerPrefix) {
		return identity{}, connect.NewError(connect.CodeUnauthenticated, errors.New("authorization header must use bearer token"))
	}
	tokenValue := strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	if tokenValue == "" {
		return identity{}, connect.NewError(connect.CodeUnauthenticated, errors.New("bearer token is empty"))
	}

	claims := tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenValue, &claims, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected token algorithm")
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithAudience(tokenAudience))
	if err != nil || !token.Valid {
		return identity{}, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid token"))
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return identity{}, connect.NewError(connect.CodeUnauthenticated, errors.New("token subject is missing"))
	}
	return identity{UID: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

func (s *Server) mintToken(user userRecord) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Name:  user.Name,
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UID,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
	})
	return token.SignedString(s.jwtSecret)
}
