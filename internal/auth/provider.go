package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidCredential токен отсутствует, подделан или просрочен
var ErrInvalidCredential = errors.New("invalid credential")

// Provider превращает учетные данные запроса в идентификатор пользователя
type Provider interface {
	Resolve(ctx context.Context, credential string) (string, error)
}

// JWTProvider проверяет HS256 токены с общим секретом
type JWTProvider struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTProvider создает провайдер. issuer пустой отключает проверку iss.
func NewJWTProvider(secret, issuer string) (*JWTProvider, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &JWTProvider{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}, nil
}

// Resolve проверяет подпись и срок действия, id берется из sub или user_id
func (p *JWTProvider) Resolve(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrInvalidCredential
	}

	claims := jwt.MapClaims{}
	_, err := p.parser.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		return p.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	if id := claimString(claims["user_id"]); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: token has no subject", ErrInvalidCredential)
}

// claimString приводит числовой или строковый claim к строке
func claimString(v interface{}) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(id, 10)
	}
	return ""
}
