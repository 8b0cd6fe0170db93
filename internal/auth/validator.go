package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/citylord/trajectory-engine/pkg/utils"
)

// RemoteValidator проверяет токены через внешний сервис пользователей.
// Успешные ответы кешируются, cache может быть nil.
type RemoteValidator struct {
	apiEndpoint string
	httpClient  *http.Client
	cache       *Cache
	logger      *utils.Logger
}

// NewRemoteValidator создает валидатор токенов
func NewRemoteValidator(apiEndpoint string, cache *Cache, logger *utils.Logger) *RemoteValidator {
	return &RemoteValidator{
		apiEndpoint: apiEndpoint,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		cache:  cache,
		logger: logger,
	}
}

// Resolve возвращает id пользователя для токена
func (v *RemoteValidator) Resolve(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrInvalidCredential
	}

	user, err := v.ValidateToken(ctx, credential)
	if err != nil {
		return "", err
	}
	if user.ID == "" {
		return "", fmt.Errorf("%w: user has no id", ErrInvalidCredential)
	}
	return string(user.ID), nil
}

// ValidateToken проверяет токен и возвращает данные пользователя
func (v *RemoteValidator) ValidateToken(ctx context.Context, token string) (*User, error) {
	if v.cache != nil {
		if user, err := v.cache.GetUser(ctx, token); err != nil {
			v.logger.WithError(err).Warn("Failed to get user from cache")
		} else if user != nil {
			return user, nil
		}
	}

	user, err := v.validateWithAPI(ctx, token)
	if err != nil {
		return nil, err
	}

	if v.cache != nil {
		if err := v.cache.SetUser(ctx, token, user); err != nil {
			v.logger.WithError(err).Warn("Failed to cache user")
		}
	}

	v.logger.WithField("user_id", user.ID).Debug("User validated by remote endpoint")
	return user, nil
}

func (v *RemoteValidator) validateWithAPI(ctx context.Context, token string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.apiEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "trajectory-engine/1.0")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach auth endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var user User
		if err := json.Unmarshal(body, &user); err != nil {
			return nil, fmt.Errorf("failed to parse user data: %w", err)
		}
		return &user, nil

	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: rejected by auth endpoint", ErrInvalidCredential)

	default:
		v.logger.WithField("status_code", resp.StatusCode).
			Error("Unexpected response from auth endpoint")
		return nil, fmt.Errorf("auth endpoint returned status %d", resp.StatusCode)
	}
}

// InvalidateToken удаляет токен из кеша
func (v *RemoteValidator) InvalidateToken(ctx context.Context, token string) error {
	if v.cache == nil {
		return nil
	}
	return v.cache.DeleteUser(ctx, token)
}
