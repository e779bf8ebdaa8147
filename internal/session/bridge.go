// Package session exchanges a verified user identity for application
// session tokens with the identity provider.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/your-org/faceid/internal/config"
)

// Tokens is the credential pair returned by the identity provider.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Bridge talks to the identity provider's token endpoint. A successful
// face verification is exchanged for tokens exactly once per flow.
type Bridge struct {
	providerURL string
	secret      []byte
	client      *http.Client
}

func NewBridge(cfg config.SessionConfig) *Bridge {
	return &Bridge{
		providerURL: cfg.ProviderURL,
		secret:      []byte(cfg.Secret),
		client:      &http.Client{Timeout: cfg.Timeout},
	}
}

type exchangeRequest struct {
	UserID    string `json:"user_id"`
	GrantType string `json:"grant_type"`
}

type exchangeResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Exchange posts the verified user id to the provider and validates the
// returned access token before handing it to the caller.
func (b *Bridge) Exchange(ctx context.Context, userID string) (Tokens, error) {
	body, err := json.Marshal(exchangeRequest{UserID: userID, GrantType: "face_verification"})
	if err != nil {
		return Tokens{}, fmt.Errorf("encode exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.providerURL, bytes.NewReader(body))
	if err != nil {
		return Tokens{}, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("call identity provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Tokens{}, fmt.Errorf("identity provider returned %d: %s", resp.StatusCode, payload)
	}

	var er exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return Tokens{}, fmt.Errorf("decode exchange response: %w", err)
	}
	if er.AccessToken == "" {
		return Tokens{}, fmt.Errorf("identity provider returned empty access token")
	}

	expiresAt, err := b.validate(er.AccessToken, userID)
	if err != nil {
		return Tokens{}, fmt.Errorf("validate access token: %w", err)
	}

	return Tokens{
		AccessToken:  er.AccessToken,
		RefreshToken: er.RefreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// validate checks the token signature and that its subject is the user we
// verified. Rejects tokens minted for anyone else.
func (b *Bridge) validate(tokenString, userID string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return b.secret, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	if !token.Valid {
		return time.Time{}, fmt.Errorf("token invalid")
	}
	if claims.Subject != userID {
		return time.Time{}, fmt.Errorf("token subject %q does not match verified user", claims.Subject)
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return expiresAt, nil
}
