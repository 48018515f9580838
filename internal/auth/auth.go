// Package auth authenticates callers of the HTTP API with static API keys
// or HS256 bearer tokens.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Config configures authentication.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
}

// APIKeyConfig declares a static API key and the caller it identifies.
type APIKeyConfig struct {
	Key  string
	Name string
}

// Principal is an authenticated caller.
type Principal struct {
	// ID is stable per credential: the token subject or a key fingerprint.
	ID   string
	Name string
}

// Label is the name used when the caller acts in a conversation.
func (p *Principal) Label() string {
	if p == nil {
		return ""
	}
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Service validates bearer tokens and API keys.
type Service struct {
	jwt     *JWTService
	apiKeys []apiKey
}

type apiKey struct {
	key       []byte
	principal *Principal
}

// NewService constructs a service from static configuration.
func NewService(cfg Config) *Service {
	s := &Service{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		s.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	for _, entry := range cfg.APIKeys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		sum := sha256.Sum256([]byte(key))
		s.apiKeys = append(s.apiKeys, apiKey{
			key: []byte(key),
			principal: &Principal{
				ID:   "key_" + hex.EncodeToString(sum[:6]),
				Name: strings.TrimSpace(entry.Name),
			},
		})
	}
	return s
}

// Enabled reports whether requests must carry credentials.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// IssueToken signs a token for p.
func (s *Service) IssueToken(p *Principal) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(p)
}

// ValidateToken validates a bearer token.
func (s *Service) ValidateToken(token string) (*Principal, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey checks key against every configured key in constant time.
func (s *Service) ValidateAPIKey(key string) (*Principal, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	input := []byte(strings.TrimSpace(key))
	var matched *Principal
	for _, k := range s.apiKeys {
		if subtle.ConstantTimeCompare(input, k.key) == 1 {
			matched = k.principal
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	return matched, nil
}
