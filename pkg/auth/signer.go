package auth

import (
	"net/http"
	"sync"
	"time"
)

// Signer decorates outbound requests with credentials.
type Signer interface {
	Authorize(req *http.Request) error
}

// NoAuth leaves requests untouched, for deployments without a shared secret.
type NoAuth struct{}

func (NoAuth) Authorize(*http.Request) error { return nil }

// TokenSigner attaches a bearer token and reissues it shortly before expiry.
type TokenSigner struct {
	manager *Manager
	subject string
	role    string

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewTokenSigner(m *Manager, subject, role string) *TokenSigner {
	return &TokenSigner{manager: m, subject: subject, role: role}
}

func (s *TokenSigner) Authorize(req *http.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" || time.Until(s.expires) < s.manager.ttl/5 {
		token, expires, err := s.manager.Sign(s.subject, s.role)
		if err != nil {
			return err
		}
		s.token, s.expires = token, expires
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	return nil
}
