// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-budgetsync/model"
)

// ErrNoSession is returned while the device holds no token.
var ErrNoSession = errors.New("no active session")

// Session is the device-side view of the signed-in user. It hands the raw
// token to the transport and exposes the identity decoded from it. The token
// is not verified here; the server does that on every request.
type Session struct {
	mu     sync.RWMutex
	token  string
	claims *Claims
}

// NewSession parses token and returns a session holding it.
func NewSession(token string) (*Session, error) {
	s := &Session{}
	if err := s.SetToken(token); err != nil {
		return nil, err
	}
	return s, nil
}

// SetToken replaces the session token, e.g. after a re-login.
func (s *Session) SetToken(token string) error {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("parse session token: %w", err)
	}
	if claims.Subject == "" {
		return fmt.Errorf("parse session token: missing sub")
	}
	s.mu.Lock()
	s.token, s.claims = token, claims
	s.mu.Unlock()
	return nil
}

// Clear signs the device out.
func (s *Session) Clear() {
	s.mu.Lock()
	s.token, s.claims = "", nil
	s.mu.Unlock()
}

func (s *Session) Token(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoSession
	}
	return s.token, nil
}

func (s *Session) Identity(_ context.Context) (model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return model.Identity{}, ErrNoSession
	}
	return model.Identity{
		UserID:  model.ID(s.claims.Subject),
		Name:    s.claims.Name,
		HouseID: s.claims.HouseID(),
	}, nil
}
