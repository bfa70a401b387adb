// Package session holds the signed-in user's identity and resolves the
// tenant every sync run is scoped to.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/dinovending/dino/backend/internal/errors"
	"github.com/dinovending/dino/backend/internal/logging"
	"github.com/dinovending/dino/backend/internal/models"
	"github.com/dinovending/dino/backend/internal/remote"
)

// Claims are the access token claims the sync core reads. TenantID comes
// from user_metadata when the auth service stamped it at sign-up.
type Claims struct {
	Email        string       `json:"email,omitempty"`
	UserMetadata UserMetadata `json:"user_metadata"`
	jwt.RegisteredClaims
}

// UserMetadata is the user-editable metadata block of the token.
type UserMetadata struct {
	TenantID string `json:"tenant_id,omitempty"`
}

// Session is the current user's identity.
type Session struct {
	UserID      string
	Email       string
	TenantID    string
	AccessToken string
	ExpiresAt   time.Time
}

// Expired reports whether the access token has expired at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// ParseToken builds a session from an access token. With a secret the HMAC
// signature and expiry are verified; without one the claims are read as-is,
// which is enough on a device where the remote service verifies every call.
func ParseToken(token string, secret []byte) (*Session, error) {
	claims := &Claims{}
	if len(secret) > 0 {
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !parsed.Valid {
			return nil, apperrors.Wrap(apperrors.ErrSyncAuthFailed, "invalid access token", err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncAuthFailed, "malformed access token", err)
		}
	}

	if claims.Subject == "" {
		return nil, apperrors.New(apperrors.ErrSyncAuthFailed, "access token has no subject")
	}
	s := &Session{
		UserID:      claims.Subject,
		Email:       claims.Email,
		TenantID:    claims.UserMetadata.TenantID,
		AccessToken: token,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// Manager holds the single active session of the device.
type Manager struct {
	mu      sync.RWMutex
	current *Session
	secret  []byte
}

// NewManager creates a Manager. secret may be empty.
func NewManager(secret []byte) *Manager {
	return &Manager{secret: secret}
}

// SignIn replaces the current session with one built from token.
func (m *Manager) SignIn(token string) (*Session, error) {
	s, err := ParseToken(token, m.secret)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return s, nil
}

// SignOut forgets the current session.
func (m *Manager) SignOut() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}

// Current returns a copy of the session, or nil when signed out.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	s := *m.current
	return &s
}

// Token returns the access token, or "" when signed out.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.AccessToken
}

// ResolveTenant returns the tenant of the current session. The claim is
// preferred; otherwise the profiles table is asked once and the answer
// cached on the session. A signed-out manager yields "" and no error.
func (m *Manager) ResolveTenant(ctx context.Context, ds remote.DataService) (string, error) {
	s := m.Current()
	if s == nil {
		return "", nil
	}
	if s.TenantID != "" {
		return s.TenantID, nil
	}

	tenantID, err := LookupTenant(ctx, ds, s.UserID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.current != nil && m.current.UserID == s.UserID {
		m.current.TenantID = tenantID
	}
	m.mu.Unlock()
	logging.Debug("tenant resolved from profile", map[string]interface{}{"user_id": s.UserID, "tenant_id": tenantID})
	return tenantID, nil
}

// LookupTenant reads the tenant of userID from the profiles table.
func LookupTenant(ctx context.Context, ds remote.DataService, userID string) (string, error) {
	rows, err := ds.Select(ctx, models.TableProfiles, "tenant_id", remote.NewQuery().Eq("id", userID).WithLimit(1))
	if err != nil {
		return "", remote.Classify("profile lookup", err)
	}
	if len(rows) == 0 || rows[0].String("tenant_id") == "" {
		return "", apperrors.New(apperrors.ErrTenantUnresolved, fmt.Sprintf("no tenant for user %s", userID))
	}
	return rows[0].String("tenant_id"), nil
}
