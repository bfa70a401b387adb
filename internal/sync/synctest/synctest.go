// Package synctest builds a complete sync environment for tests: a migrated
// local store in a temporary directory, an in-memory remote, a session
// manager and a manual connectivity flag.
package synctest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dinovending/dino/backend/internal/connectivity"
	"github.com/dinovending/dino/backend/internal/db"
	"github.com/dinovending/dino/backend/internal/remote/memremote"
	"github.com/dinovending/dino/backend/internal/session"
	syncpkg "github.com/dinovending/dino/backend/internal/sync"
)

// Env is a wired test environment.
type Env struct {
	Store   *db.Store
	Remote  *memremote.Service
	Session *session.Manager
	Network *connectivity.Manual
	Client  *syncpkg.Client
}

// New creates an online, signed-out environment.
func New(t testing.TB) *Env {
	t.Helper()
	database, err := db.OpenPath(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(database.DB); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	env := &Env{
		Store:   db.NewStore(database.DB),
		Remote:  memremote.New(),
		Session: session.NewManager(nil),
		Network: connectivity.NewManual(true),
	}
	env.Client = &syncpkg.Client{
		Store:          env.Store,
		Remote:         env.Remote,
		Session:        env.Session,
		Network:        env.Network,
		RequestTimeout: 2 * time.Second,
	}
	return env
}

// Token returns an unsigned-verification access token for user. An empty
// tenant leaves the claim out.
func Token(t testing.TB, userID, tenantID string) string {
	t.Helper()
	claims := &session.Claims{
		Email:        userID + "@example.com",
		UserMetadata: session.UserMetadata{TenantID: tenantID},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("SignedString() failed: %v", err)
	}
	return token
}

// SignIn establishes a session for user in tenant.
func (e *Env) SignIn(t testing.TB, userID, tenantID string) {
	t.Helper()
	if _, err := e.Session.SignIn(Token(t, userID, tenantID)); err != nil {
		t.Fatalf("SignIn() failed: %v", err)
	}
}
