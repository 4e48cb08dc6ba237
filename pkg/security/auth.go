// Package security authenticates clinicians and throttles calls to external
// services.
package security

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/aixgo-dev/ophthalmocapture/pkg/config"
)

var (
	// ErrInvalidCredentials is returned for an unknown user or wrong password.
	ErrInvalidCredentials = errors.New("invalid username or password")

	ErrEmptyPassword = errors.New("password cannot be empty")
)

// Principal is an authenticated clinician.
type Principal struct {
	Username  string
	Name      string
	Anonymous bool
}

// Actor is the identity written to the audit trail.
func (p *Principal) Actor() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Username
}

// Anonymous is the principal used when no users are configured.
var Anonymous = &Principal{Username: "anonymous", Name: "anonymous", Anonymous: true}

type credential struct {
	name string
	hash []byte
}

// Authenticator checks bcrypt credentials. With no users configured every
// login resolves to Anonymous.
type Authenticator struct {
	users map[string]credential
	// dummy is compared for unknown users so both paths cost one bcrypt.
	dummy []byte
}

// NewAuthenticator builds an Authenticator from configured users.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{users: make(map[string]credential, len(cfg.Users))}
	for username, u := range cfg.Users {
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: invalid password hash: %w", username, err)
		}
		a.users[strings.ToLower(username)] = credential{name: u.Name, hash: []byte(u.PasswordHash)}
	}
	if len(a.users) > 0 {
		dummy, err := bcrypt.GenerateFromPassword([]byte("ophthalmocapture"), bcrypt.MinCost)
		if err != nil {
			return nil, err
		}
		a.dummy = dummy
	}
	return a, nil
}

// Enabled reports whether credentials are required.
func (a *Authenticator) Enabled() bool {
	return len(a.users) > 0
}

// Usernames lists configured users in sorted order.
func (a *Authenticator) Usernames() []string {
	names := make([]string, 0, len(a.users))
	for u := range a.users {
		names = append(names, u)
	}
	sort.Strings(names)
	return names
}

// Authenticate verifies username and password. Usernames are case-insensitive.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*Principal, error) {
	if !a.Enabled() {
		return Anonymous, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	username = strings.ToLower(strings.TrimSpace(username))
	cred, ok := a.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(a.dummy, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(cred.hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Principal{Username: username, Name: cred.name}, nil
}

// HashPassword returns a bcrypt hash suitable for auth.users[*].password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}
