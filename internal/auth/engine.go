// Package auth implements token issuance, role-based permission checks,
// and the audit log. Passwords are stored only as bcrypt hashes; bearer
// tokens are HMAC-signed JWTs via golang-jwt/jwt/v5.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"scadamaster/internal/clock"
	"scadamaster/internal/model"
	"scadamaster/internal/obs/logging"
)

// Token and lockout tuning.
const (
	DefaultTokenLifetime = 60 * time.Minute
	LockoutThreshold     = 5
	LockoutWindow        = 15 * time.Minute
	LockoutDuration      = 15 * time.Minute
)

// SecurityNotifier lets the auth engine raise the security events that
// accompany failed logins and denied permissions; security.Engine
// satisfies this.
type SecurityNotifier interface {
	EmitAuthFailure(username string)
	EmitPermissionDenied(operator, action string)
}

// Claims is the JWT payload: {sub, role, iat, exp}.
type Claims struct {
	jwt.RegisteredClaims
	Role model.Role `json:"role"`
}

// Engine owns the user table, the signing secret, and the audit log.
type Engine struct {
	secret        []byte
	tokenLifetime time.Duration
	security      SecurityNotifier
	log           logging.Logger
	clock         clock.Clock

	mu    sync.RWMutex
	users map[string]*model.User

	auditMu sync.Mutex
	audit   []model.AuditEntry
}

// New builds an Engine. secret must be non-empty; tokenLifetime defaults
// to 60 minutes if <= 0.
func New(secret string, tokenLifetime time.Duration, security SecurityNotifier, log logging.Logger) *Engine {
	if tokenLifetime <= 0 {
		tokenLifetime = DefaultTokenLifetime
	}
	return &Engine{
		secret:        []byte(secret),
		tokenLifetime: tokenLifetime,
		security:      security,
		log:           log,
		clock:         clock.Real(),
		users:         make(map[string]*model.User),
	}
}

// HashPassword bcrypt-hashes a plaintext password for storage; plaintext
// is never persisted.
func HashPassword(plaintext string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(h), nil
}

// SeedUser registers a user with an already-hashed password, used at
// bootstrap from the catalogue's user seeds.
func (e *Engine) SeedUser(username, passwordHash string, role model.Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users[username] = &model.User{Username: username, PasswordHash: passwordHash, Role: role}
}

// Login verifies credentials and, on success, issues a signed bearer
// token. On failure it increments the per-user failure counter and locks
// the account for LockoutDuration after LockoutThreshold consecutive
// failures within LockoutWindow.
func (e *Engine) Login(username, password string) (token string, expiresIn int, err error) {
	now := e.clock.Now()

	e.mu.Lock()
	u, ok := e.users[username]
	var hash string
	var lockedUntil time.Time
	if ok {
		hash = u.PasswordHash
		lockedUntil = u.LockedUntil
	}
	e.mu.Unlock()
	if !ok {
		e.recordFailure(username, "")
		return "", 0, model.NewError(model.KindAuthFailure, "invalid username or password", model.ErrBadCredentials)
	}

	if !lockedUntil.IsZero() && now.Before(lockedUntil) {
		e.audit(username, "auth.login", username, model.AuditDenied, nil)
		return "", 0, model.NewError(model.KindAuthFailure, "account locked", model.ErrAccountLocked)
	}

	// bcrypt comparison runs outside the lock; it is deliberately slow.
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		e.recordFailure(username, "")
		return "", 0, model.NewError(model.KindAuthFailure, "invalid username or password", model.ErrBadCredentials)
	}

	e.mu.Lock()
	u.FailedAttempts = 0
	u.LastFailureAt = time.Time{}
	u.LockedUntil = time.Time{}
	role := u.Role
	e.mu.Unlock()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.tokenLifetime)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.secret)
	if err != nil {
		return "", 0, model.NewError(model.KindInternal, "sign token", err)
	}
	e.audit(username, "auth.login", username, model.AuditSuccess, nil)
	return signed, int(e.tokenLifetime.Seconds()), nil
}

func (e *Engine) recordFailure(username, _ string) {
	e.mu.Lock()
	u, ok := e.users[username]
	if !ok {
		e.mu.Unlock()
		if e.security != nil {
			e.security.EmitAuthFailure(username)
		}
		e.audit(username, "auth.login", username, model.AuditFailure, nil)
		return
	}
	now := e.clock.Now()
	// only failures inside the rolling window count toward the lockout.
	if !u.LastFailureAt.IsZero() && now.Sub(u.LastFailureAt) > LockoutWindow {
		u.FailedAttempts = 0
	}
	u.FailedAttempts++
	u.LastFailureAt = now
	if u.FailedAttempts >= LockoutThreshold {
		u.LockedUntil = now.Add(LockoutDuration)
		u.FailedAttempts = 0
	}
	e.mu.Unlock()

	if e.security != nil {
		e.security.EmitAuthFailure(username)
	}
	e.audit(username, "auth.login", username, model.AuditFailure, nil)
}

// VerifyToken parses and validates a bearer token, returning its claims.
func (e *Engine) VerifyToken(tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return e.secret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, model.NewError(model.KindAuthFailure, "token invalid", model.ErrTokenInvalid)
	}
	return claims, nil
}

// Authorise verifies tokenString and checks that its role carries
// permission. A denial (invalid token or insufficient role) records an
// audit entry, and an insufficient role additionally emits a security
// event; a successful check records no audit entry.
func (e *Engine) Authorise(ctx context.Context, tokenString string, permission Permission, action, resource string) (Claims, error) {
	claims, err := e.VerifyToken(tokenString)
	if err != nil {
		e.audit("", action, resource, model.AuditDenied, nil)
		return Claims{}, err
	}
	if !Allows(claims.Role, permission) {
		if e.security != nil {
			e.security.EmitPermissionDenied(claims.Subject, action)
		}
		e.audit(claims.Subject, action, resource, model.AuditDenied, nil)
		return Claims{}, model.NewError(model.KindPermissionDenied, "insufficient role for this operation", nil)
	}
	return claims, nil
}

// RecordAudit appends an audit entry (the Auditor interface other
// components depend on).
func (e *Engine) RecordAudit(entry model.AuditEntry) {
	if entry.LogID == "" {
		entry.LogID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.clock.Now()
	}
	e.auditMu.Lock()
	e.audit = append(e.audit, entry)
	e.auditMu.Unlock()
}

func (e *Engine) audit(operator, action, resource string, result model.AuditResult, details map[string]any) {
	e.RecordAudit(model.AuditEntry{
		Operator: operator, Action: action, Resource: resource, After: details, Result: result,
	})
}

// AuditLog returns the most recent entries, newest first, up to limit
// (0 means all).
func (e *Engine) AuditLog(limit int) []model.AuditEntry {
	e.auditMu.Lock()
	defer e.auditMu.Unlock()
	n := len(e.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.AuditEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = e.audit[n-1-i]
	}
	return out
}

// CreateUser registers a new account (admin.users). The password is
// hashed here; callers never pass an already-hashed value in from an
// HTTP body.
func (e *Engine) CreateUser(username, password string, role model.Role) (model.User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return model.User{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.users[username]; exists {
		return model.User{}, model.NewError(model.KindConflict, "user already exists", nil)
	}
	u := &model.User{Username: username, PasswordHash: hash, Role: role}
	e.users[username] = u
	return *u, nil
}

// ListUsers returns every account without its password hash.
func (e *Engine) ListUsers() []model.User {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.User, 0, len(e.users))
	for _, u := range e.users {
		cp := *u
		cp.PasswordHash = ""
		out = append(out, cp)
	}
	return out
}
