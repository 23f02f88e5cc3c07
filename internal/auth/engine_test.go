package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scadamaster/internal/clock"
	"scadamaster/internal/model"
)

type fakeSecurity struct {
	authFailures      int
	permissionsDenied int
}

func (f *fakeSecurity) EmitAuthFailure(username string)              { f.authFailures++ }
func (f *fakeSecurity) EmitPermissionDenied(operator, action string) { f.permissionsDenied++ }

func newTestEngine(t *testing.T) (*Engine, *fakeSecurity, *clock.Fake) {
	t.Helper()
	sec := &fakeSecurity{}
	e := New("test-secret", 0, sec, nil)
	fc := clock.NewFake(time.Now())
	e.clock = fc
	hash, err := HashPassword("correct-horse")
	require.NoError(t, err)
	e.SeedUser("alice", hash, model.RoleOperator)
	return e, sec, fc
}

func TestLoginSuccessIssuesToken(t *testing.T) {
	e, _, _ := newTestEngine(t)
	token, expires, err := e.Login("alice", "correct-horse")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, int(DefaultTokenLifetime.Seconds()), expires)

	claims, err := e.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, model.RoleOperator, claims.Role)
}

func TestLoginBadPasswordRecordsFailureAndNotifiesSecurity(t *testing.T) {
	e, sec, _ := newTestEngine(t)
	_, _, err := e.Login("alice", "wrong-password")
	require.Error(t, err)
	assert.Equal(t, model.KindAuthFailure, model.KindOf(err))
	assert.Equal(t, 1, sec.authFailures)
}

func TestLockoutAfterFiveConsecutiveFailures(t *testing.T) {
	e, _, _ := newTestEngine(t)
	for i := 0; i < LockoutThreshold; i++ {
		_, _, err := e.Login("alice", "wrong-password")
		require.Error(t, err)
	}
	_, _, err := e.Login("alice", "correct-horse")
	require.Error(t, err, "a correct password must still be rejected while the account is locked")
	assert.ErrorIs(t, err, model.ErrAccountLocked)
}

func TestFailureCounterResetsOutsideTheWindow(t *testing.T) {
	e, _, fc := newTestEngine(t)
	for i := 0; i < LockoutThreshold-1; i++ {
		_, _, err := e.Login("alice", "wrong-password")
		require.Error(t, err)
	}

	// stale failures fall out of the rolling window; the next one starts
	// a fresh count instead of tripping the lockout.
	fc.Advance(LockoutWindow + time.Minute)
	_, _, err := e.Login("alice", "wrong-password")
	require.Error(t, err)

	_, _, err = e.Login("alice", "correct-horse")
	assert.NoError(t, err, "account must not be locked when failures span more than the window")
}

func TestAuthoriseDeniesInsufficientRole(t *testing.T) {
	e, sec, _ := newTestEngine(t)
	token, _, err := e.Login("alice", "correct-horse")
	require.NoError(t, err)

	_, err = e.Authorise(context.Background(), token, PermManageUsers, "admin.create_user", "bob")
	require.Error(t, err)
	assert.Equal(t, model.KindPermissionDenied, model.KindOf(err))
	assert.Equal(t, 1, sec.permissionsDenied)
}

func TestAuthoriseAllowsMatchingRole(t *testing.T) {
	e, _, _ := newTestEngine(t)
	token, _, err := e.Login("alice", "correct-horse")
	require.NoError(t, err)

	claims, err := e.Authorise(context.Background(), token, PermSBOSelect, "control.select", "SUB-001/BRK-01")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestViewerCannotAcknowledgeOrControlBreaker(t *testing.T) {
	assert.False(t, Allows(model.RoleViewer, PermAcknowledge))
	assert.False(t, Allows(model.RoleViewer, PermSBOOperate))
	assert.True(t, Allows(model.RoleOperator, PermAcknowledge))
	assert.True(t, Allows(model.RoleOperator, PermSBOOperate))
}

func TestAuditLogOrderedNewestFirst(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, _, _ = e.Login("alice", "wrong-password")
	_, _, _ = e.Login("alice", "correct-horse")

	entries := e.AuditLog(0)
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, model.AuditSuccess, entries[0].Result)
}

func TestCreateUserRejectsDuplicateUsername(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.CreateUser("alice", "whatever", model.RoleViewer)
	require.Error(t, err)
	assert.Equal(t, model.KindConflict, model.KindOf(err))
}

func TestListUsersNeverExposesPasswordHash(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.CreateUser("bob", "another-password", model.RoleViewer)
	require.NoError(t, err)
	for _, u := range e.ListUsers() {
		assert.Empty(t, u.PasswordHash)
	}
}
