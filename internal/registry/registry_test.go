package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/marketgate/internal/policy"
	"github.com/nmxmxh/marketgate/internal/token"
	"github.com/nmxmxh/marketgate/pkg/errors"
)

// fakeVerifier resolves tokens from a fixed table.
type fakeVerifier struct {
	claims map[string]*token.Claims
}

func (f *fakeVerifier) Verify(tokenStr string) (*token.Claims, error) {
	if c, ok := f.claims[tokenStr]; ok {
		return c, nil
	}
	return nil, errors.ErrInvalidToken
}

func newTestRegistry(cfg Config) (*Registry, *fakeClock) {
	verifier := &fakeVerifier{claims: map[string]*token.Claims{
		"basic-token":   {SubjectID: "alice", Role: token.RoleBasic, TokenID: "t1"},
		"premium-token": {SubjectID: "bob", Role: token.RolePremium, TokenID: "t2"},
		"admin-token":   {SubjectID: "root", Role: token.RoleAdmin, TokenID: "t3"},
	}}
	clock := &fakeClock{now: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)}
	r := New(verifier, policy.Default(), cfg, zap.NewNop()).WithClock(clock.fn())
	return r, clock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) fn() func() time.Time {
	return func() time.Time { return c.now }
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestAuthenticate(t *testing.T) {
	r, _ := newTestRegistry(Config{})

	sess, err := r.Authenticate("conn-1", "basic-token", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.SubjectID)
	assert.Equal(t, token.RoleBasic, sess.Role)
	assert.Equal(t, 1, r.Count())

	_, err = r.Authenticate("conn-2", "garbage", "10.0.0.1")
	assert.ErrorIs(t, err, errors.ErrInvalidToken)
	assert.Equal(t, 1, r.Count())
}

func TestPerIPQuota(t *testing.T) {
	r, _ := newTestRegistry(Config{MaxPerIP: 2, MaxPerSubject: 10})

	_, err := r.Authenticate("conn-1", "basic-token", "10.0.0.1")
	require.NoError(t, err)
	_, err = r.Authenticate("conn-2", "premium-token", "10.0.0.1")
	require.NoError(t, err)

	_, err = r.Authenticate("conn-3", "admin-token", "10.0.0.1")
	assert.ErrorIs(t, err, errors.ErrQuotaExceeded)

	// A different IP is unaffected.
	_, err = r.Authenticate("conn-3", "admin-token", "10.0.0.2")
	assert.NoError(t, err)
}

func TestPerSubjectQuota(t *testing.T) {
	r, _ := newTestRegistry(Config{MaxPerIP: 10, MaxPerSubject: 2})

	_, err := r.Authenticate("conn-1", "basic-token", "10.0.0.1")
	require.NoError(t, err)
	_, err = r.Authenticate("conn-2", "basic-token", "10.0.0.2")
	require.NoError(t, err)

	_, err = r.Authenticate("conn-3", "basic-token", "10.0.0.3")
	assert.ErrorIs(t, err, errors.ErrQuotaExceeded)

	// Disconnecting frees the quota slot.
	r.Disconnect("conn-1")
	_, err = r.Authenticate("conn-3", "basic-token", "10.0.0.3")
	assert.NoError(t, err)
}

func TestSubscribePermissions(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	_, err := r.Authenticate("conn-1", "basic-token", "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, r.Subscribe("conn-1", policy.ChannelUSStocks))

	err = r.Subscribe("conn-1", policy.ChannelAISignals)
	assert.ErrorIs(t, err, errors.ErrPermissionDenied)

	// The denied subscribe must not have touched the set.
	sess, ok := r.Get("conn-1")
	require.True(t, ok)
	assert.Equal(t, []string{policy.ChannelUSStocks}, sess.Subscriptions)

	// Admin clears every channel.
	_, err = r.Authenticate("conn-2", "admin-token", "10.0.0.2")
	require.NoError(t, err)
	assert.NoError(t, r.Subscribe("conn-2", policy.ChannelAISignals))
}

func TestSubscribeUnknownChannelDenied(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	_, err := r.Authenticate("conn-1", "premium-token", "10.0.0.1")
	require.NoError(t, err)

	// A channel absent from the policy table is denied for everyone.
	err = r.Subscribe("conn-1", "shadow_feed")
	assert.ErrorIs(t, err, errors.ErrPermissionDenied)

	sess, ok := r.Get("conn-1")
	require.True(t, ok)
	assert.Empty(t, sess.Subscriptions)
}

func TestSubscribeUnknownSession(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	err := r.Subscribe("ghost", policy.ChannelUSStocks)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	_, err := r.Authenticate("conn-1", "basic-token", "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, r.Subscribe("conn-1", policy.ChannelUSStocks))
	require.NoError(t, r.Unsubscribe("conn-1", policy.ChannelUSStocks))
	require.NoError(t, r.Unsubscribe("conn-1", policy.ChannelUSStocks))

	sess, _ := r.Get("conn-1")
	assert.Empty(t, sess.Subscriptions)
}

func TestSubscribers(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	for _, c := range []struct{ conn, tok, ip string }{
		{"conn-1", "basic-token", "10.0.0.1"},
		{"conn-2", "premium-token", "10.0.0.2"},
		{"conn-3", "admin-token", "10.0.0.3"},
	} {
		_, err := r.Authenticate(c.conn, c.tok, c.ip)
		require.NoError(t, err)
	}
	require.NoError(t, r.Subscribe("conn-1", policy.ChannelUSStocks))
	require.NoError(t, r.Subscribe("conn-2", policy.ChannelUSStocks))
	require.NoError(t, r.Subscribe("conn-3", policy.ChannelAISignals))

	subs := r.Subscribers(policy.ChannelUSStocks)
	assert.ElementsMatch(t, []string{"conn-1", "conn-2"}, subs)
	assert.Empty(t, r.Subscribers(policy.ChannelNews))
}

func TestDisconnectIdempotent(t *testing.T) {
	r, _ := newTestRegistry(Config{})
	_, err := r.Authenticate("conn-1", "basic-token", "10.0.0.1")
	require.NoError(t, err)

	r.Disconnect("conn-1")
	r.Disconnect("conn-1")
	assert.Equal(t, 0, r.Count())
	_, ok := r.Get("conn-1")
	assert.False(t, ok)
}

func TestSweep(t *testing.T) {
	r, clock := newTestRegistry(Config{})
	_, err := r.Authenticate("idle", "basic-token", "10.0.0.1")
	require.NoError(t, err)
	_, err = r.Authenticate("active", "premium-token", "10.0.0.2")
	require.NoError(t, err)

	clock.advance(20 * time.Minute)
	r.Touch("active")

	clock.advance(15 * time.Minute)
	evicted := r.Sweep(30 * time.Minute)
	assert.Equal(t, []string{"idle"}, evicted)
	assert.Equal(t, 1, r.Count())

	_, ok := r.Get("idle")
	assert.False(t, ok)
	_, ok = r.Get("active")
	assert.True(t, ok)

	// Quota slot is released by the sweep.
	_, err = r.Authenticate("conn-x", "basic-token", "10.0.0.1")
	assert.NoError(t, err)
}

func TestTouchUpdatesActivity(t *testing.T) {
	r, clock := newTestRegistry(Config{})
	_, err := r.Authenticate("conn-1", "basic-token", "10.0.0.1")
	require.NoError(t, err)

	clock.advance(5 * time.Minute)
	r.Touch("conn-1")

	sess, _ := r.Get("conn-1")
	assert.Equal(t, clock.now, sess.LastActivity)

	// Touching an unknown connection is a no-op.
	r.Touch("ghost")
}
