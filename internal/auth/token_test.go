package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecisionTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("s3cret", 30)

	token, expires, err := tm.GenerateDecisionToken("draft-1", "alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), expires, 5*time.Second)

	claims, err := tm.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "draft-1", claims.DraftID)
	assert.Equal(t, "alice", claims.Reviewer)
}

func TestDecisionTokenRejections(t *testing.T) {
	tm := NewTokenManager("s3cret", 30)
	token, _, err := tm.GenerateDecisionToken("draft-1", "")
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewTokenManager("other", 30).ParseToken(token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		late := NewTokenManager("s3cret", 30)
		late.now = func() time.Time { return time.Now().Add(time.Hour) }
		_, err := late.ParseToken(token)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := tm.ParseToken("not-a-jwt")
		assert.Error(t, err)
	})

	t.Run("empty draft id", func(t *testing.T) {
		_, _, err := tm.GenerateDecisionToken("", "bob")
		assert.Error(t, err)
	})
}
