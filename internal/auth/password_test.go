package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret-password")
	require.NoError(t, err)
	require.NotEqual(t, "s3cret-password", hash)

	require.True(t, CheckPasswordHash("s3cret-password", hash))
	require.False(t, CheckPasswordHash("wrong-password", hash))
	require.False(t, CheckPasswordHash("s3cret-password", "not-a-bcrypt-hash"))
}
