package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthenticator(t *testing.T) {
	auth := NewStaticAuthenticator(map[string]Identity{
		"tok-1": {UserID: "u1", OrgID: "o1", DeviceID: "laptop"},
		"bad":   {UserID: "u2"},
	})

	id, err := auth.Authenticate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "o1", id.OrgID)

	_, err = auth.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = auth.Authenticate(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Tokens bound to incomplete identities are rejected too.
	_, err = auth.Authenticate(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	auth.AddToken("tok-2", Identity{UserID: "u3", OrgID: "o1", DeviceID: "phone"})
	id, err = auth.Authenticate(context.Background(), "tok-2")
	require.NoError(t, err)
	assert.Equal(t, "u3", id.UserID)
}
