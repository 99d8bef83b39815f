package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	tok, err := IssueToken("s3cret", "cli", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken("s3cret", tok)
	require.NoError(t, err)
	assert.Equal(t, "cli", claims.Subject)

	_, err = ParseToken("other", tok)
	assert.Error(t, err)
}

func TestParse_Expired(t *testing.T) {
	tok, err := IssueToken("s3cret", "cli", -time.Minute)
	require.NoError(t, err)

	_, err = ParseToken("s3cret", tok)
	assert.Error(t, err)
}

func TestIssue_EmptySecret(t *testing.T) {
	_, err := IssueToken("", "cli", time.Hour)
	assert.Error(t, err)
}
