package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func TestFileStore_Lifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token")
	store := NewFileStore(path)

	_, err := store.Token()
	assert.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, store.Set("abc.def.ghi"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	token, err := store.Token()
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", token)

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())

	_, err = store.Token()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestFileStore_BlankFileIsNoToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))

	_, err := NewFileStore(path).Token()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestStaticAndEnvToken(t *testing.T) {
	_, err := StaticToken("").Token()
	assert.ErrorIs(t, err, ErrNoToken)

	t.Setenv("VOLTWORK_TEST_TOKEN", " tok ")
	token, err := EnvToken("VOLTWORK_TEST_TOKEN").Token()
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
}

func TestIssueAndVerifyToken(t *testing.T) {
	token, err := IssueToken(testSecret, "user-1", "CITIZEN", time.Hour)
	require.NoError(t, err)

	claims, err := VerifyToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.User())
	assert.Equal(t, "CITIZEN", claims.Role)

	_, err = VerifyToken([]byte("other-secret"), token)
	assert.Error(t, err)
}

func TestVerifyToken_Expired(t *testing.T) {
	token, err := IssueToken(testSecret, "user-1", "", -time.Minute)
	require.NoError(t, err)

	_, err = VerifyToken(testSecret, token)
	assert.Error(t, err)
}

func TestUserIDFromToken(t *testing.T) {
	token, err := IssueToken(testSecret, "user-42", "ELECTRICIAN", time.Hour)
	require.NoError(t, err)

	id, err := UserIDFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", id)

	_, err = UserIDFromToken("not-a-jwt")
	assert.Error(t, err)
}
