package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDoc = `
keys:
  sk-alpha:
    request_per_minute: 60
    input_tokens_per_minute: 10000
    output_tokens_per_minute: 5000
  sk-beta:
    request_per_minute: 0
    input_tokens_per_minute: 0
    output_tokens_per_minute: 0
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "api_keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestRegistry_LookupKnownCredential(t *testing.T) {
	path := writeTemp(t, sampleDoc)
	reg, err := Load(path, nil)
	require.NoError(t, err)

	limits, ok := reg.Lookup("sk-alpha")
	require.True(t, ok)
	require.Equal(t, Limits{RPM: 60, ITPM: 10000, OTPM: 5000}, limits)
}

func TestRegistry_UnknownCredentialIsDistinct(t *testing.T) {
	path := writeTemp(t, sampleDoc)
	reg, err := Load(path, nil)
	require.NoError(t, err)

	_, ok := reg.Lookup("sk-does-not-exist")
	require.False(t, ok)
}

func TestRegistry_ZeroLimitIsReal(t *testing.T) {
	path := writeTemp(t, sampleDoc)
	reg, err := Load(path, nil)
	require.NoError(t, err)

	limits, ok := reg.Lookup("sk-beta")
	require.True(t, ok)
	require.Equal(t, Limits{}, limits)
}

func TestRegistry_ReloadPublishesNewSnapshotAtomically(t *testing.T) {
	path := writeTemp(t, sampleDoc)
	reg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, 2, reg.Size())

	updated := `
keys:
  sk-gamma:
    request_per_minute: 1
    input_tokens_per_minute: 1
    output_tokens_per_minute: 1
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	require.NoError(t, reg.Reload())

	require.Equal(t, 1, reg.Size())
	_, ok := reg.Lookup("sk-alpha")
	require.False(t, ok)
	limits, ok := reg.Lookup("sk-gamma")
	require.True(t, ok)
	require.Equal(t, Limits{RPM: 1, ITPM: 1, OTPM: 1}, limits)
}

func TestRegistry_LoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}
