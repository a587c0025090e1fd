package transfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProfilesMissingPathReturnsDefaults(t *testing.T) {
	got, err := LoadProfiles("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProfiles(), got)
}

func TestLoadProfilesOverridesNamedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.ini")
	content := "[TURBO]\ninter_block_delay_ms = 5\ntimeout_multiplier = 0.25\n\n[SLOW]\npost_ack_delay_ms = 999\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	got, err := LoadProfiles(path)
	require.NoError(t, err)

	turbo := got[ProfileTurbo]
	assert.Equal(t, 5*time.Millisecond, turbo.InterBlockDelay)
	assert.Equal(t, 0.25, turbo.TimeoutMultiplier)
	assert.Equal(t, defaultProfiles[ProfileTurbo].PostAckDelay, turbo.PostAckDelay)

	slow := got[ProfileSlow]
	assert.Equal(t, 999*time.Millisecond, slow.PostAckDelay)
	assert.Equal(t, defaultProfiles[ProfileSlow].InterBlockDelay, slow.InterBlockDelay)

	assert.Equal(t, defaultProfiles[ProfileNormal], got[ProfileNormal])
}
