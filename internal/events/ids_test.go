package events_test

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/vibefix/internal/events"
)

func TestJobID(t *testing.T) {
	t.Run("new IDs are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for range 100 {
			id := events.NewJobID()
			require.False(t, seen[id.String()])
			seen[id.String()] = true
		}
	})

	t.Run("short is first 8 hex characters", func(t *testing.T) {
		id := events.NewJobID()

		assert.Len(t, id.Short(), 8)
		assert.Equal(t, id.Hex()[:8], id.Short())
		assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), id.Short())
	})

	t.Run("hex has no dashes", func(t *testing.T) {
		id := events.NewJobID()

		assert.Len(t, id.Hex(), 32)
		assert.NotContains(t, id.Hex(), "-")
	})

	t.Run("parse round trip", func(t *testing.T) {
		id := events.NewJobID()

		parsed, err := events.ParseJobID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})

	t.Run("parse rejects garbage", func(t *testing.T) {
		_, err := events.ParseJobID("not-a-uuid")
		require.Error(t, err)
	})

	t.Run("json round trip", func(t *testing.T) {
		id := events.NewJobID()

		data, err := json.Marshal(id)
		require.NoError(t, err)

		var decoded events.JobID
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, id, decoded)
	})

	t.Run("zero value", func(t *testing.T) {
		var id events.JobID
		assert.True(t, id.IsZero())
		assert.False(t, events.NewJobID().IsZero())
	})
}

func TestEventID(t *testing.T) {
	t.Run("parse round trip", func(t *testing.T) {
		id := events.NewEventID()

		parsed, err := events.ParseEventID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id.String(), parsed.String())
	})

	t.Run("carries a timestamp", func(t *testing.T) {
		id := events.NewEventID()
		assert.False(t, id.Time().IsZero())
	})

	t.Run("zero value", func(t *testing.T) {
		var id events.EventID
		assert.True(t, id.IsZero())
	})
}

func TestDerivedIdentifiers(t *testing.T) {
	id := events.MustParseJobID("a1b2c3d4-0000-4000-8000-000000000000")
	derived := events.NewDerivedIdentifiers(id, "acme/storefront")

	t.Run("branch name", func(t *testing.T) {
		assert.Equal(t, "fix-vibe-a1b2c3d4", derived.BranchName())
	})

	t.Run("capture dir", func(t *testing.T) {
		assert.Equal(t, "/tmp/captures/"+id.Hex(), derived.CaptureDir("/tmp/captures"))
	})
}

func TestVerificationLockKey(t *testing.T) {
	key := events.VerificationLockKey("acme/storefront", 42)
	assert.Equal(t, "verify:pr:acme/storefront:42", key)
}
