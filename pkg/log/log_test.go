package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	logger := WithDomainID("d1")
	logger.Info().Str("component", "plb").Int("movements", 2).Msg("done")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "plb", entry["component"])
	assert.Equal(t, "d1", entry["domain_id"])
	assert.Equal(t, float64(2), entry["movements"])
	assert.Equal(t, "done", entry["message"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})
	defer Init(Config{Level: InfoLevel, JSONOutput: true, Output: &bytes.Buffer{}})

	Logger.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	Logger.Warn().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestAssert(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	t.Run("logs when not in test mode", func(t *testing.T) {
		SetTestMode(false)
		assert.NotPanics(t, func() { Assert(false, "bad value %d", 7) })
		assert.Contains(t, buf.String(), "bad value 7")
	})

	t.Run("panics in test mode", func(t *testing.T) {
		SetTestMode(true)
		defer SetTestMode(false)
		assert.PanicsWithValue(t, "assertion failed: broken", func() { Assert(false, "broken") })
		assert.NotPanics(t, func() { Assert(true, "fine") })
	})
}
