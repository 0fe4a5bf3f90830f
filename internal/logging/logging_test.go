package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSON(t *testing.T) {
	var buf bytes.Buffer
	lvl := setup(&buf, "DEBUG", false)
	t.Cleanup(func() { setup(&bytes.Buffer{}, "info", false) })

	assert.Equal(t, zerolog.DebugLevel, lvl)
	log.Debug().Str("listing_id", "l1").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "l1", entry["listing_id"])
	assert.Equal(t, "mandi-engine", entry["service"])
}

func TestSetup_UnknownLevelFallsBack(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, zerolog.InfoLevel, setup(&buf, "chatty", true))
	t.Cleanup(func() { setup(&bytes.Buffer{}, "info", false) })

	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
