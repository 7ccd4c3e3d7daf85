package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter(t *testing.T) {
	t.Run("json at warn drops info", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := NewWithWriter(&buf, "warn", "json")
		require.NoError(t, err)

		log.Info("ignored")
		log.Warn("kept", "asset_id", "asset-1")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "kept", line["msg"])
		assert.Equal(t, "asset-1", line["asset_id"])
	})

	t.Run("text format", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := NewWithWriter(&buf, "", "text")
		require.NoError(t, err)
		log.Info("hello")
		assert.Contains(t, buf.String(), "msg=hello")
	})

	t.Run("bad input", func(t *testing.T) {
		_, err := NewWithWriter(&bytes.Buffer{}, "loud", "json")
		assert.Error(t, err)
		_, err = NewWithWriter(&bytes.Buffer{}, "info", "xml")
		assert.Error(t, err)
	})
}
