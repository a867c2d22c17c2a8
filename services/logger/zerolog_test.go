package logsvc

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
)

func TestZeroLogger(t *testing.T) {
	var buf bytes.Buffer
	conf := &core.Config{AppName: "Shule", Env: "test", Debug: true, TestMode: true}
	logger := NewZeroLogger(NewZerolog(conf, &buf))

	logger.Error("sending email", errors.New("boom"), user.User{ID: "u1", Username: "jdoe"}, map[string]interface{}{"to": "x@y.z"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "sending email", entry["message"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.Equal(t, "x@y.z", entry["to"])
	assert.Equal(t, "Shule", entry["app"])
}

func TestZeroLogger_level(t *testing.T) {
	var buf bytes.Buffer
	conf := &core.Config{Env: "prod", TestMode: true}
	logger := NewZeroLogger(NewZerolog(conf, &buf))

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())
	logger.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}
