package logx

import (
	"bytes"
	"os"
	"testing"

	logging "github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	t.Cleanup(func() { _ = Setup("INFO", os.Stderr) })

	var buf bytes.Buffer
	require.NoError(t, Setup("WARNING", &buf))

	log := logging.MustGetLogger("logxtest")
	log.Infof("hidden")
	log.Warningf("[%d] shown", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[3] shown")
	assert.Contains(t, out, "logxtest")
}

func TestSetup_InvalidLevel(t *testing.T) {
	assert.Error(t, Setup("LOUD", &bytes.Buffer{}))
}
