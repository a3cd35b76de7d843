package supervisor

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitLifecycleWritesStageMessage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EmitLifecycle(&buf, LifecycleListen))

	var msg struct {
		Stage Lifecycle `json:"stage"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &msg))
	assert.Equal(t, LifecycleListen, msg.Stage)
}

func TestSpawnSendsConfigAndAwaitsListen(t *testing.T) {
	// A stand-in child: drain the one IPC config message, then report
	// straight to "listen" on stdout.
	c, err := Spawn("sh", []string{"-c", "read _; echo '{\"stage\":\"listen\"}'"}, ChildConfig{
		LogLevel: "info", BindAddr: ":4243",
	})
	require.NoError(t, err)
	defer c.Cmd.Wait()

	done := make(chan error, 1)
	go func() { done <- c.AwaitLifecycle(LifecycleListen) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("AwaitLifecycle never returned")
	}
}

func TestAwaitLifecycleErrorsWhenIPCClosesFirst(t *testing.T) {
	c, err := Spawn("sh", []string{"-c", "read _; true"}, ChildConfig{})
	require.NoError(t, err)
	defer c.Cmd.Wait()

	err = c.AwaitLifecycle(LifecycleListen)
	assert.Error(t, err)
}
