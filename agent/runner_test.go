package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabcast/tabcast/log"
)

func TestRunnerTerminateGraceful(t *testing.T) {
	r := NewRunner("sleep", []string{"10"}, nil, log.NewNullLogger())
	require.NoError(t, r.Start())
	require.True(t, r.Running())

	done := make(chan struct{})
	go func() { r.Terminate(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("terminate did not return")
	}
	assert.False(t, r.Running())
}

func TestRunnerTerminateEscalatesToKill(t *testing.T) {
	r := NewRunner("sh", []string{"-c", `trap "" TERM; sleep 10`}, nil, log.NewNullLogger())
	r.escalation = 100 * time.Millisecond
	require.NoError(t, r.Start())

	// Give the shell a moment to install its trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	r.Terminate()
	assert.False(t, r.Running())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunnerTerminateNeverStarted(t *testing.T) {
	r := NewRunner("sleep", []string{"10"}, nil, log.NewNullLogger())
	r.Terminate()
	assert.False(t, r.Running())
}

func TestRunnerDoubleStart(t *testing.T) {
	r := NewRunner("sleep", []string{"0.1"}, nil, log.NewNullLogger())
	require.NoError(t, r.Start())
	assert.Error(t, r.Start())
	r.Terminate()
}

func TestRunnerDoneOnNaturalExit(t *testing.T) {
	r := NewRunner("true", nil, nil, log.NewNullLogger())
	require.NoError(t, r.Start())
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit")
	}
	r.Terminate()
}
