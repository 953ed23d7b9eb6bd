package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReady_SucceedsOnceListenerAccepts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := Config{Interval: 20 * time.Millisecond, Timeout: 200 * time.Millisecond, Retries: 5, StartPeriod: time.Second}
	err = WaitReady(ctx, ln.Addr().String(), cfg)
	assert.NoError(t, err)
}

func TestWaitReady_TimesOutAgainstDeadPort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	cfg := Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond, Retries: 3, StartPeriod: 0}
	err := WaitReady(ctx, "127.0.0.1:1", cfg)
	assert.Error(t, err)
}

func TestStatus_HonorsStartPeriodBeforeCountingFailures(t *testing.T) {
	s := NewStatus()
	cfg := Config{Retries: 2, StartPeriod: time.Hour}

	for i := 0; i < 5; i++ {
		s.Update(Result{Healthy: false, CheckedAt: time.Now()}, cfg)
	}
	assert.False(t, s.Healthy, "status starts false until first success regardless of start period")
	assert.Equal(t, 5, s.ConsecutiveFailures)

	s.Update(Result{Healthy: true, CheckedAt: time.Now()}, cfg)
	assert.True(t, s.Healthy)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}
