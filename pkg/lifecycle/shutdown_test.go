package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/logflow/skelstream/pkg/errors"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestShutdownManager_RunsStepsInReverse(t *testing.T) {
	m := NewShutdownManager(ShutdownConfig{})
	var order []string
	for _, name := range []string{"logger", "tracing", "redis"} {
		name := name
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	m.RegisterCloser("file", closerFunc(func() error {
		order = append(order, "file")
		return nil
	}))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, []string{"file", "redis", "tracing", "logger"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewShutdownManager(ShutdownConfig{Logger: zap.New(core)})

	ran := false
	m.Register("first", func(context.Context) error {
		ran = true
		return nil
	})
	m.Register("redis", func(context.Context) error { return fmt.Errorf("connection reset") })

	err := m.Shutdown(context.Background())
	require.Error(t, err)
	assert.True(t, ran, "later steps still run after a failure")
	assert.Equal(t, errors.CodeUnknown, errors.GetCode(err))
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 1, logs.FilterMessage("shutdown step failed").Len())

	m2 := NewShutdownManager(ShutdownConfig{})
	m2.Register("a", func(context.Context) error { return fmt.Errorf("a") })
	m2.Register("b", func(context.Context) error { return fmt.Errorf("b") })
	var multi *errors.MultiError
	require.ErrorAs(t, m2.Shutdown(context.Background()), &multi)
	assert.Len(t, multi.Errors, 2)
}

func TestShutdownManager_Idempotent(t *testing.T) {
	m := NewShutdownManager(ShutdownConfig{})
	calls := 0
	m.Register("once", func(context.Context) error {
		calls++
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Shutdown(context.Background()))
		}()
	}
	wg.Wait()
	m.Wait()
	assert.Equal(t, 1, calls)
}

func TestShutdownManager_DrainsInFlight(t *testing.T) {
	m := NewShutdownManager(ShutdownConfig{DrainTimeout: 5 * time.Second})
	require.True(t, m.StartRequest())
	assert.Equal(t, int64(1), m.InFlightCount())

	closed := make(chan struct{})
	m.Register("after-drain", func(context.Context) error {
		close(closed)
		return nil
	})

	go func() { _ = m.Shutdown(context.Background()) }()
	require.Eventually(t, m.IsDraining, time.Second, 5*time.Millisecond)
	assert.False(t, m.StartRequest(), "no new requests while draining")

	select {
	case <-closed:
		t.Fatal("steps ran before in-flight request finished")
	case <-time.After(50 * time.Millisecond):
	}

	m.EndRequest()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("steps did not run after drain")
	}

	status := m.Status()
	assert.True(t, status.Draining)
	assert.Zero(t, status.InFlight)
	assert.False(t, status.ShutdownAt.IsZero())
}

func TestShutdownManager_DrainTimeout(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewShutdownManager(ShutdownConfig{DrainTimeout: 20 * time.Millisecond, Logger: zap.New(core)})
	require.True(t, m.StartRequest())

	start := time.Now()
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second, "a stuck request does not block shutdown")
	assert.Equal(t, 1, logs.FilterMessage("drain timeout reached").Len())
	assert.Equal(t, int64(1), m.Status().InFlight)

	m.EndRequest()
	assert.Zero(t, m.InFlightCount())
}
