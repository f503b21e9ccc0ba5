package health

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/flare/registry"
	"github.com/ceyewan/flare/xerrors"
)

func testPolicy() *registry.HealthCheckPolicy {
	return &registry.HealthCheckPolicy{
		Enabled:          true,
		Protocol:         "tcp",
		Interval:         20 * time.Millisecond,
		Timeout:          5 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

func TestNewRequiresEnabledPolicy(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	_, err = New(&registry.HealthCheckPolicy{Enabled: false}, nil)
	assert.Error(t, err)
}

func TestHysteresisStateMachine(t *testing.T) {
	var events []Event
	c, err := New(testPolicy(), func(e Event) { events = append(events, e) })
	require.NoError(t, err)
	defer c.Close()

	ep := &endpointProbe{instanceID: "g1", address: "10.0.0.1:8080", status: StatusHealthy}
	fail := xerrors.New("boom")

	// 两次失败未达阈值，状态不变
	c.applyResult(ep, fail)
	c.applyResult(ep, fail)
	assert.Equal(t, StatusHealthy, ep.status)
	assert.Empty(t, events)

	// 成功清零失败计数，之后需要重新累计三次失败
	c.applyResult(ep, nil)
	c.applyResult(ep, fail)
	c.applyResult(ep, fail)
	assert.Equal(t, StatusHealthy, ep.status)

	c.applyResult(ep, fail)
	assert.Equal(t, StatusUnhealthy, ep.status)
	require.Len(t, events, 1)
	assert.False(t, events[0].Healthy)
	assert.Equal(t, "g1", events[0].InstanceID)

	// 恢复需要连续两次成功，中间失败清零成功计数
	c.applyResult(ep, nil)
	c.applyResult(ep, fail)
	c.applyResult(ep, nil)
	assert.Equal(t, StatusUnhealthy, ep.status)

	c.applyResult(ep, nil)
	assert.Equal(t, StatusHealthy, ep.status)
	require.Len(t, events, 2)
	assert.True(t, events[1].Healthy)

	// 稳态下不重复产生事件
	c.applyResult(ep, nil)
	c.applyResult(ep, nil)
	assert.Len(t, events, 2)
}

func TestCheckerTransitionsViaProbeLoop(t *testing.T) {
	var mu sync.Mutex
	var events []Event

	c, err := New(testPolicy(), func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}, WithProber(ProbeFunc(func(ctx context.Context, address string) error {
		return xerrors.New("always down")
	})))
	require.NoError(t, err)
	defer c.Close()

	c.Track("g1", "10.0.0.1:8080")
	assert.Equal(t, StatusHealthy, c.Status("g1"))

	require.Eventually(t, func() bool {
		return c.Status("g1") == StatusUnhealthy
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, events, 1)
	assert.False(t, events[0].Healthy)
	mu.Unlock()

	// 未监护与已遗忘的实例报告健康
	c.Forget("g1")
	assert.Equal(t, StatusHealthy, c.Status("g1"))
	assert.Equal(t, StatusHealthy, c.Status("never-tracked"))
}

func TestCheckerTrackIdempotent(t *testing.T) {
	c, err := New(testPolicy(), nil,
		WithProber(ProbeFunc(func(ctx context.Context, address string) error { return nil })))
	require.NoError(t, err)
	defer c.Close()

	c.Track("g1", "10.0.0.1:8080")
	c.Track("g1", "10.0.0.1:8080")
	c.Track("g1", "10.0.0.2:8080") // 地址变化重建探测

	c.mu.Lock()
	assert.Len(t, c.endpoints, 1)
	assert.Equal(t, "10.0.0.2:8080", c.endpoints["g1"].address)
	c.mu.Unlock()
}

func TestCheckerCloseIdempotent(t *testing.T) {
	c, err := New(testPolicy(), nil,
		WithProber(ProbeFunc(func(ctx context.Context, address string) error { return nil })))
	require.NoError(t, err)

	c.Track("g1", "10.0.0.1:8080")
	c.Close()
	c.Close()

	// 关闭后 Track 是空操作
	c.Track("g2", "10.0.0.2:8080")
	c.mu.Lock()
	assert.Empty(t, c.endpoints)
	c.mu.Unlock()
}

func TestTCPProber(t *testing.T) {
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

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, TCPProber{}.Probe(ctx, ln.Addr().String()))

	addr := ln.Addr().String()
	ln.Close()
	err = TCPProber{}.Probe(ctx, addr)
	assert.True(t, xerrors.Is(err, ErrProbeFailed))
}
