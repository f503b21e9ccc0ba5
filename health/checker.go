package health

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/metrics"
	"github.com/ceyewan/flare/registry"
	"github.com/ceyewan/flare/xerrors"
)

// Status 端点健康状态。
type Status uint8

const (
	// StatusHealthy 健康。新加入的端点乐观地视为健康。
	StatusHealthy Status = iota
	// StatusUnhealthy 不健康。
	StatusUnhealthy
)

func (s Status) String() string {
	if s == StatusHealthy {
		return "healthy"
	}
	return "unhealthy"
}

// Event 健康状态翻转事件，仅在状态真正变化时产生。
type Event struct {
	InstanceID string
	Address    string
	Healthy    bool
}

// OnTransition 状态翻转回调。在探测协程中同步调用，不可阻塞。
type OnTransition func(Event)

// endpointProbe 单个端点的探测状态。计数器实现迟滞：一次成功清零
// 失败计数，一次失败清零成功计数。
type endpointProbe struct {
	instanceID string
	address    string
	cancel     context.CancelFunc

	mu           sync.Mutex
	status       Status
	failureCount int
	successCount int
}

// Checker 主动健康检查器。Track 开始监护端点，Forget 停止。
// 每个端点独立的探测循环带随机相位，避免探测同时发出。
type Checker struct {
	policy       *registry.HealthCheckPolicy
	prober       Prober
	onTransition OnTransition

	logger clog.Logger
	clock  clockwork.Clock

	probesTotal metrics.Counter
	transitions metrics.Counter

	mu        sync.Mutex
	endpoints map[string]*endpointProbe
	closed    bool
	wg        sync.WaitGroup
}

// Option 检查器初始化选项。
type Option func(*checkerOptions)

type checkerOptions struct {
	logger clog.Logger
	meter  metrics.Meter
	clock  clockwork.Clock
	prober Prober
}

// WithLogger 注入日志记录器。
func WithLogger(l clog.Logger) Option {
	return func(o *checkerOptions) {
		if l != nil {
			o.logger = l.WithNamespace("health")
		}
	}
}

// WithMeter 注入指标 Meter。
func WithMeter(m metrics.Meter) Option {
	return func(o *checkerOptions) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithClock 注入时钟，测试用。
func WithClock(c clockwork.Clock) Option {
	return func(o *checkerOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithProber 覆盖按协议推导的 Prober。
func WithProber(p Prober) Option {
	return func(o *checkerOptions) {
		if p != nil {
			o.prober = p
		}
	}
}

// New 创建健康检查器。policy 为 nil 或未启用时返回错误，
// 不需要探测的场景不应创建 Checker。
func New(policy *registry.HealthCheckPolicy, onTransition OnTransition, opts ...Option) (*Checker, error) {
	if policy == nil || !policy.Enabled {
		return nil, xerrors.New("health: policy is nil or disabled")
	}

	o := &checkerOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = clog.Discard()
	}
	if o.meter == nil {
		o.meter = metrics.Noop()
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.prober == nil {
		switch policy.Protocol {
		case "http":
			o.prober = HTTPProber{Path: policy.Path}
		default:
			o.prober = TCPProber{}
		}
	}

	c := &Checker{
		policy:       policy,
		prober:       o.prober,
		onTransition: onTransition,
		logger:       o.logger,
		clock:        o.clock,
		endpoints:    make(map[string]*endpointProbe),
	}
	c.probesTotal, _ = o.meter.Counter(
		"flare_health_probes_total",
		"Total health probes, by outcome",
	)
	c.transitions, _ = o.meter.Counter(
		"flare_health_transitions_total",
		"Health state transitions, by direction",
	)
	return c, nil
}

// Track 开始监护端点。重复 Track 同一实例是空操作，地址变化时
// 先 Forget 再 Track。
func (c *Checker) Track(instanceID, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if ep, ok := c.endpoints[instanceID]; ok {
		if ep.address == address {
			return
		}
		ep.cancel()
		delete(c.endpoints, instanceID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &endpointProbe{
		instanceID: instanceID,
		address:    address,
		cancel:     cancel,
		status:     StatusHealthy,
	}
	c.endpoints[instanceID] = ep

	c.wg.Add(1)
	go c.probeLoop(ctx, ep)
}

// Forget 停止监护端点。
func (c *Checker) Forget(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep, ok := c.endpoints[instanceID]; ok {
		ep.cancel()
		delete(c.endpoints, instanceID)
	}
}

// Status 返回端点当前状态。未监护的实例报告健康，
// 主动探测关闭时不应压制流量。
func (c *Checker) Status(instanceID string) Status {
	c.mu.Lock()
	ep, ok := c.endpoints[instanceID]
	c.mu.Unlock()
	if !ok {
		return StatusHealthy
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.status
}

// Close 停止所有探测循环并等待退出。幂等。
func (c *Checker) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, ep := range c.endpoints {
		ep.cancel()
		delete(c.endpoints, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// probeLoop 端点探测循环。初始延迟取 [0, interval) 的随机值，
// 打散同批端点的探测相位。
func (c *Checker) probeLoop(ctx context.Context, ep *endpointProbe) {
	defer c.wg.Done()

	phase := time.Duration(rand.Int64N(int64(c.policy.Interval)))
	select {
	case <-ctx.Done():
		return
	case <-c.clock.After(phase):
	}

	c.probeOnce(ctx, ep)
	ticker := c.clock.NewTicker(c.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.probeOnce(ctx, ep)
		}
	}
}

func (c *Checker) probeOnce(ctx context.Context, ep *endpointProbe) {
	probeCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	err := c.prober.Probe(probeCtx, ep.address)
	cancel()
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		c.probesTotal.Inc(ctx, metrics.L("outcome", "failure"))
	} else {
		c.probesTotal.Inc(ctx, metrics.L("outcome", "success"))
	}
	c.applyResult(ep, err)
}

// applyResult 迟滞状态机。成功与失败互相清零对方的计数，
// 只有连续越过阈值才翻转状态。
func (c *Checker) applyResult(ep *endpointProbe, probeErr error) {
	ep.mu.Lock()
	var event *Event
	if probeErr != nil {
		ep.successCount = 0
		ep.failureCount++
		if ep.status == StatusHealthy && ep.failureCount >= c.policy.FailureThreshold {
			ep.status = StatusUnhealthy
			event = &Event{InstanceID: ep.instanceID, Address: ep.address, Healthy: false}
		}
	} else {
		ep.failureCount = 0
		ep.successCount++
		if ep.status == StatusUnhealthy && ep.successCount >= c.policy.SuccessThreshold {
			ep.status = StatusHealthy
			event = &Event{InstanceID: ep.instanceID, Address: ep.address, Healthy: true}
		}
	}
	ep.mu.Unlock()

	if event == nil {
		return
	}

	direction := "down"
	if event.Healthy {
		direction = "up"
	}
	c.transitions.Inc(context.Background(), metrics.L("direction", direction))
	c.logger.Info("endpoint health transition",
		clog.String("instance_id", event.InstanceID),
		clog.String("address", event.Address),
		clog.Bool("healthy", event.Healthy))
	if c.onTransition != nil {
		c.onTransition(*event)
	}
}
