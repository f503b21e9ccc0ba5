package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/xerrors"
)

// PoolConfig 连接池配置。
type PoolConfig struct {
	// DialOptions 建连选项。未提供凭证时默认使用明文连接。
	DialOptions []grpc.DialOption
	// BreakerEnabled 是否在连接上启用按目标地址的熔断器。
	BreakerEnabled bool
	// BreakerTimeout 熔断器打开后进入半开的等待时间。
	BreakerTimeout time.Duration
	// BreakerMinRequests 统计窗口内触发熔断判定的最小请求数。
	BreakerMinRequests uint32
	// BreakerFailureRatio 失败率阈值。
	BreakerFailureRatio float64
}

func (c *PoolConfig) setDefaults() {
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 10 * time.Second
	}
	if c.BreakerMinRequests == 0 {
		c.BreakerMinRequests = 10
	}
	if c.BreakerFailureRatio <= 0 {
		c.BreakerFailureRatio = 0.6
	}
}

// pool gRPC 连接池。每个目标地址一条共享连接，实例下线时关闭对应
// 连接。同时维护按实例的在途请求计数，供最少连接策略使用。
type pool struct {
	cfg    *PoolConfig
	logger clog.Logger

	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	breakers map[string]*gobreaker.CircuitBreaker[any]
	closed   bool

	inflightMu sync.Mutex
	inflight   map[string]*atomic.Int64
}

func newPool(cfg *PoolConfig, logger clog.Logger) *pool {
	if cfg == nil {
		cfg = &PoolConfig{}
	}
	cfg.setDefaults()
	return &pool{
		cfg:      cfg,
		logger:   logger,
		conns:    make(map[string]*grpc.ClientConn),
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		inflight: make(map[string]*atomic.Int64),
	}
}

// get 返回目标地址的共享连接，不存在则建连。created 表示本次
// 调用是否新建了连接。
func (p *pool) get(address string) (conn *grpc.ClientConn, created bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrClosed
	}
	if conn, ok := p.conns[address]; ok {
		return conn, false, nil
	}

	opts := make([]grpc.DialOption, 0, len(p.cfg.DialOptions)+2)
	// 调用方传入选项时由其负责凭证，否则默认明文连接
	if len(p.cfg.DialOptions) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, p.cfg.DialOptions...)
	if p.cfg.BreakerEnabled {
		opts = append(opts, grpc.WithUnaryInterceptor(p.breakerInterceptor(address)))
	}

	conn, err = grpc.NewClient(address, opts...)
	if err != nil {
		return nil, false, xerrors.Wrapf(err, "dial %s", address)
	}
	p.conns[address] = conn
	p.logger.Debug("pooled connection created", clog.String("address", address))
	return conn, true, nil
}

// closeAddress 关闭并移除目标地址的连接。地址未入池时是空操作。
func (p *pool) closeAddress(address string) {
	p.mu.Lock()
	conn, ok := p.conns[address]
	if ok {
		delete(p.conns, address)
	}
	delete(p.breakers, address)
	p.mu.Unlock()

	if ok {
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close pooled connection",
				clog.String("address", address), clog.Error(err))
		} else {
			p.logger.Debug("pooled connection closed", clog.String("address", address))
		}
	}
}

func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*grpc.ClientConn)
	p.breakers = make(map[string]*gobreaker.CircuitBreaker[any])
	p.mu.Unlock()

	for address, conn := range conns {
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close pooled connection",
				clog.String("address", address), clog.Error(err))
		}
	}
}

// breakerInterceptor 按目标地址的熔断拦截器。熔断打开期间请求
// 立即失败，不占用下游资源。
func (p *pool) breakerInterceptor(address string) grpc.UnaryClientInterceptor {
	cb := p.breakerFor(address)
	return func(ctx context.Context, method string, req, reply any,
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		_, err := cb.Execute(func() (any, error) {
			return nil, invoker(ctx, method, req, reply, cc, opts...)
		})
		return err
	}
}

func (p *pool) breakerFor(address string) *gobreaker.CircuitBreaker[any] {
	if cb, ok := p.breakers[address]; ok {
		return cb
	}
	minRequests := p.cfg.BreakerMinRequests
	failureRatio := p.cfg.BreakerFailureRatio
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    address,
		Timeout: p.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= failureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("endpoint breaker state change",
				clog.String("address", name),
				clog.String("from", from.String()),
				clog.String("to", to.String()))
		},
	})
	p.breakers[address] = cb
	return cb
}

// acquire 增加实例在途计数，返回对应的释放函数。释放函数幂等。
func (p *pool) acquire(instanceID string) func() {
	p.inflightMu.Lock()
	counter, ok := p.inflight[instanceID]
	if !ok {
		counter = &atomic.Int64{}
		p.inflight[instanceID] = counter
	}
	p.inflightMu.Unlock()

	counter.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { counter.Add(-1) })
	}
}

// load 返回实例在途请求数。
func (p *pool) load(instanceID string) int64 {
	p.inflightMu.Lock()
	counter, ok := p.inflight[instanceID]
	p.inflightMu.Unlock()
	if !ok {
		return 0
	}
	return counter.Load()
}

// dropLoad 实例下线时清除其在途计数。
func (p *pool) dropLoad(instanceID string) {
	p.inflightMu.Lock()
	delete(p.inflight, instanceID)
	p.inflightMu.Unlock()
}
