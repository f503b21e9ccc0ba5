package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/retry"
	"github.com/ceyewan/flare/xerrors"
)

// deregisterGrace Close 时尽力注销的最长等待时间。
const deregisterGrace = 5 * time.Second

// RegistrarConfig 注册器配置。
type RegistrarConfig struct {
	// LeaseTTL 租约时长，必须大于两倍心跳间隔。
	LeaseTTL time.Duration
	// HeartbeatInterval 心跳周期。
	HeartbeatInterval time.Duration
}

func (c *RegistrarConfig) setDefaults() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
}

func (c *RegistrarConfig) validate() error {
	if c.HeartbeatInterval*2 >= c.LeaseTTL {
		return xerrors.Wrapf(ErrInvalidTTL,
			"lease ttl %v must be more than twice the heartbeat interval %v",
			c.LeaseTTL, c.HeartbeatInterval)
	}
	return nil
}

// Registrar 管理本进程单个实例的注册生命周期：首次注册、周期心跳
// 续约、字段更新时立即重注册、关闭时尽力注销。
type Registrar struct {
	backend Backend
	cfg     *RegistrarConfig
	logger  clog.Logger
	clock   clockwork.Clock

	mu       sync.Mutex
	instance *ServiceInstance
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRegistrar 创建注册器。instance.InstanceID 为空时自动生成 UUID。
func NewRegistrar(backend Backend, instance *ServiceInstance, cfg *RegistrarConfig, opts ...Option) (*Registrar, error) {
	if backend == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "backend is required")
	}
	if instance == nil {
		return nil, xerrors.Wrap(ErrInvalidInstance, "instance is required")
	}
	if cfg == nil {
		cfg = &RegistrarConfig{}
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	inst := instance.Clone()
	if inst.InstanceID == "" {
		inst.InstanceID = uuid.NewString()
	}
	inst.Normalize()
	if err := inst.Validate(); err != nil {
		return nil, err
	}

	o := applyOptions(opts...)
	return &Registrar{
		backend:  backend,
		cfg:      cfg,
		logger:   o.logger.With(clog.String("instance_id", inst.InstanceID), clog.String("service_type", inst.ServiceType)),
		clock:    o.clock,
		instance: inst,
	}, nil
}

// InstanceID 返回实际生效的实例 ID。
func (r *Registrar) InstanceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instance.InstanceID
}

// Start 完成首次注册并启动心跳协程。首次注册带短暂退避重试，
// 仍失败则直接返回错误，调用方据此决定启动是否成功。
func (r *Registrar) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return xerrors.New("registrar: already started")
	}
	inst := r.instance.Clone()
	r.mu.Unlock()

	policy := retry.NewExponential(3, 100*time.Millisecond, time.Second)
	err := retry.Do(ctx, policy, func() error {
		return r.backend.Register(ctx, inst, r.cfg.LeaseTTL)
	})
	if err != nil {
		return xerrors.Wrap(err, "initial register")
	}

	heartbeatCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.started = true
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.heartbeatLoop(heartbeatCtx)
	r.logger.Info("registrar started",
		clog.Duration("lease_ttl", r.cfg.LeaseTTL),
		clog.Duration("heartbeat_interval", r.cfg.HeartbeatInterval))
	return nil
}

// UpdateInstance 更新实例字段（权重、标签、元数据）并立即重注册，
// 不等待下一次心跳。InstanceID 与 ServiceType 不可变。
func (r *Registrar) UpdateInstance(ctx context.Context, mutate func(*ServiceInstance)) error {
	r.mu.Lock()
	next := r.instance.Clone()
	mutate(next)
	next.InstanceID = r.instance.InstanceID
	next.ServiceType = r.instance.ServiceType
	next.Normalize()
	if err := next.Validate(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.instance = next
	started := r.started
	r.mu.Unlock()

	if !started {
		return nil
	}
	return r.backend.Register(ctx, next, r.cfg.LeaseTTL)
}

// heartbeatLoop 周期性重注册以续约。单次失败只告警，下个周期继续，
// 租约窗口内恢复即不产生成员变更。
func (r *Registrar) heartbeatLoop(ctx context.Context) {
	defer close(r.done)

	ticker := r.clock.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.mu.Lock()
			inst := r.instance.Clone()
			r.mu.Unlock()

			if err := r.backend.Register(ctx, inst, r.cfg.LeaseTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("heartbeat register failed", clog.Error(err))
				continue
			}
			r.logger.Debug("heartbeat ok")
		}
	}
}

// Close 停止心跳并尽力注销实例。注销失败只告警不报错，
// 租约过期会兜底清除残留注册。幂等。
func (r *Registrar) Close() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel := r.cancel
	done := r.done
	instanceID := r.instance.InstanceID
	r.mu.Unlock()

	cancel()
	<-done

	ctx, cancelDereg := context.WithTimeout(context.Background(), deregisterGrace)
	defer cancelDereg()
	if err := r.backend.Deregister(ctx, instanceID); err != nil {
		r.logger.Warn("best-effort deregister failed, lease expiry will reclaim",
			clog.Error(err))
	} else {
		r.logger.Info("registrar stopped, instance deregistered")
	}
	return nil
}
