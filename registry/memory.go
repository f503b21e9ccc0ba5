package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/metrics"
)

// watchBuffer 单个 watch 通道的缓冲大小。
const watchBuffer = 64

// janitorInterval 内存后端清扫过期租约的周期。
const janitorInterval = time.Second

type memoryEntry struct {
	inst      *ServiceInstance
	expiresAt time.Time // 零值表示永不过期
}

type memoryWatcher struct {
	serviceType string
	ch          chan Change
	cancel      context.CancelFunc
}

// memoryBackend 进程内注册中心，支持租约过期与原生变更推送。
// 用于测试与单进程部署，也是其他后端行为的参照实现。
type memoryBackend struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	watchers map[*memoryWatcher]struct{}
	closed   bool

	clock   clockwork.Clock
	logger  clog.Logger
	metrics *registryMetrics

	cancelJanitor context.CancelFunc
	wg            sync.WaitGroup
}

// NewMemory 创建内存后端。
func NewMemory(opts ...Option) Backend {
	o := applyOptions(opts...)

	b := &memoryBackend{
		entries:  make(map[string]*memoryEntry),
		watchers: make(map[*memoryWatcher]struct{}),
		clock:    o.clock,
		logger:   o.logger.With(clog.String("backend", "memory")),
		metrics:  newRegistryMetrics(o.meter),
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancelJanitor = cancel
	b.wg.Add(1)
	go b.janitor(ctx)
	return b
}

func (b *memoryBackend) Register(ctx context.Context, instance *ServiceInstance, ttl time.Duration) error {
	if err := instance.Validate(); err != nil {
		b.metrics.registerTotal.Inc(ctx, metrics.L("backend", "memory"), metrics.L("outcome", "invalid"))
		return err
	}

	inst := instance.Clone().Normalize()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrRegistryClosed
	}

	entry := &memoryEntry{inst: inst}
	if ttl > 0 {
		entry.expiresAt = b.clock.Now().Add(ttl)
	}

	prev, exists := b.entries[inst.InstanceID]
	b.entries[inst.InstanceID] = entry

	switch {
	case !exists:
		b.notifyLocked(Change{Type: ChangeAdded, InstanceID: inst.InstanceID, Instance: inst})
	case !prev.inst.Equal(inst):
		b.notifyLocked(Change{Type: ChangeModified, InstanceID: inst.InstanceID, Instance: inst})
	}

	b.metrics.registerTotal.Inc(ctx, metrics.L("backend", "memory"), metrics.L("outcome", "ok"))
	return nil
}

func (b *memoryBackend) Deregister(ctx context.Context, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrRegistryClosed
	}

	entry, ok := b.entries[instanceID]
	if !ok {
		// 注销不存在的实例视为成功
		return nil
	}
	delete(b.entries, instanceID)
	b.notifyLocked(Change{Type: ChangeRemoved, InstanceID: instanceID, Instance: entry.inst})
	b.metrics.deregisterTotal.Inc(ctx, metrics.L("backend", "memory"), metrics.L("outcome", "ok"))
	return nil
}

func (b *memoryBackend) Discover(ctx context.Context, serviceType string, opts DiscoverOptions) ([]*ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrRegistryClosed
	}
	b.sweepLocked()

	out := make([]*ServiceInstance, 0)
	for _, e := range b.entries {
		if e.inst.ServiceType != serviceType {
			continue
		}
		if MatchInstance(e.inst, opts) {
			out = append(out, e.inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	b.metrics.discoverTotal.Inc(ctx, metrics.L("backend", "memory"), metrics.L("outcome", "ok"))
	return out, nil
}

func (b *memoryBackend) Watch(ctx context.Context, serviceType string) (<-chan Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrRegistryClosed
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &memoryWatcher{
		serviceType: serviceType,
		ch:          make(chan Change, watchBuffer),
		cancel:      cancel,
	}
	b.watchers[w] = struct{}{}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		<-wctx.Done()
		b.mu.Lock()
		if _, ok := b.watchers[w]; ok {
			delete(b.watchers, w)
			close(w.ch)
		}
		b.mu.Unlock()
	}()
	return w.ch, nil
}

func (b *memoryBackend) ListServiceTypes(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrRegistryClosed
	}
	b.sweepLocked()

	seen := make(map[string]struct{})
	for _, e := range b.entries {
		seen[e.inst.ServiceType] = struct{}{}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

func (b *memoryBackend) ListAllServices(ctx context.Context) ([]*ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrRegistryClosed
	}
	b.sweepLocked()

	out := make([]*ServiceInstance, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (b *memoryBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for w := range b.watchers {
		delete(b.watchers, w)
		close(w.ch)
		w.cancel()
	}
	b.mu.Unlock()

	b.cancelJanitor()
	b.wg.Wait()
	return nil
}

// notifyLocked 向匹配的 watcher 推送变更，调用方必须持有 b.mu。
// 通道满时丢弃事件并告警，消费方依赖重订阅后的全量发现兜底。
func (b *memoryBackend) notifyLocked(c Change) {
	for w := range b.watchers {
		if w.serviceType != "" && c.Instance != nil && w.serviceType != c.Instance.ServiceType {
			continue
		}
		select {
		case w.ch <- c:
			b.metrics.watchEvents.Inc(context.Background(),
				metrics.L("backend", "memory"), metrics.L("type", c.Type.String()))
		default:
			b.logger.Warn("watch channel full, dropping change",
				clog.String("service_type", w.serviceType),
				clog.String("change", c.Type.String()),
				clog.String("instance_id", c.InstanceID))
		}
	}
}

// sweepLocked 清理过期租约并推送 Removed 事件，调用方必须持有 b.mu。
func (b *memoryBackend) sweepLocked() {
	now := b.clock.Now()
	for id, e := range b.entries {
		if !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
			delete(b.entries, id)
			b.logger.Info("lease expired", clog.String("instance_id", id))
			b.notifyLocked(Change{Type: ChangeRemoved, InstanceID: id, Instance: e.inst})
		}
	}
}

func (b *memoryBackend) janitor(ctx context.Context) {
	defer b.wg.Done()
	ticker := b.clock.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			b.mu.Lock()
			if !b.closed {
				b.sweepLocked()
			}
			b.mu.Unlock()
		}
	}
}
