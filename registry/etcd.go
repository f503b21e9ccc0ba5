package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/flare/clog"
	"github.com/ceyewan/flare/connector"
	"github.com/ceyewan/flare/metrics"
	"github.com/ceyewan/flare/xerrors"
)

// EtcdBackendConfig etcd 后端配置。
//
// 存储结构为层级键：
//
//	<prefix>/<namespace>/<service_type>/<instance_id> -> JSON(ServiceInstance)
//
// 例如 `/flare/services/default/gateway/uuid-1234`。
type EtcdBackendConfig struct {
	// Prefix 键前缀。
	Prefix string `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
	// Namespace 本进程 Watch 与枚举使用的默认命名空间。
	Namespace string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
	// DefaultTTL Register 未指定 TTL 时的租约时长。
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl" json:"default_ttl"`
	// RetryInterval watch 断开后的重连间隔。
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval" json:"retry_interval"`

	// Connector 连接器配置，由工厂函数创建连接器时使用。
	Connector connector.EtcdConfig `mapstructure:"connector" yaml:"connector" json:"connector"`
}

func (c *EtcdBackendConfig) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "/flare/services"
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 30 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
}

// leaseKeepAlive 单个实例的租约保活信息。
type leaseKeepAlive struct {
	leaseID     clientv3.LeaseID
	keepAliveCh <-chan *clientv3.LeaseKeepAliveResponse
	cancel      context.CancelFunc
	instanceID  string
	serviceType string
	closed      uint32
}

// etcdBackend 基于 etcd 的注册中心后端。租约由 KeepAlive 流自动
// 续约，心跳期的重复 Register 仅刷新键值（upsert）。Watch 支持
// 断线重连，用 WithRev 续传，压缩后全量重同步。
type etcdBackend struct {
	client *clientv3.Client
	cfg    *EtcdBackendConfig
	logger clog.Logger
	m      *registryMetrics

	keepAlives map[string]*leaseKeepAlive
	watchers   map[uint64]context.CancelFunc
	watchSeq   uint64
	stopChan   chan struct{}
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     uint32
}

// NewEtcd 创建 etcd 后端。连接器的生命周期由调用方管理，
// 后端只借用其客户端。
func NewEtcd(conn connector.EtcdConnector, cfg *EtcdBackendConfig, opts ...Option) (Backend, error) {
	if conn == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "etcd connector is required")
	}
	if cfg == nil {
		cfg = &EtcdBackendConfig{}
	}
	cfg.setDefaults()

	client := conn.GetClient()
	if client == nil {
		return nil, xerrors.Wrap(ErrBackendUnavailable, "etcd client is nil")
	}

	o := applyOptions(opts...)
	return &etcdBackend{
		client:     client,
		cfg:        cfg,
		logger:     o.logger.With(clog.String("backend", "etcd")),
		m:          newRegistryMetrics(o.meter),
		keepAlives: make(map[string]*leaseKeepAlive),
		watchers:   make(map[uint64]context.CancelFunc),
		stopChan:   make(chan struct{}),
	}, nil
}

func (b *etcdBackend) isClosed() bool {
	return atomic.LoadUint32(&b.closed) == 1
}

func (b *etcdBackend) ensureOpen() error {
	if b.isClosed() {
		return ErrRegistryClosed
	}
	return nil
}

func (b *etcdBackend) Register(ctx context.Context, instance *ServiceInstance, ttl time.Duration) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if err := instance.Validate(); err != nil {
		b.m.registerTotal.Inc(ctx, lblBackend("etcd"), lblOutcome("invalid"))
		return err
	}
	if ttl < 0 {
		return ErrInvalidTTL
	}
	if ttl == 0 {
		ttl = b.cfg.DefaultTTL
	}
	if ttl < time.Second {
		return xerrors.Wrapf(ErrInvalidTTL, "%v is below etcd lease granularity", ttl)
	}

	inst := instance.Clone().Normalize()
	value, err := json.Marshal(inst)
	if err != nil {
		return xerrors.Wrap(err, "marshal instance")
	}
	key := b.buildKey(inst)

	b.mu.Lock()
	defer b.mu.Unlock()

	// 已有租约时仅刷新键值，续约由 KeepAlive 流负责
	if ka, exists := b.keepAlives[inst.InstanceID]; exists {
		_, err := b.client.Put(ctx, key, string(value), clientv3.WithLease(ka.leaseID))
		if err == nil {
			b.m.registerTotal.Inc(ctx, lblBackend("etcd"), lblOutcome("refresh"))
			return nil
		}
		if !xerrors.Is(err, rpctypes.ErrLeaseNotFound) {
			b.m.registerTotal.Inc(ctx, lblBackend("etcd"), lblOutcome("error"))
			return xerrors.Wrap(err, "refresh instance")
		}
		// 租约已失效，清理后重新走完整注册
		b.logger.Warn("lease lost, re-registering",
			clog.String("instance_id", inst.InstanceID),
			clog.Int64("lease_id", int64(ka.leaseID)))
		atomic.StoreUint32(&ka.closed, 1)
		ka.cancel()
		delete(b.keepAlives, inst.InstanceID)
	}

	lease, err := b.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		b.m.registerTotal.Inc(ctx, lblBackend("etcd"), lblOutcome("error"))
		return xerrors.Wrapf(ErrBackendUnavailable, "grant lease: %v", err)
	}

	revoke := func() {
		if _, revokeErr := b.client.Revoke(ctx, lease.ID); revokeErr != nil {
			b.logger.Error("failed to revoke lease",
				clog.Int64("lease_id", int64(lease.ID)), clog.Error(revokeErr))
		}
	}

	if _, err = b.client.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		revoke()
		b.m.registerTotal.Inc(ctx, lblBackend("etcd"), lblOutcome("error"))
		return xerrors.Wrapf(ErrBackendUnavailable, "put instance: %v", err)
	}

	keepAliveCtx, keepAliveCancel := context.WithCancel(context.Background())
	keepAliveCh, err := b.client.KeepAlive(keepAliveCtx, lease.ID)
	if err != nil {
		keepAliveCancel()
		revoke()
		b.m.registerTotal.Inc(ctx, lblBackend("etcd"), lblOutcome("error"))
		return xerrors.Wrapf(ErrBackendUnavailable, "keepalive: %v", err)
	}

	ka := &leaseKeepAlive{
		leaseID:     lease.ID,
		keepAliveCh: keepAliveCh,
		cancel:      keepAliveCancel,
		instanceID:  inst.InstanceID,
		serviceType: inst.ServiceType,
	}
	b.keepAlives[inst.InstanceID] = ka

	b.wg.Add(1)
	go b.monitorKeepAlive(ka)

	b.logger.Info("instance registered",
		clog.String("instance_id", inst.InstanceID),
		clog.String("service_type", inst.ServiceType),
		clog.Duration("ttl", ttl))
	b.m.registerTotal.Inc(ctx, lblBackend("etcd"), lblOutcome("ok"))
	return nil
}

func (b *etcdBackend) Deregister(ctx context.Context, instanceID string) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if instanceID == "" {
		return xerrors.Wrap(ErrInvalidInstance, "instance id is required")
	}

	b.mu.Lock()
	ka, exists := b.keepAlives[instanceID]
	if exists {
		atomic.StoreUint32(&ka.closed, 1)
		ka.cancel()
		delete(b.keepAlives, instanceID)
	}
	b.mu.Unlock()

	if exists {
		// 撤销租约会级联删除关联的键
		if _, err := b.client.Revoke(ctx, ka.leaseID); err != nil {
			b.m.deregisterTotal.Inc(ctx, lblBackend("etcd"), lblOutcome("error"))
			return xerrors.Wrapf(ErrBackendUnavailable, "revoke lease: %v", err)
		}
		b.logger.Info("instance deregistered", clog.String("instance_id", instanceID))
		b.m.deregisterTotal.Inc(ctx, lblBackend("etcd"), lblOutcome("ok"))
		return nil
	}

	// 非本进程注册的实例，按键后缀扫描删除，幂等
	prefix := b.cfg.Prefix + "/"
	resp, err := b.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return xerrors.Wrapf(ErrBackendUnavailable, "scan for instance: %v", err)
	}
	for _, kv := range resp.Kvs {
		if strings.HasSuffix(string(kv.Key), "/"+instanceID) {
			if _, err := b.client.Delete(ctx, string(kv.Key)); err != nil {
				return xerrors.Wrapf(ErrBackendUnavailable, "delete instance key: %v", err)
			}
		}
	}
	b.m.deregisterTotal.Inc(ctx, lblBackend("etcd"), lblOutcome("ok"))
	return nil
}

func (b *etcdBackend) Discover(ctx context.Context, serviceType string, opts DiscoverOptions) ([]*ServiceInstance, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	if serviceType == "" {
		return nil, xerrors.Wrap(ErrInvalidInstance, "service type is required")
	}

	start := time.Now()
	ns := opts.Namespace
	if ns == "" {
		ns = b.cfg.Namespace
	}
	prefix := fmt.Sprintf("%s/%s/%s/", b.cfg.Prefix, ns, serviceType)

	resp, err := b.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		b.m.discoverTotal.Inc(ctx, lblBackend("etcd"), lblOutcome("error"))
		return nil, xerrors.Wrapf(ErrBackendUnavailable, "get %s: %v", prefix, err)
	}

	instances := make([]*ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			b.logger.Warn("failed to unmarshal instance",
				clog.String("key", string(kv.Key)), clog.Error(err))
			continue
		}
		if MatchInstance(&inst, DiscoverOptions{Namespace: ns, Version: opts.Version, TagFilters: opts.TagFilters}) {
			instances = append(instances, &inst)
		}
	}

	b.m.discoverTotal.Inc(ctx, lblBackend("etcd"), lblOutcome("ok"))
	b.m.discoverSeconds.Record(ctx, time.Since(start).Seconds(), lblBackend("etcd"))
	return instances, nil
}

// Watch 监听服务类型的成员变更，自动重连，断点用 WithRev 续传。
// revision 被压缩时重新全量同步后继续。
func (b *etcdBackend) Watch(ctx context.Context, serviceType string) (<-chan Change, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	if serviceType == "" {
		return nil, xerrors.Wrap(ErrInvalidInstance, "service type is required")
	}

	ch := make(chan Change, watchBuffer)
	prefix := fmt.Sprintf("%s/%s/%s/", b.cfg.Prefix, b.cfg.Namespace, serviceType)

	watchCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	b.watchSeq++
	watchID := b.watchSeq
	b.watchers[watchID] = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(ch)
		defer func() {
			b.mu.Lock()
			delete(b.watchers, watchID)
			b.mu.Unlock()
		}()

		// 已知实例快照，用于区分 Added 与 Modified，
		// 也是压缩重同步时差分补发的基准
		known := make(map[string]*ServiceInstance)
		var lastRev int64

		for {
			watchOpts := []clientv3.OpOption{clientv3.WithPrefix()}
			if lastRev > 0 {
				watchOpts = append(watchOpts, clientv3.WithRev(lastRev+1))
			}
			watchCh := b.client.Watch(watchCtx, prefix, watchOpts...)

			b.logger.Debug("watch started",
				clog.String("service_type", serviceType),
				clog.Int64("from_revision", lastRev+1))

		recv:
			for {
				select {
				case <-watchCtx.Done():
					return
				case wresp, ok := <-watchCh:
					if !ok {
						b.logger.Warn("watch channel closed, will retry",
							clog.String("service_type", serviceType))
						break recv
					}
					if wresp.Err() != nil {
						if xerrors.Is(wresp.Err(), rpctypes.ErrCompacted) {
							b.logger.Warn("watch revision compacted, resyncing",
								clog.String("service_type", serviceType))
							rev, alive := b.resyncWatch(watchCtx, prefix, known, ch)
							if !alive {
								return
							}
							if rev > 0 {
								lastRev = rev
							}
							break recv
						}
						b.logger.Error("watch error, will retry",
							clog.String("service_type", serviceType),
							clog.Error(wresp.Err()))
						break recv
					}

					for _, ev := range wresp.Events {
						if ev.Kv.ModRevision > lastRev {
							lastRev = ev.Kv.ModRevision
						}
						change, ok := b.decodeEvent(serviceType, ev, known)
						if !ok {
							continue
						}
						select {
						case ch <- change:
							b.m.watchEvents.Inc(context.Background(),
								lblBackend("etcd"), metrics.L("type", change.Type.String()))
						case <-watchCtx.Done():
							return
						}
					}
				}
			}

			select {
			case <-watchCtx.Done():
				return
			case <-b.stopChan:
				return
			default:
				b.m.watchReconnects.Inc(context.Background(), lblBackend("etcd"))
				time.Sleep(b.cfg.RetryInterval)
			}
		}
	}()

	return ch, nil
}

// resyncWatch 压缩后全量拉取并与已知快照差分，把压缩窗口内丢失的
// 变更（含删除）补发为合成事件。拉取失败时返回 0 交由下轮重试；
// ctx 取消返回 alive=false。
func (b *etcdBackend) resyncWatch(ctx context.Context, prefix string, known map[string]*ServiceInstance, ch chan<- Change) (rev int64, alive bool) {
	resp, err := b.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		b.logger.Warn("resync after compaction failed, will retry", clog.Error(err))
		return 0, true
	}

	next := make(map[string]*ServiceInstance, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			b.logger.Warn("failed to unmarshal instance during resync",
				clog.String("key", string(kv.Key)), clog.Error(err))
			continue
		}
		next[inst.InstanceID] = &inst
	}

	for _, change := range diffSnapshots(known, next) {
		select {
		case ch <- change:
			b.m.watchEvents.Inc(context.Background(),
				lblBackend("etcd"), metrics.L("type", change.Type.String()))
		case <-ctx.Done():
			return 0, false
		}
	}

	clear(known)
	maps.Copy(known, next)
	return resp.Header.Revision, true
}

// decodeEvent 把 etcd 事件翻译为成员变更。PUT 依据已知快照区分
// Added 与 Modified，内容未变的续约 PUT 不产出事件；
// DELETE 只能从键尾提取实例 ID。
func (b *etcdBackend) decodeEvent(serviceType string, ev *clientv3.Event, known map[string]*ServiceInstance) (Change, bool) {
	switch ev.Type {
	case clientv3.EventTypePut:
		var inst ServiceInstance
		if err := json.Unmarshal(ev.Kv.Value, &inst); err != nil {
			b.logger.Warn("failed to unmarshal watch event",
				clog.String("key", string(ev.Kv.Key)), clog.Error(err))
			return Change{}, false
		}
		changeType := ChangeAdded
		if prev, seen := known[inst.InstanceID]; seen {
			if prev.Equal(&inst) {
				return Change{}, false
			}
			changeType = ChangeModified
		}
		known[inst.InstanceID] = &inst
		return Change{Type: changeType, InstanceID: inst.InstanceID, Instance: &inst}, true

	case clientv3.EventTypeDelete:
		keyParts := strings.Split(string(ev.Kv.Key), "/")
		id := keyParts[len(keyParts)-1]
		delete(known, id)
		return Change{
			Type:       ChangeRemoved,
			InstanceID: id,
			Instance:   &ServiceInstance{ServiceType: serviceType, InstanceID: id},
		}, true
	}
	return Change{}, false
}

func (b *etcdBackend) ListServiceTypes(ctx context.Context) ([]string, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("%s/%s/", b.cfg.Prefix, b.cfg.Namespace)
	resp, err := b.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, xerrors.Wrapf(ErrBackendUnavailable, "list service types: %v", err)
	}

	seen := make(map[string]struct{})
	var types []string
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		serviceType, _, ok := strings.Cut(rest, "/")
		if !ok || serviceType == "" {
			continue
		}
		if _, dup := seen[serviceType]; !dup {
			seen[serviceType] = struct{}{}
			types = append(types, serviceType)
		}
	}
	return types, nil
}

func (b *etcdBackend) ListAllServices(ctx context.Context) ([]*ServiceInstance, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("%s/%s/", b.cfg.Prefix, b.cfg.Namespace)
	resp, err := b.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, xerrors.Wrapf(ErrBackendUnavailable, "list all services: %v", err)
	}

	instances := make([]*ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue
		}
		instances = append(instances, &inst)
	}
	return instances, nil
}

// Close 幂等。撤销本进程持有的全部租约并停止所有 watch。
func (b *etcdBackend) Close() error {
	if !atomic.CompareAndSwapUint32(&b.closed, 0, 1) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b.mu.Lock()
	close(b.stopChan)
	for _, cancelFunc := range b.watchers {
		cancelFunc()
	}
	b.watchers = make(map[uint64]context.CancelFunc)

	leaseSnapshot := make(map[string]clientv3.LeaseID, len(b.keepAlives))
	for instanceID, ka := range b.keepAlives {
		leaseSnapshot[instanceID] = ka.leaseID
		atomic.StoreUint32(&ka.closed, 1)
		ka.cancel()
		delete(b.keepAlives, instanceID)
	}
	b.mu.Unlock()

	for instanceID, leaseID := range leaseSnapshot {
		if _, err := b.client.Revoke(ctx, leaseID); err != nil {
			b.logger.Warn("failed to revoke lease during shutdown",
				clog.String("instance_id", instanceID), clog.Error(err))
		}
	}

	b.wg.Wait()
	b.logger.Info("etcd backend stopped")
	return nil
}

func (b *etcdBackend) buildKey(inst *ServiceInstance) string {
	return fmt.Sprintf("%s/%s/%s/%s", b.cfg.Prefix, inst.Namespace, inst.ServiceType, inst.InstanceID)
}

// monitorKeepAlive 消费 KeepAlive 响应流。通道被动关闭说明租约
// 失效或连接中断，此处只移除本地状态并告警，不自动重注册，
// 重注册由 Registrar 的心跳完成。
func (b *etcdBackend) monitorKeepAlive(ka *leaseKeepAlive) {
	defer b.wg.Done()

	for {
		select {
		case <-b.stopChan:
			return
		case kaResp, ok := <-ka.keepAliveCh:
			if !ok {
				if atomic.LoadUint32(&ka.closed) == 1 {
					return
				}
				b.logger.Error("keepalive channel closed, lease expired or connection lost",
					clog.String("instance_id", ka.instanceID),
					clog.String("service_type", ka.serviceType),
					clog.Int64("lease_id", int64(ka.leaseID)))
				b.mu.Lock()
				delete(b.keepAlives, ka.instanceID)
				b.mu.Unlock()
				return
			}
			b.logger.Debug("keepalive renewed",
				clog.String("instance_id", ka.instanceID),
				clog.Int64("ttl", kaResp.TTL))
		}
	}
}
