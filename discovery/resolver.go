package discovery

import (
	"google.golang.org/grpc/resolver"

	"github.com/ceyewan/flare/clog"
)

// ResolverScheme gRPC 目标的 scheme，如 "flare:///gateway"。
const ResolverScheme = "flare"

// ResolverBuilder 返回 gRPC resolver.Builder，把本客户端的路由表
// 快照接入原生 gRPC 负载均衡。与 Select 系列方法互不影响，
// 适合希望沿用 gRPC 自带 LB 策略的调用方。
//
//	grpcresolver.Register(client.ResolverBuilder())
//	conn, _ := grpc.NewClient("flare:///gateway",
//		grpc.WithDefaultServiceConfig(`{"loadBalancingPolicy":"round_robin"}`),
//		grpc.WithTransportCredentials(insecure.NewCredentials()))
func (c *Client) ResolverBuilder() resolver.Builder {
	return &clientResolverBuilder{client: c}
}

type clientResolverBuilder struct {
	client *Client
}

func (b *clientResolverBuilder) Scheme() string {
	return ResolverScheme
}

func (b *clientResolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	r := &clientResolver{client: b.client, cc: cc}

	b.client.resolverMu.Lock()
	b.client.resolvers[r] = struct{}{}
	b.client.resolverMu.Unlock()

	r.push()
	return r, nil
}

// clientResolver 把路由表快照推送给 gRPC。快照每次变化时由
// Client 的事件循环触发推送。
type clientResolver struct {
	client *Client
	cc     resolver.ClientConn
}

func (r *clientResolver) ResolveNow(resolver.ResolveNowOptions) {
	r.push()
}

func (r *clientResolver) Close() {
	r.client.resolverMu.Lock()
	delete(r.client.resolvers, r)
	r.client.resolverMu.Unlock()
}

// push 推送当前健康端点。快照为空时保留 gRPC 侧旧状态，
// 避免把瞬时空窗放大成连接全断。
func (r *clientResolver) push() {
	snap := r.client.table.load()
	candidates := snap.Healthy
	if len(candidates) == 0 && r.client.cfg.FallbackEnabled() {
		candidates = snap.All
	}
	if len(candidates) == 0 {
		r.client.logger.Warn("resolver has no endpoints to push")
		return
	}

	addrs := make([]resolver.Address, 0, len(candidates))
	for _, inst := range candidates {
		addrs = append(addrs, resolver.Address{Addr: inst.Address})
	}
	if err := r.cc.UpdateState(resolver.State{Addresses: addrs}); err != nil {
		r.client.logger.Warn("failed to update resolver state", clog.Error(err))
	}
}

// notifyResolvers 路由表变化后推送到所有已注册的 resolver。
func (c *Client) notifyResolvers() {
	c.resolverMu.Lock()
	for r := range c.resolvers {
		r.push()
	}
	c.resolverMu.Unlock()
}
