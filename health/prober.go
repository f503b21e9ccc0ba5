// Package health 提供对服务实例的主动健康探测。
//
// Checker 为每个被监护的端点维护一个探测循环，探测结果经迟滞
// 状态机过滤后才产生健康状态翻转：连续 N 次失败才判不健康，
// 连续 M 次成功才恢复，避免单次抖动引发路由震荡。
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/ceyewan/flare/xerrors"
)

// ErrProbeFailed 探测失败。
var ErrProbeFailed = xerrors.New("health: probe failed")

// Prober 单次健康探测。实现必须并发安全。
type Prober interface {
	// Probe 探测指定地址（host:port），返回 nil 表示健康。
	// 超时由调用方通过 ctx 控制。
	Probe(ctx context.Context, address string) error
}

// TCPProber TCP 连通性探测，能建立连接即视为健康。
type TCPProber struct{}

func (TCPProber) Probe(ctx context.Context, address string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return xerrors.Wrapf(ErrProbeFailed, "tcp %s: %v", address, err)
	}
	return conn.Close()
}

// HTTPProber HTTP 探测，GET 指定路径，2xx 视为健康。
type HTTPProber struct {
	// Path 探测路径，如 "/healthz"，空值为 "/"。
	Path string
	// Client 自定义 HTTP 客户端，nil 用 http.DefaultClient。
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context, address string) error {
	path := p.Path
	if path == "" {
		path = "/"
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := fmt.Sprintf("http://%s%s", address, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return xerrors.Wrapf(ErrProbeFailed, "http %s: %v", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Wrapf(ErrProbeFailed, "http %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return xerrors.Wrapf(ErrProbeFailed, "http %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// ProbeFunc 函数型 Prober，测试中用来注入探测结果。
type ProbeFunc func(ctx context.Context, address string) error

func (f ProbeFunc) Probe(ctx context.Context, address string) error {
	return f(ctx, address)
}
