package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ceyewan/flare/xerrors"
)

// Event 配置变更事件。
type Event struct {
	// File 发生变化的配置文件路径。
	File string
	// Timestamp 事件时间。
	Timestamp time.Time
}

// Loader 配置加载器。
type Loader interface {
	// Load 从所有来源加载配置并启动文件监听。
	Load(ctx context.Context) error
	// Get 读取单个配置值。
	Get(key string) any
	// Unmarshal 反序列化整个配置树。
	Unmarshal(v any) error
	// UnmarshalKey 反序列化指定键下的子树。
	UnmarshalKey(key string, v any) error
	// Watch 订阅配置文件变化。ctx 取消后通道关闭。
	Watch(ctx context.Context) (<-chan Event, error)
}

type loader struct {
	v    *viper.Viper
	opts *Options

	mu       sync.Mutex
	loaded   bool
	watchers []chan Event
}

// New 创建配置加载器。
func New(opts ...Option) (Loader, error) {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	o.setDefaults()
	switch o.FileType {
	case "yaml", "yml", "json", "toml":
	default:
		return nil, xerrors.Wrapf(ErrInvalidOptions, "unsupported file type %q", o.FileType)
	}
	return &loader{v: viper.New(), opts: o}, nil
}

func (l *loader) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.v.SetConfigName(l.opts.Name)
	l.v.SetConfigType(l.opts.FileType)
	for _, path := range l.opts.Paths {
		l.v.AddConfigPath(path)
	}

	// 环境变量优先级最高，先注册
	l.v.SetEnvPrefix(l.opts.EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// .env 文件在配置文件之前加载，失败不致命
	l.loadDotEnv()

	if err := l.v.ReadInConfig(); err != nil {
		// 找不到配置文件时允许纯环境变量运行
		var notFound viper.ConfigFileNotFoundError
		if !xerrors.As(err, &notFound) {
			return xerrors.Wrapf(err, "read config %s", l.opts.Name)
		}
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.notify(Event{File: e.Name, Timestamp: time.Now()})
	})
	l.v.WatchConfig()

	l.loaded = true
	return nil
}

func (l *loader) loadDotEnv() {
	_ = godotenv.Load()
	for _, path := range l.opts.Paths {
		_ = godotenv.Load(filepath.Join(path, ".env"))
	}
}

func (l *loader) Get(key string) any {
	return l.v.Get(key)
}

func (l *loader) Unmarshal(v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		return ErrNotLoaded
	}
	return xerrors.Wrap(l.v.Unmarshal(v), "config: unmarshal")
}

func (l *loader) UnmarshalKey(key string, v any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		return ErrNotLoaded
	}
	return xerrors.Wrapf(l.v.UnmarshalKey(key, v), "config: unmarshal key %s", key)
}

func (l *loader) Watch(ctx context.Context) (<-chan Event, error) {
	l.mu.Lock()
	if !l.loaded {
		l.mu.Unlock()
		return nil, ErrNotLoaded
	}
	ch := make(chan Event, 4)
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		for i, w := range l.watchers {
			if w == ch {
				l.watchers = append(l.watchers[:i], l.watchers[i+1:]...)
				close(ch)
				break
			}
		}
		l.mu.Unlock()
	}()
	return ch, nil
}

func (l *loader) notify(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.watchers {
		select {
		case ch <- e:
		default:
		}
	}
}
