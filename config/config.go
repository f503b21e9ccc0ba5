// Package config 提供基于 Viper 的配置加载：YAML/JSON 文件、
// .env 文件与环境变量多源合并，支持文件变化热更新。
//
// 优先级从高到低：环境变量 > .env > 配置文件。
//
// 基本使用：
//
//	loader, err := config.New(
//		config.WithConfigName("flare"),
//		config.WithConfigPaths("./config"),
//		config.WithEnvPrefix("FLARE"),
//	)
//	if err != nil { ... }
//	if err := loader.Load(ctx); err != nil { ... }
//
//	cfg, err := config.LoadDiscovery(loader)
package config

import "github.com/ceyewan/flare/xerrors"

// 预定义错误。
var (
	// ErrNotLoaded 尚未调用 Load。
	ErrNotLoaded = xerrors.New("config: not loaded")
	// ErrInvalidOptions 加载器选项非法。
	ErrInvalidOptions = xerrors.New("config: invalid options")
)

// Option 加载器选项。
type Option func(*Options)

// Options 加载器配置。
type Options struct {
	// Name 配置文件名（不含扩展名）。
	Name string
	// Paths 配置文件搜索路径。
	Paths []string
	// FileType 配置文件类型（yaml、json）。
	FileType string
	// EnvPrefix 环境变量前缀，如 FLARE_DISCOVERY_BACKEND。
	EnvPrefix string
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "flare"
	}
	if len(o.Paths) == 0 {
		o.Paths = []string{".", "./config"}
	}
	if o.FileType == "" {
		o.FileType = "yaml"
	}
	if o.EnvPrefix == "" {
		o.EnvPrefix = "FLARE"
	}
}

// WithConfigName 设置配置文件名（不带扩展名）。
func WithConfigName(name string) Option {
	return func(o *Options) { o.Name = name }
}

// WithConfigPaths 设置配置文件搜索路径。
func WithConfigPaths(paths ...string) Option {
	return func(o *Options) { o.Paths = paths }
}

// WithConfigType 设置配置文件类型。
func WithConfigType(typ string) Option {
	return func(o *Options) { o.FileType = typ }
}

// WithEnvPrefix 设置环境变量前缀。
func WithEnvPrefix(prefix string) Option {
	return func(o *Options) { o.EnvPrefix = prefix }
}
