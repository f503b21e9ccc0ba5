package registry

import (
	"regexp"
	"strings"
)

// matchTag 判断单条标签规则是否命中。regex 编译失败按不命中处理，
// 规则合法性已在配置校验阶段保证。
func matchTag(f TagFilter, tags map[string]string) bool {
	v, ok := tags[f.Key]
	if !ok {
		return false
	}
	switch f.Match {
	case MatchPrefix:
		return strings.HasPrefix(v, f.Value)
	case MatchRegex:
		re, err := regexp.Compile(f.Value)
		if err != nil {
			return false
		}
		return re.MatchString(v)
	default:
		return v == f.Value
	}
}

// MatchInstance 判断实例是否满足发现过滤条件。
func MatchInstance(inst *ServiceInstance, opts DiscoverOptions) bool {
	if inst == nil {
		return false
	}
	ns := opts.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	instNS := inst.Namespace
	if instNS == "" {
		instNS = DefaultNamespace
	}
	if instNS != ns {
		return false
	}
	if opts.Version != "" && inst.Version != opts.Version {
		return false
	}
	for _, f := range opts.TagFilters {
		if !matchTag(f, inst.Tags) {
			return false
		}
	}
	return true
}

// FilterInstances 按条件过滤实例切片，返回新切片。
func FilterInstances(instances []*ServiceInstance, opts DiscoverOptions) []*ServiceInstance {
	out := make([]*ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if MatchInstance(inst, opts) {
			out = append(out, inst)
		}
	}
	return out
}
