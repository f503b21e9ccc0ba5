package registry

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ceyewan/flare/clog"
)

// diffSnapshots 比较前后两份实例快照，产出变更事件。
// 依据 InstanceID 判断增删，依据 Equal 判断修改。
func diffSnapshots(prev, next map[string]*ServiceInstance) []Change {
	var changes []Change
	for id, inst := range next {
		old, ok := prev[id]
		switch {
		case !ok:
			changes = append(changes, Change{Type: ChangeAdded, InstanceID: id, Instance: inst})
		case !old.Equal(inst):
			changes = append(changes, Change{Type: ChangeModified, InstanceID: id, Instance: inst})
		}
	}
	for id, inst := range prev {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{Type: ChangeRemoved, InstanceID: id, Instance: inst})
		}
	}
	return changes
}

func snapshotByID(instances []*ServiceInstance) map[string]*ServiceInstance {
	m := make(map[string]*ServiceInstance, len(instances))
	for _, inst := range instances {
		m[inst.InstanceID] = inst
	}
	return m
}

// discoverFunc 轮询器每个周期调用的快照函数。
type discoverFunc func(ctx context.Context) ([]*ServiceInstance, error)

// pollChanges 用轮询加差分模拟变更推送，供无原生 watch 能力的后端
// （dns、static）复用。首次轮询的存量实例同样产出 Added 事件，
// 消费方由此完成初始快照构建。快照失败时保留上一份状态并告警，
// 不会把瞬时故障放大成一批 Removed。
func pollChanges(
	ctx context.Context,
	discover discoverFunc,
	interval time.Duration,
	clock clockwork.Clock,
	logger clog.Logger,
) <-chan Change {
	ch := make(chan Change, watchBuffer)

	go func() {
		defer close(ch)

		prev := make(map[string]*ServiceInstance)
		ticker := clock.NewTicker(interval)
		defer ticker.Stop()

		poll := func() {
			instances, err := discover(ctx)
			if err != nil {
				logger.Warn("poll discover failed, keeping last snapshot", clog.Error(err))
				return
			}
			next := snapshotByID(instances)
			for _, c := range diffSnapshots(prev, next) {
				select {
				case ch <- c:
				case <-ctx.Done():
					return
				}
			}
			prev = next
		}

		poll()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				poll()
			}
		}
	}()
	return ch
}
