package registry

import (
	"sort"

	"go.uber.org/zap"

	"github.com/nexabus/nexabus/errors"
)

// Dependency policies applied when a declared dependency is not loaded.
const (
	PolicyHardFail = "hard-fail"
	PolicyWarn     = "warn"
	PolicyLazy     = "lazy"
)

// StartOrder returns plugin ids in dependency-first order via Kahn's
// algorithm. Missing dependencies are an error under hard-fail, a logged
// warning otherwise; lazy additionally keeps the edge out of the graph so
// the dependent starts without waiting. A cycle is always an error.
func (r *Registry) StartOrder(policy string) ([]string, error) {
	switch policy {
	case PolicyHardFail, PolicyWarn, PolicyLazy, "":
	default:
		return nil, errors.NewInvalid("dependency_policy", policy,
			"must be hard-fail, warn, or lazy")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	indegree := make(map[string]int, len(r.plugins))
	dependents := make(map[string][]string)
	for pid := range r.plugins {
		indegree[pid] = 0
	}

	for pid, rec := range r.plugins {
		for _, dep := range rec.Deps {
			if _, loaded := r.plugins[dep]; !loaded {
				switch policy {
				case PolicyHardFail:
					return nil, errors.NewNotFound("dependency", dep).
						WithDetail("plugin_id", pid)
				default:
					r.logger.Warn("dependency not loaded",
						zap.String("plugin_id", pid), zap.String("dependency", dep),
						zap.String("policy", policy))
				}
				continue
			}
			dependents[dep] = append(dependents[dep], pid)
			indegree[pid]++
		}
	}

	// Deterministic order among plugins with no remaining dependencies.
	ready := make([]string, 0, len(indegree))
	for pid, n := range indegree {
		if n == 0 {
			ready = append(ready, pid)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		pid := ready[0]
		ready = ready[1:]
		order = append(order, pid)

		next := dependents[pid]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(indegree) {
		var stuck []string
		for pid, n := range indegree {
			if n > 0 {
				stuck = append(stuck, pid)
			}
		}
		sort.Strings(stuck)
		return nil, errors.New(errors.ErrorTypeConflict, "dependency cycle among plugins").
			WithDetail("plugins", stuck)
	}
	return order, nil
}
