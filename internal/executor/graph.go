package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/status"
)

type node struct {
	desc   models.OperationDescription
	order  int
	fanout []models.OperationID
	unmet  int
}

// Stages splits the plan's regular operations into ordered stages: stage k
// holds every operation whose dependencies all lie in stages before k. Within
// a stage operations keep their plan order. The end operation is not included.
func Stages(plan *models.Plan) ([][]models.OperationDescription, error) {
	nodes := make(map[models.OperationID]*node, len(plan.Operations))
	for i, op := range plan.Operations {
		if _, dup := nodes[op.ID]; dup {
			return nil, status.Corruptionf("plan repeats operation id %d", op.ID)
		}
		nodes[op.ID] = &node{desc: op, order: i}
	}
	if end := plan.EndOperation; end != nil {
		if _, dup := nodes[end.ID]; dup {
			return nil, status.Corruptionf("end operation id %d collides with a regular operation", end.ID)
		}
		for _, dep := range end.Depends {
			if _, ok := nodes[dep]; !ok {
				return nil, status.Corruptionf("end operation depends on unknown operation %d", dep)
			}
		}
	}

	for _, n := range nodes {
		seen := make(map[models.OperationID]bool, len(n.desc.Depends))
		for _, dep := range n.desc.Depends {
			if dep == n.desc.ID {
				return nil, status.Corruptionf("operation %d depends on itself", dep)
			}
			parent, ok := nodes[dep]
			if !ok {
				return nil, status.Corruptionf("operation %d depends on unknown operation %d", n.desc.ID, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			parent.fanout = append(parent.fanout, n.desc.ID)
			n.unmet++
		}
	}

	var ready []*node
	for _, n := range nodes {
		if n.unmet == 0 {
			ready = append(ready, n)
		}
	}

	var stages [][]models.OperationDescription
	placed := 0
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].order < ready[j].order })
		stage := make([]models.OperationDescription, len(ready))
		var next []*node
		for i, n := range ready {
			stage[i] = n.desc
			for _, child := range n.fanout {
				c := nodes[child]
				c.unmet--
				if c.unmet == 0 {
					next = append(next, c)
				}
			}
		}
		stages = append(stages, stage)
		placed += len(ready)
		ready = next
	}

	if placed != len(nodes) {
		var stuck []string
		for _, n := range nodes {
			if n.unmet > 0 {
				stuck = append(stuck, fmt.Sprint(int64(n.desc.ID)))
			}
		}
		sort.Strings(stuck)
		return nil, status.Corruptionf("plan has a dependency cycle among operations [%s]", strings.Join(stuck, ","))
	}
	return stages, nil
}
