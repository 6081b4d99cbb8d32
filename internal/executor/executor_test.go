package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/status"
	"github.com/fentz26/mergeplane/internal/taskctx"
)

// recorder is a factory whose operations log their start and completion and
// flag any operation started before one of its dependencies completed.
type recorder struct {
	mu        sync.Mutex
	completed map[models.OperationID]bool
	started   []models.OperationID
	violation string
	fail      map[models.OperationID]error
	delay     time.Duration
	running   atomic.Int32
	peak      atomic.Int32
}

func newRecorder() *recorder {
	return &recorder{completed: map[models.OperationID]bool{}, fail: map[models.OperationID]error{}}
}

func (r *recorder) CreateOperation(desc models.OperationDescription) (Operation, error) {
	if desc.Type != "test" && desc.Type != "end" {
		return nil, nil
	}
	return OperationFunc(func(ctx context.Context, tc *taskctx.TaskContext) error {
		r.mu.Lock()
		r.started = append(r.started, desc.ID)
		for _, dep := range desc.Depends {
			if !r.completed[dep] && r.violation == "" {
				r.violation = fmt.Sprintf("op %d started before dependency %d", desc.ID, dep)
			}
		}
		err := r.fail[desc.ID]
		r.mu.Unlock()

		n := r.running.Add(1)
		for {
			p := r.peak.Load()
			if n <= p || r.peak.CompareAndSwap(p, n) {
				break
			}
		}
		if r.delay > 0 {
			time.Sleep(r.delay)
		}
		r.running.Add(-1)

		if err != nil {
			return err
		}
		r.mu.Lock()
		r.completed[desc.ID] = true
		r.mu.Unlock()
		return nil
	}), nil
}

func (r *recorder) ran(id models.OperationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.started {
		if s == id {
			return true
		}
	}
	return false
}

func op(id models.OperationID, deps ...models.OperationID) models.OperationDescription {
	d := models.NewOperationDescription(id, "test")
	d.Depends = deps
	return d
}

func newContext(t *testing.T) *taskctx.TaskContext {
	t.Helper()
	return &taskctx.TaskContext{
		DestinationRoot: "/dest",
		FenceRoot:       "/dest/__fence__1",
		Resources:       taskctx.NewResourceManager(),
	}
}

func TestRunIndependentOperations(t *testing.T) {
	rec := newRecorder()
	plan := &models.Plan{Operations: []models.OperationDescription{op(1), op(2), op(3)}}

	var finished, total int
	var mu sync.Mutex
	err := New(&Config{Parallelism: 3, MemoryQuota: 8}, nil).Run(context.Background(), plan, newContext(t), rec,
		func(f, n int) {
			mu.Lock()
			defer mu.Unlock()
			if f > finished {
				finished = f
			}
			total = n
		})

	require.NoError(t, err)
	assert.Equal(t, 3, finished)
	assert.Equal(t, 3, total)
	assert.ElementsMatch(t, []models.OperationID{1, 2, 3}, rec.started)
}

func TestRunFailFastSkipsDependents(t *testing.T) {
	rec := newRecorder()
	boom := status.Internalf("op1 exploded")
	rec.fail[1] = boom
	plan := &models.Plan{Operations: []models.OperationDescription{op(1), op(2, 1)}}

	err := New(nil, nil).Run(context.Background(), plan, newContext(t), rec, nil)

	require.Error(t, err)
	assert.Same(t, boom, err)
	assert.False(t, rec.ran(2))
}

func TestRunEndOperationRunsLastWithAllOutputs(t *testing.T) {
	rec := newRecorder()
	fenced := op(2)
	fenced.UseFenceDir = true
	plan := &models.Plan{Operations: []models.OperationDescription{op(1), fenced, op(3, 1)}}
	end := models.NewOperationDescription(9, "end")
	plan.SetEndOperation(end)

	tc := newContext(t)
	err := New(&Config{Parallelism: 4, MemoryQuota: 4}, nil).Run(context.Background(), plan, tc, rec, nil)
	require.NoError(t, err)

	require.Len(t, rec.started, 4)
	assert.Equal(t, models.OperationID(9), rec.started[3])
	for _, id := range []models.OperationID{1, 2, 3} {
		_, ok := tc.DependencyOutput(id)
		assert.True(t, ok, "output of %d registered", id)
	}
	dir, _ := tc.DependencyOutput(2)
	assert.Equal(t, tc.OperationFenceDir(2), dir)
	dir, _ = tc.DependencyOutput(1)
	assert.Equal(t, "/dest", dir)
}

func TestRunUnknownTypeIsCorruption(t *testing.T) {
	plan := &models.Plan{Operations: []models.OperationDescription{models.NewOperationDescription(1, "mystery")}}
	err := New(nil, nil).Run(context.Background(), plan, newContext(t), newRecorder(), nil)
	assert.Equal(t, status.Corruption, status.CodeOf(err))
}

func TestRunFactoryErrorPropagates(t *testing.T) {
	want := errors.New("factory down")
	f := FactoryFunc(func(models.OperationDescription) (Operation, error) { return nil, want })
	plan := &models.Plan{Operations: []models.OperationDescription{op(1)}}
	err := New(nil, nil).Run(context.Background(), plan, newContext(t), f, nil)
	assert.ErrorIs(t, err, want)
}

func TestRunCancelledContextIsExpired(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	plan := &models.Plan{Operations: []models.OperationDescription{op(1)}}
	err := New(nil, nil).Run(ctx, plan, newContext(t), newRecorder(), nil)
	assert.Equal(t, status.Expired, status.CodeOf(err))
}

func TestRunRespectsParallelism(t *testing.T) {
	rec := newRecorder()
	rec.delay = 20 * time.Millisecond
	plan := &models.Plan{}
	for i := 1; i <= 6; i++ {
		plan.AddOperation(op(models.OperationID(i)))
	}
	require.NoError(t, New(&Config{Parallelism: 2, MemoryQuota: 100}, nil).Run(context.Background(), plan, newContext(t), rec, nil))
	assert.LessOrEqual(t, rec.peak.Load(), int32(2))
}

func TestRunMemoryQuotaSerializesHeavyOperations(t *testing.T) {
	rec := newRecorder()
	rec.delay = 20 * time.Millisecond
	plan := &models.Plan{}
	for i := 1; i <= 3; i++ {
		d := op(models.OperationID(i))
		d.EstimateMemory = 1000
		plan.AddOperation(d)
	}
	require.NoError(t, New(&Config{Parallelism: 3, MemoryQuota: 10}, nil).Run(context.Background(), plan, newContext(t), rec, nil))
	assert.Equal(t, int32(1), rec.peak.Load())
}

func TestStagesValidation(t *testing.T) {
	tests := []struct {
		name string
		plan *models.Plan
	}{
		{"duplicate id", &models.Plan{Operations: []models.OperationDescription{op(1), op(1)}}},
		{"dangling", &models.Plan{Operations: []models.OperationDescription{op(1, 7)}}},
		{"self", &models.Plan{Operations: []models.OperationDescription{op(1, 1)}}},
		{"cycle", &models.Plan{Operations: []models.OperationDescription{op(1, 3), op(2, 1), op(3, 2), op(4)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Stages(tt.plan)
			assert.Equal(t, status.Corruption, status.CodeOf(err))
		})
	}
}

func TestStagesLayering(t *testing.T) {
	plan := &models.Plan{Operations: []models.OperationDescription{op(4, 2, 3), op(2, 1), op(3, 1), op(1), op(5)}}
	stages, err := Stages(plan)
	require.NoError(t, err)
	require.Len(t, stages, 3)

	ids := func(s []models.OperationDescription) []models.OperationID {
		out := make([]models.OperationID, len(s))
		for i, d := range s {
			out[i] = d.ID
		}
		return out
	}
	assert.Equal(t, []models.OperationID{1, 5}, ids(stages[0]))
	assert.Equal(t, []models.OperationID{2, 3}, ids(stages[1]))
	assert.Equal(t, []models.OperationID{4}, ids(stages[2]))
}

func TestRunNeverStartsBeforeDependencies(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "n")
		ops := make([]models.OperationDescription, n)
		for i := 0; i < n; i++ {
			var deps []models.OperationID
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(rt, fmt.Sprintf("dep_%d_%d", i, j)) {
					deps = append(deps, models.OperationID(j))
				}
			}
			ops[i] = op(models.OperationID(i), deps...)
		}
		order := rapid.Permutation(ops).Draw(rt, "order")

		rec := newRecorder()
		plan := &models.Plan{Operations: order}
		parallelism := rapid.IntRange(1, 4).Draw(rt, "parallelism")
		err := New(&Config{Parallelism: parallelism, MemoryQuota: 4}, nil).Run(context.Background(), plan, &taskctx.TaskContext{}, rec, nil)
		if err != nil {
			rt.Fatalf("run failed: %v", err)
		}
		if rec.violation != "" {
			rt.Fatalf("%s", rec.violation)
		}
		if len(rec.started) != n {
			rt.Fatalf("ran %d of %d operations", len(rec.started), n)
		}
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("index", newRecorder())
	_, err := r.Resolve("index")
	require.NoError(t, err)
	_, err = r.Resolve("kv")
	assert.Equal(t, status.InvalidArgs, status.CodeOf(err))
	assert.Equal(t, []string{"index"}, r.Kinds())
}
