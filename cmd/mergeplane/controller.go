package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/mergeplane/internal/admin"
	"github.com/fentz26/mergeplane/internal/controller"
	"github.com/fentz26/mergeplane/internal/executor"
	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/ops"
	"github.com/fentz26/mergeplane/internal/taskctx"
)

// planCreator builds the plan of a table kind from an assembled context.
type planCreator interface {
	CreatePlan(tc *taskctx.TaskContext) (*models.Plan, error)
}

var planCreators = map[string]planCreator{
	ops.Kind: ops.PlanCreator{},
}

func newRegistry() *executor.Registry {
	reg := executor.NewRegistry()
	ops.Register(reg, logger)
	return reg
}

// partitionFlags identify the partition a controller works on.
type partitionFlags struct {
	root       string
	remote     bool
	app        string
	generation int64
	table      string
	branch     int64
	rangeFrom  uint32
	rangeTo    uint32
}

func (p *partitionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.root, "root", "", "Partition root directory (required)")
	cmd.Flags().BoolVar(&p.remote, "remote", false, "Run on the admin service instead of in-process")
	cmd.Flags().StringVar(&p.table, "table", "default", "Table name")
	cmd.Flags().Int64Var(&p.branch, "branch", 0, "Branch id of this build")
	cmd.Flags().Uint32Var(&p.rangeFrom, "range-from", 0, "Partition range start")
	cmd.Flags().Uint32Var(&p.rangeTo, "range-to", 65535, "Partition range end")
	registerBuildFlags(cmd, &p.app, &p.generation)
	cmd.MarkFlagRequired("root")
}

func registerBuildFlags(cmd *cobra.Command, app *string, generation *int64) {
	cmd.Flags().StringVar(app, "app", "default", "Application name of the build")
	cmd.Flags().Int64Var(generation, "generation", 0, "Build generation id")
}

func (p *partitionFlags) newController(params map[string]string) (controller.MergeController, error) {
	if !p.remote {
		factory, err := newRegistry().Resolve(cfg.TableKind)
		if err != nil {
			return nil, err
		}
		return controller.NewLocalController(controller.LocalConfig{
			PartitionRoot: p.root,
			TempBuildRoot: cfg.TempBuildRoot,
			Executor:      executor.New(&cfg.Executor, logger),
			Factory:       factory,
			Logger:        logger,
		}), nil
	}

	if cfg.AdminAddr == "" {
		return nil, fmt.Errorf("--remote needs an admin address")
	}
	sent := map[string]string{admin.ParamTableKind: cfg.TableKind}
	for k, v := range params {
		sent[k] = v
	}
	return controller.NewRemoteController(controller.RemoteConfig{
		BuildID:       models.BuildID{AppName: p.app, GenerationID: p.generation},
		TableName:     p.table,
		Range:         models.Range{From: p.rangeFrom, To: p.rangeTo},
		BranchID:      p.branch,
		PartitionRoot: p.root,
		Client:        admin.NewClient(cfg.AdminAddr, cfg.RPCTimeout()),
		Params:        sent,
		RPCTimeout:    cfg.RPCTimeout(),
		BackoffWindow: cfg.BackoffWindow(),
		Logger:        logger,
		Now:           time.Now,
	}), nil
}
