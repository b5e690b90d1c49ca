// Package submit implements aflctl's one subcommand: read a compiled flow
// and JSON inputs, register them, and enqueue an afl:execute task (spec.md
// §6's CLI surface).
package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rlemke/agentflow/internal/afltypes"
	"github.com/rlemke/agentflow/internal/ast"
	"github.com/rlemke/agentflow/internal/cli"
	"github.com/rlemke/agentflow/internal/config"
	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/evaluator"
	"github.com/rlemke/agentflow/internal/persistence"
	"github.com/rlemke/agentflow/internal/persistence/memory"
	"github.com/rlemke/agentflow/internal/persistence/sqlite"
)

// NewCommand builds the "submit" Cobra command, reading persistence
// settings from g once Cobra has parsed the root's persistent flags.
func NewCommand(g *cli.Globals) *cobra.Command {
	var (
		flowPath     string
		workflowName string
		inputsPath   string
		taskList     string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a compiled flow for execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(g, flowPath, workflowName, inputsPath, taskList)
		},
	}

	cmd.Flags().StringVar(&flowPath, "flow", "", "Path to a compiled flow JSON file (ast.MarshalProgram output)")
	cmd.Flags().StringVar(&workflowName, "workflow", "", "Name of the workflow within the flow to run")
	cmd.Flags().StringVar(&inputsPath, "inputs", "", "Path to a JSON file of input name/value pairs")
	cmd.Flags().StringVar(&taskList, "task-list", "default", "Task list the afl:execute task is enqueued on")
	_ = cmd.MarkFlagRequired("flow")
	_ = cmd.MarkFlagRequired("workflow")

	return cmd
}

func run(g *cli.Globals, flowPath, workflowName, inputsPath, taskList string) error {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if g.Backend != "" {
		cfg.Persistence.Driver = g.Backend
	}
	if g.DBPath != "" {
		cfg.Persistence.Driver = "sqlite"
		cfg.Persistence.Path = g.DBPath
	}

	port, err := openPort(cfg.Persistence)
	if err != nil {
		return fmt.Errorf("open persistence backend: %w", err)
	}
	defer port.Close()

	raw, err := os.ReadFile(flowPath)
	if err != nil {
		return fmt.Errorf("read flow file: %w", err)
	}
	program, err := ast.UnmarshalProgram(raw)
	if err != nil {
		return fmt.Errorf("decode compiled flow: %w", err)
	}

	inputs := map[string]any{}
	if inputsPath != "" {
		inputRaw, err := os.ReadFile(inputsPath)
		if err != nil {
			return fmt.Errorf("read inputs file: %w", err)
		}
		if err := json.Unmarshal(inputRaw, &inputs); err != nil {
			return fmt.Errorf("decode inputs: %w", err)
		}
	}

	ctx := context.Background()

	flow := &entities.Flow{
		ID:          afltypes.NewID(),
		Name:        workflowName,
		CompiledAST: raw,
		CreatedAt:   time.Now(),
	}
	if err := port.SaveFlow(ctx, flow); err != nil {
		return fmt.Errorf("save flow: %w", err)
	}

	workflowID := afltypes.NewWorkflowId()
	if err := port.SaveWorkflow(ctx, &entities.Workflow{ID: workflowID, FlowID: flow.ID, Name: workflowName}); err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}

	eval := evaluator.New(port, program)
	if _, err := eval.Bootstrap(ctx, workflowID, workflowName, inputs); err != nil {
		return fmt.Errorf("bootstrap runner: %w", err)
	}

	runner := &entities.Runner{
		ID:         afltypes.NewID(),
		WorkflowID: workflowID,
		FlowID:     flow.ID,
		FlowName:   flow.Name,
		State:      entities.RunnerCreated,
		StartedAt:  time.Now(),
	}
	if err := port.SaveRunner(ctx, runner); err != nil {
		return fmt.Errorf("save runner: %w", err)
	}

	task := &entities.Task{
		ID:         afltypes.NewID(),
		Name:       entities.TaskExecute,
		RunnerID:   runner.ID,
		WorkflowID: workflowID,
		FlowID:     flow.ID,
		TaskList:   taskList,
		State:      entities.TaskPending,
		DataType:   "execute",
	}
	if err := port.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("enqueue execute task: %w", err)
	}

	fmt.Printf("submitted runner %s (workflow %s)\n", runner.ID, workflowID)
	return nil
}

func openPort(cfg config.Persistence) (persistence.Port, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.Path, WAL: cfg.WAL})
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Driver)
	}
}
