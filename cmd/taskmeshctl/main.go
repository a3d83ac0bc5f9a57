// Command taskmeshctl is a local CLI that embeds the orchestrator
// facade directly against a store/snapshot backend, for scripting task
// submissions and inspecting mesh state without a running daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/swarmguard/taskmesh/internal/config"
	"github.com/swarmguard/taskmesh/internal/mesh"
	"github.com/swarmguard/taskmesh/internal/orchestrator"
	"github.com/swarmguard/taskmesh/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskmeshctl",
	Short: "Inspect and drive a task mesh orchestrator from the command line.",
}

func newFacade() (*orchestrator.Facade, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Store.URL)
	if err != nil {
		return nil, err
	}
	f := orchestrator.New(cfg, st, nil)
	if err := f.Start(context.Background()); err != nil {
		return nil, err
	}
	return f, nil
}

var submitCmd = &cobra.Command{
	Use:   "submit [name] [command...]",
	Short: "Submit a single shell-backed task and print its ID.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFacade()
		if err != nil {
			return err
		}
		priority, _ := cmd.Flags().GetInt("priority")
		t := mesh.NewTask(args[0], mesh.Definition{
			Kind:    mesh.DefCommand,
			Command: args[1],
			Args:    args[2:],
		}).WithPriority(priority)
		t.BackendHint = "shell"

		if err := f.Submit(context.Background(), t, nil); err != nil {
			return err
		}
		fmt.Println(t.ID.String())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Print a task's current status as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFacade()
		if err != nil {
			return err
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid task id: %w", err)
		}
		status, ok := f.Status(id)
		if !ok {
			return fmt.Errorf("task %s not found", id)
		}
		return json.NewEncoder(os.Stdout).Encode(status)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every task currently in the mesh.",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFacade()
		if err != nil {
			return err
		}
		for _, t := range f.List() {
			fmt.Printf("%s\t%s\t%s\n", t.ID, t.Name, t.Status().Kind)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a non-terminal task.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := newFacade()
		if err != nil {
			return err
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid task id: %w", err)
		}
		return f.Cancel(id, "taskmeshctl")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a taskmesh config file")
	submitCmd.Flags().Int("priority", 50, "task priority in [0,100]")
	rootCmd.AddCommand(submitCmd, statusCmd, listCmd, cancelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
