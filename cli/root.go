package cli

import (
	"github.com/sinas-platform/sinas/engine/backend"
	"github.com/sinas-platform/sinas/pkg/version"
	"github.com/spf13/cobra"
)

// RootCmd builds the sinas command tree. The backend carries the
// function handlers the worker processes execute.
func RootCmd(be backend.Backend) *cobra.Command {
	root := &cobra.Command{
		Use:           "sinas",
		Short:         "Sinas function execution engine",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("env-file", "", "Load environment variables from this file before reading configuration")
	root.AddCommand(
		ServeCmd(be),
		WorkerCmd(be),
		MigrateCmd(),
	)
	return root
}
