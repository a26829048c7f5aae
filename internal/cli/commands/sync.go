package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"fedfs/internal/vfs"
)

var syncAbort bool

var syncCmd = &cobra.Command{
	Use:   "sync [path]...",
	Short: "Commit or discard pending changes of archives",
	Long: `Mount the archives on the given paths and commit them to their parents.

With --abort, changes are discarded instead and every archive is left as it
was.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncAbort, "abort", false, "discard changes instead of committing them")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	var runErr error
	for _, arg := range args {
		c, name, err := s.entry(ctx, arg)
		if err != nil {
			runErr = err
			break
		}
		_, err = c.Node(ctx, name, 0)
		c.Release()
		if err != nil {
			runErr = fmt.Errorf("failed to access %s: %w", arg, err)
			break
		}
	}
	n := s.m.Len()
	opts := vfs.SyncUmount
	if syncAbort {
		opts = vfs.SyncReset
	}
	if err := s.close(ctx, opts); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "synced %d file systems (%s)\n", n, opts)
	return nil
}
