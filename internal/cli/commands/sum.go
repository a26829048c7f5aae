package commands

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zeebo/blake3"
)

var sumCmd = &cobra.Command{
	Use:   "sum <path>...",
	Short: "Print BLAKE3 checksums of files",
	Long: `Print the BLAKE3 checksum of each file, in the format of b3sum.

Examples:
  fedfs sum release.zip/bin/tool backup.tar.gz/etc/hosts`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSum,
}

func init() {
	rootCmd.AddCommand(sumCmd)
}

func runSum(cmd *cobra.Command, args []string) error {
	return withSession(cmd.Context(), func(s *session) error {
		for _, arg := range args {
			p, err := s.path(arg)
			if err != nil {
				return err
			}
			f, err := s.fs.Open(p)
			if err != nil {
				return err
			}
			h := blake3.New()
			_, err = io.Copy(h, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", arg, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", hex.EncodeToString(h.Sum(nil)), arg)
		}
		return nil
	})
}
