package commands

import (
	"fmt"

	"github.com/shizukutanaka/orefleet/internal/config"
	"github.com/spf13/cobra"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default configuration",
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().Bool("force", false, "Overwrite existing configuration")
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	if err := config.WriteTemplate(cfgFile, force); err != nil {
		return fmt.Errorf("%w, use --force to overwrite", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration written to %s\n", cfgFile)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Put your keypair files in the identities directory (keys/ by default)")
	fmt.Fprintln(out, "  2. Set endpoints, priority_fee and fleet pacing in the config")
	fmt.Fprintln(out, "  3. Run 'orefleet start' to launch the fleet")
	return nil
}
