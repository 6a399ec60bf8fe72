package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		printHeader(w, "huddle "+version)
		if dbPath == "" {
			return nil
		}
		db, _, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer db.Close()
		v, err := db.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Schema: v%d (%s)\n", v, dbPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
