package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corelms/importpipe/version"
)

// VersionCmd prints build information.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			out, err := json.MarshalIndent(version.Get(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		fmt.Println(version.Get().String())
		return nil
	},
}

func init() {
	VersionCmd.Flags().Bool("json", false, "Output as JSON")
}
