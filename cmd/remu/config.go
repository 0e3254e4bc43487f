package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newConfigCmd(o *globalOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the timing configuration in effect",
		Long: "Print the timing configuration selected by --timing, or the defaults.\n" +
			"The output is a valid --timing file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			timing, err := o.timing()
			if err != nil {
				return err
			}
			if out != "" {
				return timing.SaveConfig(out)
			}
			enc := json.NewEncoder(o.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(timing)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to a file instead of stdout")
	return cmd
}
