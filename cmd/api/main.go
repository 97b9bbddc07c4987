package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "researchd",
		Short:         "Household deep-research service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath != "" {
				return os.Setenv("CONFIG_PATH", cfgPath)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file layered under the environment")

	root.AddCommand(serveCMD(), workerCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
