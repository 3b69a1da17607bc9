package main

import (
	"github.com/spf13/cobra"

	"github.com/fhir-harness/fhir-test-harness/config"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fhir-test-harness",
		Short:         "Run end-to-end contract tests against a FHIR R4 server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := cmd.Flags()
			envFile, _ := fs.GetString("env-file")
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			v, err := config.NewViper(fs)
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.BindFlags(cmd.Flags())
	cmd.Flags().SortFlags = false
	return cmd
}
