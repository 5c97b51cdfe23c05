package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the crawl API until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := stateFrom(cmd.Context())
			if err != nil {
				return err
			}
			return st.app.Serve(cmd.Context())
		},
	}
}
