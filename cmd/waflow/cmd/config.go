package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) validateConfigCommand() *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the WAFLOW_* environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := a.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if show {
				fmt.Fprintln(out, conf.String())
			}
			fmt.Fprintf(out, "configuration is valid (pubsub=%s, outbound=%s)\n",
				conf.PubSubSystem, conf.Topic(conf.OutboundCommandTopic))
			return nil
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "print the effective configuration with credentials redacted")
	return cmd
}
