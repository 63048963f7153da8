package main

import (
	"bytes"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/szaher/designs/sessiond/internal/config"
	"github.com/szaher/designs/sessiond/internal/telemetry"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the resolved settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			enc := yaml.NewEncoder(&buf)
			enc.SetIndent(2)
			if err := enc.Encode(cfg.Masked()); err != nil {
				return err
			}
			if err := enc.Close(); err != nil {
				return err
			}
			// A secret may also sit inside a field that is not masked.
			out := buf.String()
			for _, s := range cfg.Secrets() {
				out = strings.ReplaceAll(out, s, telemetry.Redacted)
			}
			_, err = cmd.OutOrStdout().Write([]byte(out))
			return err
		},
	}
}
