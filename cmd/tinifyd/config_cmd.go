package main

import (
	"io"
	"strings"

	"github.com/openmined/tinifyd/internal/utils"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// secret keys are masked when printed
var secretKeys = []string{
	"transform.key",
	"http.token",
	"database.dsn",
	"backup.s3.access_key",
	"backup.s3.secret_key",
}

func init() {
	rootCmd.AddCommand(newConfigCmd())
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printConfig(cmd.OutOrStdout(), viper.GetViper())
		},
	}
}

func printConfig(w io.Writer, v *viper.Viper) error {
	settings := v.AllSettings()
	for _, key := range secretKeys {
		maskKey(settings, strings.Split(key, "."))
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return err
	}
	return enc.Close()
}

func maskKey(m map[string]any, path []string) {
	val, ok := m[path[0]]
	if !ok {
		return
	}
	if len(path) > 1 {
		if sub, ok := val.(map[string]any); ok {
			maskKey(sub, path[1:])
		}
		return
	}
	if s, ok := val.(string); ok && s != "" {
		m[path[0]] = utils.MaskSecret(s)
	}
}
