package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/surveydeck/surveydeck/configs"
)

// defaultConfigFile is where `config init` writes its template.
const defaultConfigFile = "surveydeck.yaml"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage surveydeck configuration",
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an annotated configuration template",
		Long: `Write an annotated surveydeck.yaml template to the current
directory. Existing files are not overwritten unless --force is given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(defaultConfigFile); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", defaultConfigFile)
			}
			if err := os.WriteFile(defaultConfigFile, []byte(configs.ConfigTemplate), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", defaultConfigFile, err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", defaultConfigFile)
			return err
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the effective configuration after merging defaults, the
config file, and SURVEYDECK_* environment overrides.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
