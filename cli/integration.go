package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/engine/webhook"
)

// IntegrationCmd manages outbound webhook integrations stored as YAML files.
func IntegrationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integration",
		Short: "Manage outbound webhook integrations",
	}
	cmd.PersistentFlags().String("dir", defaultIntegrationsDir, "Directory holding integration YAML files")
	cmd.AddCommand(
		integrationRegisterCmd(),
		integrationTestCmd(),
	)
	return cmd
}

func integrationRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Validate an integration spec and add it to the integrations directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			file, _ := cmd.Flags().GetString("file")
			integration, err := decodeIntegrationFile(file)
			if err != nil {
				return err
			}
			// Register against a throwaway dispatcher to validate and pick up
			// the retry policy defaults.
			d := webhook.NewDispatcher(commandLogger(cmd))
			defer d.Close()
			if err := d.Register(integration); err != nil {
				return err
			}
			stored, err := d.Get(integration.ID)
			if err != nil {
				return err
			}
			target := filepath.Join(dir, stored.ID+".yaml")
			if _, err := os.Stat(target); err == nil {
				return core.NewError(core.CategoryValidation, "integration_exists",
					fmt.Sprintf("integration %q already exists in %s", stored.ID, dir))
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create integrations directory: %w", err)
			}
			data, err := yaml.Marshal(stored)
			if err != nil {
				return fmt.Errorf("failed to serialize integration: %w", err)
			}
			if err := os.WriteFile(target, data, 0o600); err != nil {
				return fmt.Errorf("failed to write integration file: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), stored)
		},
	}
	cmd.Flags().StringP("file", "f", "", "Integration spec YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func integrationTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test <integration-id>",
		Short: "Send a synthetic webhook.test event to a registered integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			integration, err := decodeIntegrationFile(filepath.Join(dir, args[0]+".yaml"))
			if err != nil {
				return err
			}
			d := webhook.NewDispatcher(commandLogger(cmd))
			defer d.Close()
			if err := d.Register(integration); err != nil {
				return err
			}
			if err := d.TestDelivery(cmd.Context(), integration.ID); err != nil {
				return err
			}
			cmd.Printf("test delivery to %s accepted\n", integration.URL)
			return nil
		},
	}
	return cmd
}
