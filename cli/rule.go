package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/engine/rule"
)

// RuleCmd manages rule specs stored as YAML files in a rules directory.
func RuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage automation rules",
	}
	cmd.PersistentFlags().String("dir", defaultRulesDir, "Directory holding rule YAML files")
	cmd.AddCommand(
		ruleCreateCmd(),
		ruleUpdateCmd(),
		ruleDeleteCmd(),
		ruleListCmd(),
		ruleExecuteCmd(),
	)
	return cmd
}

func ruleCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Validate a rule spec and add it to the rules directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			file, _ := cmd.Flags().GetString("file")
			r, err := decodeRuleFile(file)
			if err != nil {
				return err
			}
			if r.ID == "" {
				r.ID = core.MustNewID()
			} else if _, err := os.Stat(rulePath(dir, r.ID)); err == nil {
				return core.NewError(core.CategoryValidation, "rule_exists",
					fmt.Sprintf("rule %q already exists in %s", r.ID, dir))
			}
			if err := rule.Validate(r); err != nil {
				return err
			}
			if err := writeRuleFile(dir, r); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().StringP("file", "f", "", "Rule spec YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func ruleUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <rule-id>",
		Short: "Replace an existing rule spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			file, _ := cmd.Flags().GetString("file")
			id := core.ID(args[0])
			if _, err := os.Stat(rulePath(dir, id)); err != nil {
				return core.NotFoundError("rule", id)
			}
			r, err := decodeRuleFile(file)
			if err != nil {
				return err
			}
			r.ID = id
			if err := rule.Validate(r); err != nil {
				return err
			}
			if err := writeRuleFile(dir, r); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().StringP("file", "f", "", "Rule spec YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <rule-id>",
		Short: "Remove a rule from the rules directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			id := core.ID(args[0])
			if err := os.Remove(rulePath(dir, id)); err != nil {
				if os.IsNotExist(err) {
					return core.NotFoundError("rule", id)
				}
				return fmt.Errorf("failed to delete rule file: %w", err)
			}
			cmd.Printf("deleted rule %s\n", id)
			return nil
		},
	}
}

func ruleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in the rules directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			enabledOnly, _ := cmd.Flags().GetBool("enabled-only")
			projectKey, _ := cmd.Flags().GetString("project")
			rules, err := loadRulesDir(dir)
			if err != nil {
				return err
			}
			out := make([]*rule.Rule, 0, len(rules))
			for _, r := range rules {
				if enabledOnly && !r.Enabled {
					continue
				}
				if projectKey != "" && !r.InScope(projectKey) {
					continue
				}
				out = append(out, r)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().Bool("enabled-only", false, "Only list enabled rules")
	cmd.Flags().String("project", "", "Only list rules in scope for this project key")
	return cmd
}

func ruleExecuteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <rule-id>",
		Short: "Run a rule once against the configured tracker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			issueKey, _ := cmd.Flags().GetString("issue")
			projectKey, _ := cmd.Flags().GetString("project")
			userID, _ := cmd.Flags().GetString("user")
			id := core.ID(args[0])

			r, err := decodeRuleFile(rulePath(dir, id))
			if err != nil {
				return err
			}
			log := commandLogger(cmd)
			a, err := buildApp(log)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.close(ctx)
			}()

			stored, err := a.engine.CreateRule(cmd.Context(), r)
			if err != nil {
				return err
			}
			exec, err := a.engine.ExecuteRule(cmd.Context(), stored.ID, &core.ExecutionContext{
				IssueKey:   issueKey,
				ProjectKey: projectKey,
				UserID:     userID,
			})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), exec); err != nil {
				return err
			}
			if exec.Status != core.StatusCompleted {
				return core.NewError(core.CategoryExecution, "execution_not_completed",
					fmt.Sprintf("execution finished with status %s: %s", exec.Status, exec.Error))
			}
			return nil
		},
	}
	cmd.Flags().String("issue", "", "Issue key for the execution context")
	cmd.Flags().String("project", "", "Project key for the execution context")
	cmd.Flags().String("user", "", "User id for the execution context")
	return cmd
}
