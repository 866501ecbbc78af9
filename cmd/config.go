package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and manage ctrlscan-cache configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration (secrets redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		redactSecrets(cfg)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the path to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		fmt.Println(p)
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "nano"
		}
		fmt.Printf("Opening %s with %s...\n", p, editor)
		c := exec.Command(editor, p) // #nosec G204 -- editor is from $EDITOR env var, intentional user-controlled binary
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return c.Run()
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configPathCmd, configEditCmd)
}

// redactSecrets masks every credential before the config is printed.
func redactSecrets(cfg *config.Config) {
	mask := func(s *string, with string) {
		if *s != "" {
			*s = with
		}
	}
	for i := range cfg.Git.GitHub {
		mask(&cfg.Git.GitHub[i].Token, "ghp-***")
	}
	for i := range cfg.Git.GitLab {
		mask(&cfg.Git.GitLab[i].Token, "glpat-***")
	}
	for i := range cfg.Git.Azure {
		mask(&cfg.Git.Azure[i].Token, "***")
	}
	mask(&cfg.Git.Generic.Token, "***")
	mask(&cfg.Database.DSN, databaseTarget(cfg.Database))
	mask(&cfg.Archive.SecretKey, "***")
	mask(&cfg.Notify.Webhook.Secret, "***")
	mask(&cfg.Notify.Slack.WebhookURL, "https://hooks.slack.com/***")
}
