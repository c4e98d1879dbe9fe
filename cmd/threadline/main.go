package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/threadline/threadline/internal/auth"
	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:   "threadline",
		Short: "Facebook Messenger webhook gateway",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook gateway server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}

	var tokenUser string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Generate an admin JWT for the status endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			expiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
			if err != nil {
				return fmt.Errorf("invalid jwt_expires_in: %w", err)
			}
			token, expiresAt, err := auth.GenerateToken(tokenUser, cfg.Auth.JWTSecret, expiresIn)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&tokenUser, "user", "admin", "user id to embed in the token")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetInfo())
		},
	}

	root.AddCommand(serveCmd, tokenCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
