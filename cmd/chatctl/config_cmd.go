package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/matheus3301/chatd/internal/config"
	"github.com/spf13/cobra"
)

var forceInit bool

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage config.toml",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config with a fresh JWT secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configFlag); err == nil && !forceInit {
			return fmt.Errorf("%s already exists (use --force)", configFlag)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		cfg := config.Default()
		cfg.Auth.JWTSecret = hex.EncodeToString(secret)
		if err := config.Save(configFlag, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Printf("Config written to %s\n", configFlag)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := resolve()
		if err != nil {
			return err
		}
		cfg.Auth.JWTSecret = "(redacted)"
		outputJSON(cfg)
		return nil
	},
}
