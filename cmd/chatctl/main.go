package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/instance"
	"github.com/spf13/cobra"
)

var (
	instanceFlag string
	configFlag   string
	jsonFlag     bool
)

var rootCmd = &cobra.Command{
	Use:           "chatctl",
	Short:         "Control a local chatd instance",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&instanceFlag, "instance", "", "instance name (overrides config default)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", instance.ConfigPath(), "path to config.toml")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
}

// resolve loads the effective config and the instance it selects.
func resolve() (*config.Config, string, error) {
	cfg, err := config.Resolve(configFlag)
	if err != nil {
		return nil, "", err
	}
	name := instance.Resolve(instanceFlag, cfg.DefaultInstance)
	if err := instance.ValidateName(name); err != nil {
		return nil, "", err
	}
	return cfg, name, nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
