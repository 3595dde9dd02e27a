package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:     "storefind",
	Short:   "Semantic product search for online stores",
	Version: version,
	Long: `storefind indexes store catalogs with text embeddings and serves
natural-language product search over them. Catalogs arrive by direct
upload or through scheduled scrapes of configured storefronts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	// A .env in the working directory is optional.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(taskCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "storefind.yaml"
	}
	return home + "/.storefind/config.yaml"
}
