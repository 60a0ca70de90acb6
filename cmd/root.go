// cmd/root.go
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var cfgFile string
var redisURL string
var redisPassword string
var debugMode bool

// Debug prints a message if debug mode is enabled
func Debug(format string, args ...interface{}) {
	if debugMode {
		fmt.Printf("[DEBUG] %s\n", fmt.Sprintf(format, args...))
	}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "iris",
	Short: "Iris is an image classification job service",
	Long: `Iris accepts image uploads, deduplicates them by content, and hands
classification jobs to workers through a shared Redis broker.

Run 'iris serve' for the upload API and 'iris work' for a classification
worker. Both sides share nothing but the broker and the image store.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !debugMode {
			return
		}
		// Reconstruct the effective invocation so debug logs show which
		// flags were actually set.
		fullCmd := cmd.CommandPath()
		cmd.Flags().Visit(func(f *pflag.Flag) {
			if f.Name == "debug" {
				return
			}
			if f.Value.Type() == "bool" {
				fullCmd += " --" + f.Name
			} else {
				fullCmd += " --" + f.Name + "=" + f.Value.String()
			}
		})
		if len(args) > 0 {
			fullCmd += " " + strings.Join(args, " ")
		}
		Debug("running: %s", fullCmd)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./iris.yaml)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", getEnvOrDefault("REDIS_URL", "redis://localhost:6379"), "Redis broker URL")
	rootCmd.PersistentFlags().StringVar(&redisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")
}
