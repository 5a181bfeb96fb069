// Yaoay - a talking face that listens, thinks and answers in Turkish.
//
// Usage:
//
//	yaoay [flags] <command>
//
// Commands:
//
//	serve    - HTTP/websocket server for the browser face
//	console  - converse through stdin, speak with 'say' or silently
//	pose     - dump animation frames as JSON lines
//	key      - manage the API key in the OS keychain
//
// Configuration lives in ~/.yaoay/config.yaml. OPENAI_API_KEY and .env
// files in the working directory and ~/.yaoay are honoured.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/normanking/yaoay/internal/config"
)

const version = "1.0.0"

var (
	// Global flags
	configDir string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "yaoay",
	Short: "Animated voice assistant face",
	Long: `yaoay - an animated face that listens, thinks and answers.

Press to talk: the face listens while speech is recognised, thinks while
the reply is generated, and speaks it with an expression matched to the
reply.

Examples:
  # Serve the face to a browser on 127.0.0.1:8787
  yaoay serve

  # Talk from the terminal
  yaoay console

  # Store the API key in the OS keychain
  yaoay key set`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration directory (default ~/.yaoay)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, consoleCmd, poseCmd, keyCmd)
}

// resolveConfigDir returns --config-dir or the default directory.
func resolveConfigDir() (string, error) {
	if configDir != "" {
		return configDir, nil
	}
	return config.Dir()
}

// loadEnvFiles loads ./.env and <dir>/.env into the process environment.
// Variables already set are left alone; missing files are skipped.
func loadEnvFiles(dir string) []string {
	var loaded []string
	for _, path := range []string{".env", filepath.Join(dir, ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			continue
		}
		loaded = append(loaded, path)
	}
	return loaded
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
