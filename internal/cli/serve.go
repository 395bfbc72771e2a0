package cli

import (
	"context"
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/solvepad/solvepad/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", "", "Load provider credentials from this .env file")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost    string
	servePort    int
	serveEnvFile string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the solvepad API server",
	Long: `Start the HTTP API server. Provider credentials are read from
SOLVEPAD_PRIMARY_KEYS and SOLVEPAD_FALLBACK_KEYS (comma-separated),
optionally loaded from a .env file.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveEnvFile != "" {
		if err := godotenv.Load(serveEnvFile); err != nil {
			return err
		}
	} else if err := godotenv.Load(); err == nil {
		log.Println("[cli] loaded credentials from .env")
	}

	d, err := daemon.New()
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		d.Config.API.Host = serveHost
	}
	if servePort > 0 {
		d.Config.API.Port = servePort
	}

	return d.Serve(context.Background())
}
