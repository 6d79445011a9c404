// Command greenbot runs the GreenBot sustainability assistant backend.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/greenbot/backend/internal/config"
	"github.com/zhouzirui/greenbot/backend/pkg/telemetry"
)

var log = logrus.WithField("component", "main")

func main() {
	rootCmd := &cobra.Command{
		Use:   "greenbot",
		Short: "Sustainability chat assistant with persona-specific advice and quizzes",
		Long: `GreenBot serves the conversation API used by the web client: persona
chats, conversation history that follows you when you sign in, and short quizzes
on each persona's topic.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd(), chatCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads .env (when present) and the environment.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to load .env file, continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	telemetry.ConfigureLogging(cfg.Log)
	return cfg, nil
}
