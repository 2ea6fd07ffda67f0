package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"studybuddy/internal/ai"
	"studybuddy/internal/config"
	"studybuddy/internal/db"
	"studybuddy/internal/email"
	"studybuddy/internal/logging"
	"studybuddy/internal/repositories"
)

const serviceName = "studybuddy"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          serviceName,
		Short:        "StudyBuddy AI backend",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file (yaml, json or toml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP, websocket and gRPC servers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(cmd.Context(), configPath)
			},
		},
		&cobra.Command{
			Use:   "purge",
			Short: "Delete expired confirmations and revoked tokens once",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runPurge(cmd.Context(), configPath)
			},
		},
		newFlashcardsCmd(&configPath),
	)
	return root
}

func newFlashcardsCmd(configPath *string) *cobra.Command {
	var (
		topic string
		count int
	)
	cmd := &cobra.Command{
		Use:   "flashcards",
		Short: "Generate flashcards for a topic and print them as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			gen, err := ai.NewGenerator(cmd.Context(), cfg.Gemini.APIKey, cfg.Gemini.Model, log)
			if err != nil {
				return fmt.Errorf("init generator: %w", err)
			}
			cards, err := ai.NewFlashcards(gen, log).Generate(cmd.Context(), topic, count)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cards)
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "flashcard topic")
	cmd.Flags().IntVar(&count, "count", ai.DefaultFlashcards, fmt.Sprintf("number of cards (1-%d)", ai.MaxFlashcards))
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func bootstrap(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Server.Environment, cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func runMigrate(ctx context.Context, configPath string) error {
	cfg, log, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	database, err := db.Connect(ctx, cfg.DB.DSN, true, log)
	if err != nil {
		log.Error("migrate failed", zap.Error(err))
		return err
	}
	return database.Close()
}

func runPurge(ctx context.Context, configPath string) error {
	cfg, log, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer log.Sync()

	database, err := db.Connect(ctx, cfg.DB.DSN, false, log)
	if err != nil {
		return err
	}
	defer database.Close()

	purger := email.NewPurger(repositories.NewConfirmationRepo(database), repositories.NewTokenRepo(database), log)
	res, err := purger.PurgeOnce(ctx)
	fmt.Fprintf(os.Stdout, "purged %d confirmations, %d revoked tokens\n", res.Confirmations, res.Tokens)
	return err
}
