package cmd

import (
	"context"
	"log"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Run: func(_ *cobra.Command, _ []string) {
		migrate()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func migrate() {
	ctx := context.Background()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}
	if !strings.EqualFold(config.Store.Driver, "postgres") {
		logger.Info("exiting", zap.String("reason", "nothing to migrate for the memory store"))
		return
	}

	cfg := *config.Store
	cfg.Migrate = true
	st, err := openStore(ctx, &cfg, logger)
	if err != nil {
		logger.Fatal("migrating database", zap.Error(err))
	}
	st.Close()

	logger.Info("database is up to date")
}
