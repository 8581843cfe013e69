package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/cv-matcher/internal/api"
	"github.com/spigell/cv-matcher/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Run: func(cmd *cobra.Command, _ []string) {
		serve(cmd)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "address to listen on (overrides http.listen)")
	serveCmd.Flags().Bool("migrate", false, "apply database migrations before serving")

	viper.BindPFlag("http.listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("store.migrate", serveCmd.Flags().Lookup("migrate"))
}

func serve(_ *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer logger.Sync()

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the cv-matcher",
		zap.String("version", version),
		zap.String("store", config.Store.Driver),
		zap.String("storage", config.Storage.Driver),
		zap.String("oracle", config.Oracle.Provider),
	)

	c, err := build(ctx, config, logger)
	if err != nil {
		logger.Fatal("building components", zap.Error(err))
	}
	defer c.Close()

	if err := loadSeed(ctx, c, config.SeedFile, logger); err != nil {
		logger.Fatal("loading seed", zap.Error(err))
	}

	server := api.New(config.HTTP, api.Deps{
		Store:     c.store,
		Extractor: c.extractor,
		Storage:   c.storage,
		Matching:  c.matching,
		Lifecycle: c.machine,
		Hub:       c.hub,
		Indexer:   c.indexer,
		Skills:    config.Resume.Skills,
		Logger:    logger,
	})

	if err := server.Run(ctx); err != nil {
		logger.Error("http server stopped", zap.Error(err))
		return
	}
	logger.Info("exiting", zap.String("reason", "shutdown requested"))
}
