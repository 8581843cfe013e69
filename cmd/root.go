package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spigell/cv-matcher/internal/ai/gemini"
	"github.com/spigell/cv-matcher/internal/ai/openrouter"
	"github.com/spigell/cv-matcher/internal/api"
	"github.com/spigell/cv-matcher/internal/matching"
	"github.com/spigell/cv-matcher/internal/ranking"
	"github.com/spigell/cv-matcher/internal/resume"
	"github.com/spigell/cv-matcher/internal/storage"
	"github.com/spigell/cv-matcher/internal/store/postgres"
)

const (
	app       = "cv-matcher"
	envPrefix = "CVM"
)

type Config struct {
	Store    *StoreConfig    `mapstructure:"store"`
	Storage  *StorageConfig  `mapstructure:"storage"`
	Resume   *ResumeConfig   `mapstructure:"resume"`
	Oracle   *OracleConfig   `mapstructure:"oracle"`
	Ranking  ranking.Config  `mapstructure:"ranking"`
	Matching matching.Config `mapstructure:"matching"`
	HTTP     api.Config      `mapstructure:"http"`
	// SeedFile is a JSON document with jobs and candidates loaded at start.
	SeedFile string       `mapstructure:"seed-file"`
	Apply    *ApplyConfig `mapstructure:"apply"`
}

type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver   string          `mapstructure:"driver"`
	DSNFile  string          `mapstructure:"dsn-file"`
	Postgres postgres.Config `mapstructure:"postgres"`
	Migrate  bool            `mapstructure:"migrate"`
}

type StorageConfig struct {
	// Driver is "memory" or "s3".
	Driver        string           `mapstructure:"driver"`
	BaseURL       string           `mapstructure:"base-url"`
	S3            storage.S3Config `mapstructure:"s3"`
	AccessKey     string           `mapstructure:"access-key"`
	AccessKeyFile string           `mapstructure:"access-key-file"`
	SecretKey     string           `mapstructure:"secret-key"`
	SecretKeyFile string           `mapstructure:"secret-key-file"`
}

type ResumeConfig struct {
	resume.Config `mapstructure:",squash"`
	Skills        []string `mapstructure:"skills"`
}

type OracleConfig struct {
	// Provider is "gemini" or "openrouter".
	Provider     string            `mapstructure:"provider"`
	APIKey       string            `mapstructure:"api-key"`
	APIKeyFile   string            `mapstructure:"api-key-file"`
	MaxParallel  int               `mapstructure:"max-parallel"`
	Spacing      time.Duration     `mapstructure:"spacing"`
	CacheSize    int               `mapstructure:"cache-size"`
	MaxLogLength int               `mapstructure:"max-log-length"`
	Embeddings   bool              `mapstructure:"embeddings"`
	Gemini       gemini.Config     `mapstructure:"gemini"`
	OpenRouter   openrouter.Config `mapstructure:"openrouter"`
}

type ApplyConfig struct {
	CoverLetter string `mapstructure:"cover-letter"`
	Score       bool   `mapstructure:"score"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "cv-matcher ranks candidates against job postings and tracks applications",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is cv-matcher.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	// .env is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("loading .env: %v", err)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicit --config must exist; the default one is optional.
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func setDefaults() {
	viper.SetDefault("store.driver", "memory")
	viper.SetDefault("storage.driver", "memory")
	viper.SetDefault("resume.max-bytes", resume.DefaultMaxBytes)
	viper.SetDefault("resume.pdf-backend", resume.BackendFitz)
	viper.SetDefault("oracle.provider", "gemini")
	viper.SetDefault("oracle.cache-size", 512)
	viper.SetDefault("ranking.max-retries", ranking.DefaultMaxRetries)
	viper.SetDefault("http.listen", ":8080")
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, fmt.Errorf("decode config: %w", err)
	}
	if config == nil {
		config = &Config{}
	}
	if config.Store == nil {
		config.Store = &StoreConfig{Driver: "memory"}
	}
	if config.Storage == nil {
		config.Storage = &StorageConfig{Driver: "memory"}
	}
	if config.Resume == nil {
		config.Resume = &ResumeConfig{}
	}
	if config.Oracle == nil {
		config.Oracle = &OracleConfig{Provider: "gemini"}
	}
	if config.Apply == nil {
		config.Apply = &ApplyConfig{}
	}

	return config, nil
}
