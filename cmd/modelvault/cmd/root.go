package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-modelvault/internal/api"
	"go-modelvault/internal/config"
	"go-modelvault/internal/models"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the globally configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

var rootCmd = &cobra.Command{
	Use:   "modelvault",
	Short: "Catalog local generative models and the workflows that use them",
	Long: `modelvault indexes model files on disk, parses node-graph workflow files,
resolves each workflow's model dependencies against the catalog and downloads
what is missing as tracked background tasks.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	defer func() {
		if loggingTransport, ok := globalHttpTransport.(*api.LoggingTransport); ok && loggingTransport != nil {
			log.Debug("Closing API logging transport file.")
			if err := loggingTransport.Close(); err != nil {
				log.WithError(err).Error("Error closing API log file")
			}
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Logging format (text, json)")
	rootCmd.PersistentFlags().Bool("log-api", false, "Log remote API requests/responses (overrides config)")
	rootCmd.PersistentFlags().String("db", "", "Catalog database path (overrides config)")
	rootCmd.PersistentFlags().Int("concurrency", 0, "Maximum concurrent tasks (overrides config, 0 uses config)")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log.api", rootCmd.PersistentFlags().Lookup("log-api"))
	viper.BindPFlag("database", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("concurrency", rootCmd.PersistentFlags().Lookup("concurrency"))

	cobra.OnInitialize(initLogging)
}

// initLogging configures logrus based on persistent flags
func initLogging() {
	logLevel := viper.GetString("log.level")
	logFormat := viper.GetString("log.format")

	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using default 'text'", logFormat)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.Debugf("Logging configured: Level=%s, Format=%s", log.GetLevel(), logFormat)
}

// loadGlobalConfig loads the configuration, applies flag overrides and
// sets up the global HTTP transport.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		if errors.Is(err, config.ErrInvalidConfig) {
			return err
		}
		// Commands that need roots check for them; the rest run on defaults.
		log.WithError(err).Warnf("Failed to load configuration from %s, using defaults", cfgFile)
		globalConfig = models.Config{}
		config.ApplyDefaults(&globalConfig)
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = viper.GetBool("log.api")
		log.Debugf("Overriding LogApiRequests based on --log-api flag: %t", globalConfig.LogApiRequests)
	}
	if db := viper.GetString("database"); db != "" {
		globalConfig.DatabasePath = db
		log.Debugf("Overriding DatabasePath based on --db flag: %s", db)
	}
	if n := viper.GetInt("concurrency"); n > 0 {
		globalConfig.MaxConcurrentTasks = n
		log.Debugf("Overriding MaxConcurrentTasks based on --concurrency flag: %d", n)
	} else if n < 0 {
		log.Warnf("--concurrency flag provided with invalid value %d, using config value: %d", n, globalConfig.MaxConcurrentTasks)
	}

	globalHttpTransport = http.DefaultTransport
	if globalConfig.LogApiRequests {
		log.Infof("API logging to file: %s", globalConfig.ApiLogPath)
		loggingTransport, err := api.NewLoggingTransport(http.DefaultTransport, globalConfig.ApiLogPath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			globalHttpTransport = loggingTransport
		}
	}
	return nil
}
