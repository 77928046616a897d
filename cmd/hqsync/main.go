package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hqcloud/hqsync/internal/utils"
	"github.com/hqcloud/hqsync/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	defaultHQDir   = filepath.Join(home, "HQ")
	configFileName = "config"
)

var rootCmd = &cobra.Command{
	Use:     "hqsync",
	Short:   "Sync a local HQ directory with the object store",
	Version: version.Detailed(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", "", "hqsync config file")
	rootCmd.PersistentFlags().StringP("user", "u", "", "User ID that owns the HQ prefix")
	rootCmd.PersistentFlags().StringP("dir", "d", defaultHQDir, "Local HQ directory")
	rootCmd.PersistentFlags().String("bucket", "", "Object store bucket")
	rootCmd.PersistentFlags().String("region", "", "Object store region")
	rootCmd.PersistentFlags().String("endpoint", "", "Object store endpoint override")
	rootCmd.PersistentFlags().Bool("use-aws-cli", false, "Transfer through the aws CLI instead of the SDK")
}

func main() {
	// ambient credentials often live in a .env next to the binary
	_ = godotenv.Load()

	logFile := filepath.Join(home, ".hqsync", "hqsync.log")
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create log directory: %v\n", err)
		os.Exit(1)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".hqsync"))
		viper.AddConfigPath(filepath.Join(home, ".config/hqsync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	pf := cmd.Root().PersistentFlags()
	viper.BindPFlag("user_id", pf.Lookup("user"))
	viper.BindPFlag("hq_dir", pf.Lookup("dir"))
	viper.BindPFlag("s3.bucket_name", pf.Lookup("bucket"))
	viper.BindPFlag("s3.region", pf.Lookup("region"))
	viper.BindPFlag("s3.endpoint", pf.Lookup("endpoint"))
	viper.BindPFlag("use_aws_cli", pf.Lookup("use-aws-cli"))

	viper.SetEnvPrefix("HQSYNC")
	viper.AutomaticEnv()

	// the documented plain env names take precedence over config file values
	viper.BindEnv("user_id", "HQ_USER_ID")
	viper.BindEnv("hq_dir", "HQ_DIR")
	viper.BindEnv("s3.bucket_name", "S3_BUCKET_NAME")
	viper.BindEnv("s3.region", "S3_REGION")
	viper.BindEnv("s3.access_key", "AWS_ACCESS_KEY_ID")
	viper.BindEnv("s3.secret_key", "AWS_SECRET_ACCESS_KEY")
	viper.BindEnv("s3.endpoint", "S3_ENDPOINT")

	return nil
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Printf("hqsync %s\n", version.Version)
}
