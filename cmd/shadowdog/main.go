package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"shadowdog/internal/cli"
	"shadowdog/internal/config"
	"shadowdog/internal/logging"
)

var (
	flagConfig       string
	flagProjectRoot  string
	flagWatch        bool
	flagCacheDir     string
	flagLockFile     string
	flagNotifySocket string
	flagRPCHost      string
	flagRPCPort      int
	flagLogLevel     string
	flagJSONLogs     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(cli.ExitInvalidInvocation)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shadowdog",
	Short: "shadowdog builds and caches artifacts from filesystem events",
	Long: `shadowdog watches declared input files, runs the shell commands that
produce their artifacts, and caches the results locally and remotely so
unchanged inputs never rebuild.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := filepath.Abs(flagProjectRoot)
		if err != nil {
			return fmt.Errorf("resolving project root: %w", err)
		}

		configPath := flagConfig
		if configPath == "" {
			configPath = filepath.Join(root, config.DefaultConfigFileName)
		}

		cacheDir := flagCacheDir
		if cacheDir == "" {
			cacheDir = filepath.Join(root, ".shadowdog", "cache")
		}

		inv := cli.Invocation{
			ConfigPath:   configPath,
			ProjectRoot:  root,
			Watch:        flagWatch,
			CacheDir:     cacheDir,
			LockFilePath: flagLockFile,
			NotifySocket: flagNotifySocket,
			RPCHost:      flagRPCHost,
			RPCPort:      flagRPCPort,
			LogLevel:     logging.Level(flagLogLevel),
			JSONLogs:     flagJSONLogs,
		}

		res, runErr := cli.Run(context.Background(), inv)
		if runErr != nil {
			fmt.Fprintln(os.Stderr, runErr)
		}
		os.Exit(res.ExitCode)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to the configuration file (default <project-root>/shadowdog.json)")
	rootCmd.Flags().StringVar(&flagProjectRoot, "project-root", ".", "project root that artifact and input paths are resolved against")
	rootCmd.Flags().BoolVar(&flagWatch, "watch", false, "run as a daemon: watch inputs, debounce rebuilds, and serve the RPC surface")
	rootCmd.Flags().StringVar(&flagCacheDir, "cache-dir", "", "local cache directory (default <project-root>/.shadowdog/cache)")
	rootCmd.Flags().StringVar(&flagLockFile, "lock-file", "", "lock file path (default <project-root>/shadowdog-lock.json)")
	rootCmd.Flags().StringVar(&flagNotifySocket, "notify-socket", "", "UNIX socket path for the optional notification side channel")
	rootCmd.Flags().StringVar(&flagRPCHost, "rpc-host", config.DefaultHost, "RPC listener host (--watch only)")
	rootCmd.Flags().IntVar(&flagRPCPort, "rpc-port", config.DefaultPort, "RPC listener port (--watch only)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", string(logging.InfoLevel), "log level: debug, info, warn, error")
	rootCmd.Flags().BoolVar(&flagJSONLogs, "json-logs", false, "emit structured JSON logs instead of console output")
}
