package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hitoshi/sangha/internal/config"
)

// Command はアプリケーションのサブコマンド名を表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はストレージのスキーマを最新にすることを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandUsers は管理者向けのユーザー操作を示す。
	CommandUsers Command = "users"
)

// NewRootCommand はsanghaのコマンドツリーを構築する。
// 引数なしで実行した場合はserveとして動作する。
func NewRootCommand(w io.Writer) *cobra.Command {
	var cfg *config.Config

	// loadConfig は設定とロガーを初期化する。healthcheckでは呼ばない。
	loadConfig := func(cmd *cobra.Command, _ []string) error {
		loaded, err := Init(w)
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		cfg = loaded
		slog.Info("starting application",
			slog.String("command", cmd.Name()),
			slog.String("version", Version),
			slog.String("environment", cfg.Environment),
		)
		return nil
	}

	serve := func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), cfg)
	}

	rootCmd := &cobra.Command{
		Use:           "sangha",
		Short:         "Sangha community platform API server",
		Long:          "sangha serves the identity and access API of the Sangha community platform and provides operational subcommands.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PreRunE:       loadConfig,
		RunE:          serve,
	}
	rootCmd.SetOut(w)
	rootCmd.SetErr(w)

	serveCmd := &cobra.Command{
		Use:     string(CommandServe),
		Short:   "Start the API server",
		Args:    cobra.NoArgs,
		PreRunE: loadConfig,
		RunE:    serve,
	}

	var statusOnly bool
	migrateCmd := &cobra.Command{
		Use:     string(CommandMigrate),
		Short:   "Apply database migrations (PostgreSQL) or ensure indexes (MongoDB)",
		Args:    cobra.NoArgs,
		PreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if statusOnly {
				return runMigrationStatus(cfg, w)
			}
			return runMigrate(cmd.Context(), cfg)
		},
	}
	migrateCmd.Flags().BoolVar(&statusOnly, "status", false, "print the applied schema version without migrating")

	var healthPort string
	healthcheckCmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Probe the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			port := healthPort
			if port == "" {
				port = os.Getenv("SERVER_PORT")
			}
			if port == "" {
				port = "5000"
			}
			return runHealthcheck(cmd.Context(), port)
		},
	}
	healthcheckCmd.Flags().StringVar(&healthPort, "port", "", "server port (defaults to SERVER_PORT or 5000)")

	rootCmd.AddCommand(serveCmd, migrateCmd, healthcheckCmd, newUsersCommand(w, loadConfig, func() *config.Config { return cfg }))
	return rootCmd
}

// Run はアプリケーションのメインエントリーポイント。
// SIGINTまたはSIGTERMを受信するとコンテキストをキャンセルする。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return RunContext(ctx, w, args)
}

// RunContext は指定したコンテキストでコマンドを実行する。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	// nilのままだとcobraがos.Argsを読むため、空スライスに置き換える
	if args == nil {
		args = []string{}
	}
	rootCmd := NewRootCommand(w)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}
