package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	cerr "github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"wipeengine/internal/certificate"
	"wipeengine/internal/config"
	"wipeengine/internal/history"
	"wipeengine/internal/logging"
	"wipeengine/internal/wipe"
)

const (
	Version = "1.0.0"
	AppName = "WipeEngine"

	// Exit codes
	EXIT_SUCCESS = 0
	EXIT_WARNING = 2
	EXIT_ERROR   = 1
)

var (
	verbose    bool
	configPath string
	profile    string
)

// exitError ошибка с заданным кодом завершения
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

var rootCmd = &cobra.Command{
	Use:           "wipeengine",
	Short:         "WipeEngine - безопасное затирание данных с сертификатом",
	Long:          "Перезапись файлов и диапазонов блочных устройств по стандартам очистки с проверкой проходов и подписанным сертификатом уничтожения",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var standardsCmd = &cobra.Command{
	Use:   "standards",
	Short: "Показать стандарты затирания",
	RunE:  runStandards,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Показать журнал заданий",
	RunE:  runHistory,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Подробный вывод")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Путь к конфигурации")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "Профиль производительности (safe/balanced/aggressive/fast)")

	historyCmd.Flags().Bool("stats", false, "Показать сводную статистику")
	historyCmd.Flags().Int("limit", 20, "Количество последних заданий")

	rootCmd.AddCommand(wipeCmd, standardsCmd, historyCmd, certificateCmd, keygenCmd, serveCmd)
}

// loadConfig загружает конфигурацию, применяет профиль и создает логгер
func loadConfig() (*config.Config, *logging.EnterpriseLogger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, withExitCode(EXIT_ERROR, fmt.Errorf("ошибка загрузки конфигурации: %w", err))
	}
	if profile != "" {
		if err := config.ApplyProfile(cfg, profile); err != nil {
			return nil, nil, withExitCode(EXIT_ERROR, fmt.Errorf("ошибка применения профиля %s: %w", profile, err))
		}
	}
	logger, err := logging.NewEnterpriseLogger(cfg, verbose)
	if err != nil {
		return nil, nil, withExitCode(EXIT_ERROR, fmt.Errorf("ошибка инициализации логгера: %w", err))
	}
	if profile != "" {
		logger.Log("INFO", "Применён профиль", "profile", profile)
	}
	return cfg, logger, nil
}

// openStore журнал: PostgreSQL, если задан DSN, иначе каталог
func openStore(ctx context.Context, cfg *config.Config) (history.Store, error) {
	if cfg.History.PostgresDSN != "" {
		return history.OpenGormStore(ctx, cfg.History.PostgresDSN)
	}
	return history.NewFileStore(cfg.History.Dir)
}

// loadIssuer выпускающий сертификаты по ключу из конфигурации
func loadIssuer(ctx context.Context, cfg *config.Config, policyFile string) (*certificate.Issuer, error) {
	signer, err := certificate.LoadSigner(cfg.Certificate.Algorithm, cfg.Certificate.KeyFile, cfg.Certificate.KeyID, os.Getenv(config.HMACKeyEnv))
	if err != nil {
		return nil, err
	}
	opts := []certificate.Option{certificate.WithDigest(cfg.Certificate.Digest)}
	if policyFile != "" {
		module, err := os.ReadFile(policyFile)
		if err != nil {
			return nil, cerr.Wrapf(err, "read policy %s", policyFile)
		}
		policy, err := certificate.NewPolicy(ctx, string(module))
		if err != nil {
			return nil, err
		}
		opts = append(opts, certificate.WithPolicy(policy))
	}
	return certificate.NewIssuer(signer, opts...), nil
}

func runStandards(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Стандарты затирания:")
	fmt.Fprintln(out, "==================")
	for _, std := range wipe.Standards() {
		fmt.Fprintf(out, "%-14s %2d проходов, %2d с проверкой  %s\n", std.Name, len(std.Passes), std.VerifiedPasses(), std.Description)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if showStats, _ := cmd.Flags().GetBool("stats"); showStats {
		stats, err := history.Stats(ctx, store, timeNow())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Всего заданий:     %d\n", stats.TotalOperations)
		fmt.Fprintf(out, "Всего целей:       %d\n", stats.TotalTargets)
		fmt.Fprintf(out, "Затёрто данных:    %s\n", certificate.FormatSize(stats.TotalBytesWiped))
		fmt.Fprintf(out, "Успешных:          %.1f%%\n", stats.SuccessRate)
		for _, st := range []wipe.OverallStatus{wipe.OverallSuccess, wipe.OverallPartialFailure, wipe.OverallFailed} {
			fmt.Fprintf(out, "  %-16s %d\n", st, stats.ByStatus[st])
		}
		return nil
	}

	records, err := store.ListJobs(ctx)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "Журнал пуст")
		return nil
	}
	for _, rec := range records {
		verified, failed := rec.Counts()
		fmt.Fprintf(out, "%s  %s  %-14s %-15s %d ok / %d failed  %s\n",
			rec.JobID, rec.StartedAt.Local().Format("2006-01-02 15:04:05"), rec.Standard.Name,
			rec.OverallStatus, verified, failed, certificate.FormatSize(rec.BytesWiped()))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		if hint := cerr.FlattenHints(err); hint != "" {
			fmt.Fprintf(os.Stderr, "        %s\n", strings.ReplaceAll(hint, "\n", "\n        "))
		}
		var ee *exitError
		if cerr.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(EXIT_ERROR)
	}
	os.Exit(EXIT_SUCCESS)
}
