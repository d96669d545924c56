package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"wipeengine/internal/certificate"
	"wipeengine/internal/config"
	"wipeengine/internal/logging"
	"wipeengine/internal/reporting"
	"wipeengine/internal/security"
	"wipeengine/internal/service"
	"wipeengine/internal/wipe"
)

var timeNow = time.Now

var wipeCmd = &cobra.Command{
	Use:   "wipe [цели...]",
	Short: "Затереть файлы или диапазоны устройств",
	Long: "Перезаписывает цели по выбранному стандарту. Цель - путь к файлу или устройству, " +
		"диапазон задаётся как path@offset+length (в байтах).",
	Args: cobra.MinimumNArgs(1),
	RunE: runWipe,
}

func init() {
	wipeCmd.Flags().StringP("standard", "s", "", "Стандарт затирания (см. wipeengine standards)")
	wipeCmd.Flags().Bool("verify", false, "Проверять каждый проход")
	wipeCmd.Flags().Bool("no-verify", false, "Не проверять проходы")
	wipeCmd.Flags().String("max-duration", "", "Максимальное время работы (например: 30m, 2h)")
	wipeCmd.Flags().Bool("certificate", false, "Выпустить сертификат после завершения")
	wipeCmd.Flags().String("policy", "", "Файл rego политики выпуска сертификата")
	wipeCmd.Flags().String("report", "", "Каталог для JSON отчёта")
	wipeCmd.Flags().BoolP("force", "f", false, "Пропустить подтверждение")
}

func runWipe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	standardName, _ := cmd.Flags().GetString("standard")
	if standardName == "" {
		standardName = cfg.Wipe.Standard
	}
	std, err := wipe.LookupStandard(standardName)
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}

	verifyOverride, err := verifyFlag(cmd, cfg)
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}

	maxDuration := cfg.GetMaxDuration()
	if s, _ := cmd.Flags().GetString("max-duration"); s != "" {
		maxDuration, err = time.ParseDuration(s)
		if err != nil {
			return withExitCode(EXIT_ERROR, fmt.Errorf("неверный формат max-duration: %w", err))
		}
	}

	if err := security.CheckTargets(args, cfg.Security.ProtectedPaths); err != nil {
		return withExitCode(EXIT_ERROR, err)
	}

	force, _ := cmd.Flags().GetBool("force")
	if security.ShouldConfirm(cfg, force) {
		if !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), std, args) {
			logger.Log("INFO", "Операция отменена пользователем")
			return nil
		}
	}

	wantCertificate, _ := cmd.Flags().GetBool("certificate")
	var issuer *certificate.Issuer
	if wantCertificate {
		policyFile, _ := cmd.Flags().GetString("policy")
		issuer, err = loadIssuer(cmd.Context(), cfg, policyFile)
		if err != nil {
			return withExitCode(EXIT_ERROR, err)
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}
	defer store.Close()

	svc, err := service.New(ctx, service.Options{
		Engine:         engineConfig(cfg, maxDuration),
		Store:          store,
		Issuer:         issuer,
		ProtectedPaths: cfg.Security.ProtectedPaths,
		Logger:         logger,
	})
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}

	logger.Log("INFO", "Запуск "+AppName, "version", Version, "standard", std.Name, "targets", len(args))

	job, err := svc.Submit(ctx, service.SubmitRequest{Targets: args, Standard: std.Name, Verify: verifyOverride})
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}

	// Установка обработчиков сигналов
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Горутина для обработки сигналов
	go func() {
		select {
		case sig := <-sigChan:
			logger.Log("WARN", "Получен сигнал, отменяем задание", "signal", sig.String())
			fmt.Fprintf(cmd.ErrOrStderr(), "\n[INFO] Получен сигнал %s, завершаем текущие блоки...\n", sig.String())
			job.Cancel()
		case <-job.Done():
		}
	}()

	if verbose {
		events, unsubscribe := job.Subscribe()
		defer unsubscribe()
		go printProgress(cmd.ErrOrStderr(), events)
	}

	rec, waitErr := svc.Wait(ctx, job.ID())
	if rec.JobID == uuid.Nil {
		return withExitCode(EXIT_ERROR, waitErr)
	}
	printResults(cmd.OutOrStdout(), &rec)
	if hint := security.RootHint(&rec, security.IsRoot()); hint != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), hint)
	}
	if waitErr != nil {
		logger.Log("ERROR", "Запись задания не сохранена в журнал", "job_id", rec.JobID.String(), "error", waitErr)
	}

	if dir, _ := cmd.Flags().GetString("report"); dir != "" {
		if err := saveReport(&rec, cfg, dir, logger); err != nil {
			logger.Log("WARN", "Ошибка сохранения отчёта", "error", err.Error())
		}
	}

	if wantCertificate && waitErr == nil {
		cert, err := svc.IssueCertificate(ctx, rec.JobID)
		if err != nil {
			return withExitCode(EXIT_ERROR, fmt.Errorf("ошибка выпуска сертификата: %w", err))
		}
		path, err := writeCertificate(cert, cfg.Certificate.OutputDir)
		if err != nil {
			return withExitCode(EXIT_ERROR, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nСертификат: %s\n", path)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	_ = svc.Close(closeCtx)

	// Корректные exit codes
	switch code := reporting.ExitCode(rec.OverallStatus); code {
	case EXIT_SUCCESS:
		if waitErr != nil {
			return withExitCode(EXIT_ERROR, waitErr)
		}
		return nil
	case EXIT_WARNING:
		return withExitCode(code, fmt.Errorf("часть целей не затёрта"))
	default:
		return withExitCode(code, fmt.Errorf("ни одна цель не затёрта"))
	}
}

// verifyFlag флаги --verify/--no-verify важнее конфигурации
func verifyFlag(cmd *cobra.Command, cfg *config.Config) (*bool, error) {
	on, _ := cmd.Flags().GetBool("verify")
	off, _ := cmd.Flags().GetBool("no-verify")
	switch {
	case on && off:
		return nil, fmt.Errorf("--verify и --no-verify взаимоисключающие")
	case on:
		return &on, nil
	case off:
		v := false
		return &v, nil
	default:
		return cfg.VerifyOverride(), nil
	}
}

func engineConfig(cfg *config.Config, deadline time.Duration) wipe.EngineConfig {
	return wipe.EngineConfig{
		ChunkSize:     int(cfg.Wipe.ChunkSize),
		MaxConcurrent: cfg.Wipe.MaxConcurrent,
		MaxSpeedMBps:  cfg.Wipe.MaxSpeedMBps,
		Deadline:      deadline,
		Opener:        wipe.FileOpener{AllowDevices: cfg.Security.AllowBlockDevices},
	}
}

func confirm(in io.Reader, out io.Writer, std wipe.Standard, targets []string) bool {
	fmt.Fprintf(out, "ВНИМАНИЕ: данные будут безвозвратно перезаписаны (%s, %d проходов):\n", std.Name, len(std.Passes))
	for _, t := range targets {
		fmt.Fprintf(out, "  %s\n", t)
	}
	fmt.Fprint(out, "Продолжить? (y/N): ")
	response, _ := bufio.NewReader(in).ReadString('\n')
	return strings.ToLower(strings.TrimSpace(response)) == "y"
}

func printProgress(w io.Writer, events <-chan wipe.ProgressEvent) {
	for ev := range events {
		switch {
		case ev.Status.Terminal():
			fmt.Fprintf(w, "[%s] %s\n", ev.Status, ev.Identifier)
		default:
			fmt.Fprintf(w, "  %s проходов %d/%d, записано %s\n", ev.Identifier, ev.Pass, ev.PassesTotal, certificate.FormatSize(ev.BytesDone))
		}
	}
}

func printResults(w io.Writer, rec *wipe.JobRecord) {
	fmt.Fprintln(w, "\nРезультаты затирания:")
	fmt.Fprintln(w, "==================")
	for _, tr := range rec.Targets {
		status := "✓"
		if tr.Status != wipe.StatusVerified {
			status = "✗"
		}
		fmt.Fprintf(w, "%s %s - %s (%s, проходов %d/%d)\n", status, tr.Target.Identifier, tr.Status,
			certificate.FormatSize(tr.Target.SizeBytes), tr.PassesCompleted, tr.PassesTotal)
		if tr.Error != "" {
			fmt.Fprintf(w, "  Ошибка [%s]: %s\n", tr.ErrorCode, tr.Error)
		}
	}
	fmt.Fprintf(w, "\nЗадание %s: %s\n", rec.JobID, rec.OverallStatus)
}

func saveReport(rec *wipe.JobRecord, cfg *config.Config, dir string, logger *logging.EnterpriseLogger) error {
	report, err := reporting.GenerateReport(rec, cfg, profile)
	if err != nil {
		return fmt.Errorf("ошибка генерации отчёта: %w", err)
	}
	path, err := reporting.SaveReport(report, dir)
	if err != nil {
		return err
	}
	logger.Log("INFO", "Отчёт сохранён", "job_id", report.JobID, "file", path)
	return nil
}

// writeCertificate сохраняет текстовый документ сертификата как <id>.cert
func writeCertificate(cert *certificate.Certificate, dir string) (string, error) {
	doc, err := certificate.Render(cert)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ошибка создания каталога сертификатов: %w", err)
	}
	path := filepath.Join(dir, cert.CertificateID.String()+".cert")
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return "", fmt.Errorf("ошибка записи сертификата: %w", err)
	}
	return path, nil
}
