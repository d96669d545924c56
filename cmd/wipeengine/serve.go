package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wipeengine/internal/api"
	"wipeengine/internal/notify"
	"wipeengine/internal/service"
)

// serveListening вызывается, когда сокет API открыт
var serveListening = func(net.Addr) {}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запустить HTTP API заданий затирания",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Адрес HTTP (по умолчанию service.http_addr)")
	serveCmd.Flags().String("policy", "", "Файл rego политики выпуска сертификата")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Время на завершение активных заданий")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}
	defer store.Close()

	opts := service.Options{
		Engine:         engineConfig(cfg, cfg.GetMaxDuration()),
		Store:          store,
		ProtectedPaths: cfg.Security.ProtectedPaths,
		Logger:         logger,
	}

	policyFile, _ := cmd.Flags().GetString("policy")
	issuer, err := loadIssuer(ctx, cfg, policyFile)
	if err != nil {
		// без ключа API работает, но сертификаты не выпускает
		logger.Log("WARN", "Выпуск сертификатов недоступен", "error", err.Error())
	} else {
		opts.Issuer = issuer
	}

	if cfg.Service.RedisAddr != "" {
		pub, err := notify.NewRedisPublisher(ctx, cfg.Service.RedisAddr, cfg.Service.RedisChannel)
		if err != nil {
			return withExitCode(EXIT_ERROR, err)
		}
		defer pub.Close()
		opts.Publisher = pub
		logger.Log("INFO", "Прогресс публикуется в Redis", "addr", cfg.Service.RedisAddr, "channel", pub.Channel())
	}

	// задания не зависят от сигнала: отменяются только через Close
	svc, err := service.New(context.WithoutCancel(ctx), opts)
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Service.HTTPAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = svc.Close(context.Background())
		return withExitCode(EXIT_ERROR, fmt.Errorf("ошибка HTTP сервера: %w", err))
	}
	srv := &http.Server{
		Handler:           api.NewServer(svc).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Log("INFO", "HTTP API запущен", "addr", ln.Addr().String(), "version", Version)
	serveListening(ln.Addr())

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Log("INFO", "Получен сигнал, останавливаем сервер")
	case err := <-serveErr:
		if err != nil {
			return withExitCode(EXIT_ERROR, fmt.Errorf("ошибка HTTP сервера: %w", err))
		}
	}

	timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log("WARN", "Ошибка остановки HTTP сервера", "error", err.Error())
	}
	if err := svc.Close(shutdownCtx); err != nil {
		logger.Log("WARN", "Не все задания завершились", "error", err.Error(), "active", len(svc.Active()))
		return withExitCode(EXIT_WARNING, err)
	}
	logger.Log("INFO", "Сервер остановлен")
	return nil
}
