package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"wipeengine/internal/certificate"
	"wipeengine/internal/config"
	"wipeengine/internal/service"
)

var certificateCmd = &cobra.Command{
	Use:   "certificate",
	Short: "Выпуск и проверка сертификатов уничтожения",
}

var certificateIssueCmd = &cobra.Command{
	Use:   "issue <job-id>",
	Short: "Выпустить сертификат для завершённого задания из журнала",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertificateIssue,
}

var certificateVerifyCmd = &cobra.Command{
	Use:   "verify <файл>",
	Short: "Проверить подпись сертификата",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertificateVerify,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Создать ключ подписи сертификатов",
	RunE:  runKeygen,
}

func init() {
	certificateIssueCmd.Flags().String("out", "", "Каталог для документа сертификата")
	certificateIssueCmd.Flags().String("policy", "", "Файл rego политики выпуска сертификата")

	certificateVerifyCmd.Flags().String("key", "", "Ключ проверки (по умолчанию из конфигурации)")
	certificateVerifyCmd.Flags().String("algorithm", "", "Ожидаемый алгоритм подписи (по умолчанию certificate.algorithm)")
	certificateVerifyCmd.Flags().Bool("record", false, "Сверить с записью задания в журнале")

	certificateCmd.AddCommand(certificateIssueCmd, certificateVerifyCmd)

	keygenCmd.Flags().String("out", "", "Путь к ключу (по умолчанию certificate.key_file)")
	keygenCmd.Flags().String("algorithm", "", "Алгоритм: ed25519 или hmac-sha256")
	keygenCmd.Flags().Bool("force", false, "Перезаписать существующий ключ")
}

func runCertificateIssue(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return withExitCode(EXIT_ERROR, fmt.Errorf("неверный идентификатор задания %q: %w", args[0], err))
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	policyFile, _ := cmd.Flags().GetString("policy")
	issuer, err := loadIssuer(ctx, cfg, policyFile)
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}
	defer store.Close()

	svc, err := service.New(ctx, service.Options{Store: store, Issuer: issuer, Logger: logger})
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}
	defer svc.Close(ctx)

	cert, err := svc.IssueCertificate(ctx, id)
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}
	dir, _ := cmd.Flags().GetString("out")
	if dir == "" {
		dir = cfg.Certificate.OutputDir
	}
	path, err := writeCertificate(cert, dir)
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Сертификат %s (%s): %s\n", cert.CertificateID, cert.Status, path)
	return nil
}

func runCertificateVerify(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return withExitCode(EXIT_ERROR, fmt.Errorf("ошибка чтения сертификата: %w", err))
	}
	cert, err := certificate.Parse(data)
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}

	keyFile, _ := cmd.Flags().GetString("key")
	if keyFile == "" {
		keyFile = cfg.Certificate.KeyFile
	}
	// алгоритм задаёт проверяющий, заголовок документа ему не указ
	algorithm, _ := cmd.Flags().GetString("algorithm")
	if algorithm == "" {
		algorithm = cfg.Certificate.Algorithm
	}
	if cert.Algorithm != algorithm {
		return withExitCode(EXIT_ERROR, cerr.WithHint(
			cerr.Newf("certificate signed with %s, expected %s", cert.Algorithm, algorithm),
			"pass --algorithm if this certificate was issued with another signature algorithm"))
	}
	verifier, err := certificate.LoadVerifier(algorithm, keyFile, os.Getenv(config.HMACKeyEnv))
	if err != nil {
		return withExitCode(EXIT_ERROR, err)
	}

	checkRecord, _ := cmd.Flags().GetBool("record")
	if checkRecord {
		ctx := cmd.Context()
		store, err := openStore(ctx, cfg)
		if err != nil {
			return withExitCode(EXIT_ERROR, err)
		}
		defer store.Close()
		rec, err := store.GetJob(ctx, cert.JobID)
		if err != nil {
			return withExitCode(EXIT_ERROR, err)
		}
		err = certificate.Verify(cert, &rec, verifier)
		if err != nil {
			return withExitCode(EXIT_ERROR, err)
		}
	} else if err := certificate.Verify(cert, nil, verifier); err != nil {
		return withExitCode(EXIT_ERROR, err)
	}

	logger.Log("INFO", "Сертификат проверен", "certificate_id", cert.CertificateID.String(), "job_id", cert.JobID.String())
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Подпись верна: %s\n", cert.CertificateID)
	fmt.Fprintf(out, "  Задание: %s\n", cert.JobID)
	fmt.Fprintf(out, "  Статус:  %s\n", cert.Status)
	fmt.Fprintf(out, "  Ключ:    %s (%s)\n", cert.KeyID, cert.Algorithm)
	if checkRecord {
		fmt.Fprintln(out, "  Запись журнала совпадает")
	}
	return nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()

	path, _ := cmd.Flags().GetString("out")
	if path == "" {
		path = cfg.Certificate.KeyFile
	}
	algorithm, _ := cmd.Flags().GetString("algorithm")
	if algorithm == "" {
		algorithm = cfg.Certificate.Algorithm
	}
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return withExitCode(EXIT_ERROR, cerr.WithHint(cerr.Newf("key %s already exists", path), "use --force to replace it"))
	}

	switch algorithm {
	case certificate.AlgorithmEd25519, "":
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return withExitCode(EXIT_ERROR, err)
		}
		if err := certificate.WriteEd25519Key(path, priv); err != nil {
			return withExitCode(EXIT_ERROR, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ключ Ed25519: %s\nОткрытый ключ: %s.pub\n", path, path)
	case certificate.AlgorithmHMACSHA256:
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return withExitCode(EXIT_ERROR, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return withExitCode(EXIT_ERROR, err)
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)+"\n"), 0o600); err != nil {
			return withExitCode(EXIT_ERROR, err)
		}
		// открытый ключ прежней пары Ed25519 больше не относится к этому файлу
		if err := os.Remove(path + ".pub"); err != nil && !os.IsNotExist(err) {
			return withExitCode(EXIT_ERROR, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ключ HMAC: %s\n", path)
	default:
		return withExitCode(EXIT_ERROR, fmt.Errorf("неподдерживаемый алгоритм %q", algorithm))
	}

	logger.Log("INFO", "Создан ключ подписи", "file", path, "algorithm", algorithm)
	return nil
}
