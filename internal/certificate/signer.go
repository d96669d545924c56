package certificate

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	cerr "github.com/cockroachdb/errors"
	"golang.org/x/crypto/blake2b"
)

// Алгоритмы подписи
const (
	AlgorithmEd25519    = "ed25519"
	AlgorithmHMACSHA256 = "hmac-sha256"
)

// Алгоритмы дайджеста полезной нагрузки
const (
	DigestSHA256     = "sha256"
	DigestBLAKE2b256 = "blake2b-256"
)

// Signer подписывает сообщение ключом сервиса
type Signer interface {
	Algorithm() string
	KeyID() string
	Sign(message []byte) ([]byte, error)
}

// Verifier проверяет подпись
type Verifier interface {
	Algorithm() string
	Verify(message, signature []byte) error
}

// ComputeDigest дайджест данных выбранным алгоритмом
func ComputeDigest(algorithm string, data []byte) ([]byte, error) {
	switch algorithm {
	case DigestSHA256, "":
		sum := sha256.Sum256(data)
		return sum[:], nil
	case DigestBLAKE2b256:
		sum := blake2b.Sum256(data)
		return sum[:], nil
	default:
		return nil, cerr.Newf("unsupported digest algorithm %q", algorithm)
	}
}

// Ed25519Signer подпись Ed25519
type Ed25519Signer struct {
	key   ed25519.PrivateKey
	keyID string
}

// NewEd25519Signer создает подписчика из приватного ключа
func NewEd25519Signer(key ed25519.PrivateKey, keyID string) (*Ed25519Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, cerr.Newf("invalid ed25519 private key size %d", len(key))
	}
	return &Ed25519Signer{key: key, keyID: keyID}, nil
}

// GenerateEd25519Signer создает подписчика с новым ключом
func GenerateEd25519Signer(keyID string) (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, cerr.Wrap(err, "generate ed25519 key")
	}
	return &Ed25519Signer{key: priv, keyID: keyID}, nil
}

func (s *Ed25519Signer) Algorithm() string { return AlgorithmEd25519 }
func (s *Ed25519Signer) KeyID() string     { return s.keyID }

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.key, message), nil
}

// PublicKey открытый ключ подписчика
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Verifier проверяющий для открытого ключа подписчика
func (s *Ed25519Signer) Verifier() Verifier {
	return Ed25519Verifier{Key: s.PublicKey()}
}

// Ed25519Verifier проверка подписи Ed25519
type Ed25519Verifier struct {
	Key ed25519.PublicKey
}

func (v Ed25519Verifier) Algorithm() string { return AlgorithmEd25519 }

func (v Ed25519Verifier) Verify(message, signature []byte) error {
	if len(v.Key) != ed25519.PublicKeySize {
		return cerr.Newf("invalid ed25519 public key size %d", len(v.Key))
	}
	if !ed25519.Verify(v.Key, message, signature) {
		return cerr.New("ed25519 signature mismatch")
	}
	return nil
}

// HMACSigner подпись HMAC-SHA256 общим секретом; он же проверяющий
type HMACSigner struct {
	key   []byte
	keyID string
}

// NewHMACSigner создает подписчика HMAC
func NewHMACSigner(key []byte, keyID string) (*HMACSigner, error) {
	if len(key) < 32 {
		return nil, cerr.Newf("hmac key too short: %d bytes, need at least 32", len(key))
	}
	return &HMACSigner{key: append([]byte(nil), key...), keyID: keyID}, nil
}

func (s *HMACSigner) Algorithm() string { return AlgorithmHMACSHA256 }
func (s *HMACSigner) KeyID() string     { return s.keyID }

func (s *HMACSigner) Sign(message []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(message)
	return mac.Sum(nil), nil
}

func (s *HMACSigner) Verify(message, signature []byte) error {
	expected, _ := s.Sign(message)
	if !hmac.Equal(expected, signature) {
		return cerr.New("hmac signature mismatch")
	}
	return nil
}

// decodeKey принимает hex или base64 (стандартный и URL вариант)
func decodeKey(data []byte) ([]byte, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, cerr.New("empty key material")
	}
	if b, err := hex.DecodeString(text); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(text); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(text); err == nil {
		return b, nil
	}
	return nil, cerr.New("key material is neither hex nor base64")
}

// ParseEd25519PrivateKey разбирает 32-байтовый seed или 64-байтовый ключ
func ParseEd25519PrivateKey(data []byte) (ed25519.PrivateKey, error) {
	raw, err := decodeKey(data)
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, cerr.Newf("invalid ed25519 key length %d", len(raw))
	}
}

// LoadSigner загружает ключ подписи из файла. Для HMAC ключ может прийти
// из переменной окружения (envKey), если файл не задан.
func LoadSigner(algorithm, keyFile, keyID, envKey string) (Signer, error) {
	switch algorithm {
	case AlgorithmEd25519, "":
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, cerr.WithHint(cerr.Wrapf(err, "read signing key %s", keyFile),
				"run `wipeengine keygen` to create a signing key")
		}
		priv, err := ParseEd25519PrivateKey(data)
		if err != nil {
			return nil, cerr.Wrapf(err, "parse signing key %s", keyFile)
		}
		return NewEd25519Signer(priv, keyID)

	case AlgorithmHMACSHA256:
		material := []byte(envKey)
		if keyFile != "" {
			if err := rejectEd25519KeyFile(keyFile); err != nil {
				return nil, err
			}
			data, err := os.ReadFile(keyFile)
			if err != nil {
				return nil, cerr.Wrapf(err, "read hmac key %s", keyFile)
			}
			material = data
		}
		key, err := decodeKey(material)
		if err != nil {
			return nil, cerr.Wrap(err, "decode hmac key")
		}
		return NewHMACSigner(key, keyID)

	default:
		return nil, cerr.Newf("unsupported signature algorithm %q", algorithm)
	}
}

// rejectEd25519KeyFile не даёт использовать файлы пары Ed25519 как секрет
// HMAC: открытый ключ известен всем, и подпись HMAC на нём подделывается.
func rejectEd25519KeyFile(keyFile string) error {
	if strings.HasSuffix(keyFile, ".pub") {
		return cerr.WithHint(cerr.Newf("%s is an ed25519 public key, not an hmac secret", keyFile),
			"hmac-sha256 needs the shared secret written by `wipeengine keygen --algorithm hmac-sha256`")
	}
	if _, err := os.Stat(keyFile + ".pub"); err == nil {
		return cerr.Newf("%s belongs to an ed25519 key pair, not an hmac secret", keyFile)
	}
	return nil
}

// LoadVerifier загружает проверяющего. Для Ed25519 достаточно открытого
// ключа (файл .pub), приватный тоже подходит. algorithm задаёт тот, кто
// проверяет, а не сертификат: Verify отвергает сертификат другого алгоритма.
func LoadVerifier(algorithm, keyFile, envKey string) (Verifier, error) {
	switch algorithm {
	case AlgorithmEd25519, "":
		pubPath := keyFile
		if !strings.HasSuffix(pubPath, ".pub") {
			if _, err := os.Stat(keyFile + ".pub"); err == nil {
				pubPath = keyFile + ".pub"
			}
		}
		data, err := os.ReadFile(pubPath)
		if err != nil {
			return nil, cerr.Wrapf(err, "read verification key %s", pubPath)
		}
		if !strings.HasSuffix(pubPath, ".pub") {
			priv, err := ParseEd25519PrivateKey(data)
			if err != nil {
				return nil, cerr.Wrapf(err, "parse signing key %s", pubPath)
			}
			return Ed25519Verifier{Key: priv.Public().(ed25519.PublicKey)}, nil
		}
		raw, err := decodeKey(data)
		if err != nil {
			return nil, cerr.Wrapf(err, "parse verification key %s", pubPath)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, cerr.Newf("invalid ed25519 public key length %d in %s", len(raw), pubPath)
		}
		return Ed25519Verifier{Key: ed25519.PublicKey(raw)}, nil

	case AlgorithmHMACSHA256:
		signer, err := LoadSigner(algorithm, keyFile, "", envKey)
		if err != nil {
			return nil, err
		}
		return signer.(*HMACSigner), nil

	default:
		return nil, cerr.Newf("unsupported signature algorithm %q", algorithm)
	}
}

// WriteEd25519Key сохраняет seed (hex, 0600) и открытый ключ (path.pub)
func WriteEd25519Key(path string, key ed25519.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return cerr.Wrap(err, "create key directory")
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Seed())+"\n"), 0o600); err != nil {
		return cerr.Wrapf(err, "write private key %s", path)
	}
	pub := key.Public().(ed25519.PublicKey)
	if err := os.WriteFile(path+".pub", []byte(hex.EncodeToString(pub)+"\n"), 0o644); err != nil {
		return cerr.Wrapf(err, "write public key %s.pub", path)
	}
	return nil
}
