// Package certificate выпускает подписанные сертификаты уничтожения данных
// для завершённых заданий затирания и проверяет их.
package certificate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wipeengine/internal/wipe"
)

var (
	ErrNotFinished  = cerr.New("job not finished")
	ErrPolicyDenied = cerr.New("certificate policy denied")
	ErrSigning      = cerr.New("certificate signing failed")
	ErrInvalid      = cerr.New("certificate invalid")
)

const (
	// PayloadType тип полезной нагрузки для DSSE PAE
	PayloadType = "application/vnd.wipeengine.job-record+json"
	// PayloadSchema версия схемы полезной нагрузки
	PayloadSchema = "wipeengine.certificate/v1"
	// Disclosure ограничение, которое сертификат всегда раскрывает
	Disclosure = "Software overwrite cannot reach blocks remapped by wear-levelling flash controllers or " +
		"reserved by the device firmware; this certificate covers the logical byte ranges listed only."
)

var tracer = otel.Tracer("wipeengine/internal/certificate")

// Summary сводка по записи задания
type Summary struct {
	Targets    int    `json:"targets"`
	Verified   int    `json:"verified"`
	Failed     int    `json:"failed"`
	BytesWiped uint64 `json:"bytes_wiped"`
}

// Payload подписываемое содержимое сертификата
type Payload struct {
	Schema     string             `json:"schema"`
	Job        wipe.JobRecord     `json:"job"`
	Status     wipe.OverallStatus `json:"status"`
	Clean      bool               `json:"clean"`
	Summary    Summary            `json:"summary"`
	Disclosure string             `json:"disclosure"`
}

// Certificate подписанный сертификат уничтожения. После выпуска не изменяется.
type Certificate struct {
	CertificateID   uuid.UUID          `json:"certificate_id"`
	JobID           uuid.UUID          `json:"job_id"`
	IssuedAt        time.Time          `json:"issued_at"`
	Status          wipe.OverallStatus `json:"status"`
	PayloadType     string             `json:"payload_type"`
	Payload         []byte             `json:"payload"`
	DigestAlgorithm string             `json:"digest_algorithm"`
	PayloadDigest   []byte             `json:"payload_digest"`
	Algorithm       string             `json:"algorithm"`
	KeyID           string             `json:"key_id"`
	Signature       []byte             `json:"signature"`
}

// BuildPayload строит полезную нагрузку из завершённой записи
func BuildPayload(rec *wipe.JobRecord) Payload {
	job := rec.Clone()
	job.StartedAt = job.StartedAt.UTC()
	if job.FinishedAt != nil {
		t := job.FinishedAt.UTC()
		job.FinishedAt = &t
	}
	verified, failed := job.Counts()
	return Payload{
		Schema: PayloadSchema,
		Job:    job,
		Status: job.OverallStatus,
		Clean:  job.OverallStatus == wipe.OverallSuccess,
		Summary: Summary{
			Targets:    len(job.Targets),
			Verified:   verified,
			Failed:     failed,
			BytesWiped: job.BytesWiped(),
		},
		Disclosure: Disclosure,
	}
}

// CanonicalPayload каноническая сериализация полезной нагрузки записи
func CanonicalPayload(rec *wipe.JobRecord) ([]byte, error) {
	return Canonicalize(BuildPayload(rec))
}

// Option настройка Issuer
type Option func(*Issuer)

// WithDigest выбирает алгоритм дайджеста (sha256, blake2b-256)
func WithDigest(algorithm string) Option {
	return func(i *Issuer) { i.digest = algorithm }
}

// WithPolicy задаёт политику выпуска вместо DefaultPolicy
func WithPolicy(p *Policy) Option {
	return func(i *Issuer) { i.policy = p }
}

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// Issuer выпускает сертификаты
type Issuer struct {
	signer Signer
	digest string
	now    func() time.Time

	policyOnce sync.Once
	policy     *Policy
	policyErr  error
}

// NewIssuer создает выпускающего с ключом signer
func NewIssuer(signer Signer, opts ...Option) *Issuer {
	i := &Issuer{
		signer: signer,
		digest: DigestSHA256,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Issuer) loadPolicy(ctx context.Context) (*Policy, error) {
	i.policyOnce.Do(func() {
		if i.policy == nil {
			i.policy, i.policyErr = NewPolicy(ctx, "")
		}
	})
	return i.policy, i.policyErr
}

// Issue выпускает сертификат для завершённой записи. Ошибки подписи
// возвращаются вызывающему, неподписанный сертификат не выпускается.
func (i *Issuer) Issue(ctx context.Context, rec *wipe.JobRecord) (_ *Certificate, err error) {
	if rec == nil {
		return nil, wipe.Mark(cerr.New("no job record"), ErrNotFinished)
	}

	ctx, span := tracer.Start(ctx, "certificate.Issue",
		trace.WithAttributes(
			attribute.String("job_id", rec.JobID.String()),
			attribute.String("status", string(rec.OverallStatus)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "issue failed")
		}
		span.End()
	}()

	if !rec.Finished() {
		return nil, cerr.WithHint(
			wipe.Mark(cerr.Newf("job %s has no finish time or overall status", rec.JobID), ErrNotFinished),
			"wait for the job to finish before requesting a certificate",
		)
	}
	if i.signer == nil {
		return nil, wipe.Mark(cerr.New("no signing key configured"), ErrSigning)
	}

	payload, err := CanonicalPayload(rec)
	if err != nil {
		return nil, cerr.Wrap(err, "canonicalize job record")
	}

	policy, err := i.loadPolicy(ctx)
	if err != nil {
		return nil, err
	}
	if err := policy.Check(ctx, payload); err != nil {
		return nil, err
	}

	digest, err := ComputeDigest(i.digest, payload)
	if err != nil {
		return nil, err
	}

	signature, err := i.signer.Sign(ComputePAE(PayloadType, digest))
	if err != nil {
		return nil, wipe.Mark(cerr.Wrap(err, "sign payload digest"), ErrSigning)
	}
	if len(signature) == 0 {
		return nil, wipe.Mark(cerr.New("signer returned an empty signature"), ErrSigning)
	}

	return &Certificate{
		CertificateID:   uuid.New(),
		JobID:           rec.JobID,
		IssuedAt:        i.now().UTC(),
		Status:          rec.OverallStatus,
		PayloadType:     PayloadType,
		Payload:         payload,
		DigestAlgorithm: i.digest,
		PayloadDigest:   digest,
		Algorithm:       i.signer.Algorithm(),
		KeyID:           i.signer.KeyID(),
		Signature:       signature,
	}, nil
}

// Verify проверяет подпись и дайджест сертификата. Если передана запись,
// полезная нагрузка сертификата должна совпадать с её канонической формой.
func Verify(cert *Certificate, rec *wipe.JobRecord, verifier Verifier) error {
	if cert == nil {
		return wipe.Mark(cerr.New("no certificate"), ErrInvalid)
	}
	if verifier == nil {
		return wipe.Mark(cerr.New("no verification key"), ErrInvalid)
	}
	if verifier.Algorithm() != cert.Algorithm {
		return wipe.Mark(cerr.Newf("certificate signed with %s, verifier is %s", cert.Algorithm, verifier.Algorithm()), ErrInvalid)
	}

	if rec != nil {
		expected, err := CanonicalPayload(rec)
		if err != nil {
			return cerr.Wrap(err, "canonicalize job record")
		}
		if !bytes.Equal(expected, cert.Payload) {
			return wipe.Mark(cerr.Newf("payload does not match job record %s", rec.JobID), ErrInvalid)
		}
	}

	digest, err := ComputeDigest(cert.DigestAlgorithm, cert.Payload)
	if err != nil {
		return wipe.Mark(err, ErrInvalid)
	}
	if !bytes.Equal(digest, cert.PayloadDigest) {
		return wipe.Mark(cerr.New("payload digest mismatch"), ErrInvalid)
	}

	if err := verifier.Verify(ComputePAE(cert.PayloadType, cert.PayloadDigest), cert.Signature); err != nil {
		return wipe.Mark(cerr.Wrap(err, "signature"), ErrInvalid)
	}
	return nil
}

// DecodePayload разбирает полезную нагрузку сертификата
func (c *Certificate) DecodePayload() (Payload, error) {
	var p Payload
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return Payload{}, cerr.Wrap(err, "decode certificate payload")
	}
	return p, nil
}

// ComputePAE кодировка DSSE: "DSSEv1" SP LEN(type) SP type SP LEN(body) SP body
func ComputePAE(payloadType string, body []byte) []byte {
	pae := []byte("DSSEv1 ")
	pae = append(pae, fmt.Sprintf("%d", len(payloadType))...)
	pae = append(pae, ' ')
	pae = append(pae, payloadType...)
	pae = append(pae, ' ')
	pae = append(pae, fmt.Sprintf("%d", len(body))...)
	pae = append(pae, ' ')
	pae = append(pae, body...)
	return pae
}
