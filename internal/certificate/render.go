package certificate

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"wipeengine/internal/wipe"
)

const (
	beginCertificate = "-----BEGIN WIPE CERTIFICATE-----"
	endCertificate   = "-----END WIPE CERTIFICATE-----"
	beginPayload     = "-----BEGIN PAYLOAD-----"
	endPayload       = "-----END PAYLOAD-----"
	rule             = "------------------------------------------------------------------------"
)

// Render текстовый документ сертификата: заголовки с подписью, сводка для
// человека, каноническая полезная нагрузка. Сводка строится из нагрузки,
// а не из внешних данных.
func Render(cert *Certificate) ([]byte, error) {
	payload, err := cert.DecodePayload()
	if err != nil {
		return nil, err
	}
	job := payload.Job

	var b bytes.Buffer
	b.WriteString(beginCertificate + "\n")
	fmt.Fprintf(&b, "Certificate-Id: %s\n", cert.CertificateID)
	fmt.Fprintf(&b, "Job-Id: %s\n", cert.JobID)
	fmt.Fprintf(&b, "Issued-At: %s\n", cert.IssuedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "Status: %s\n", cert.Status)
	fmt.Fprintf(&b, "Payload-Type: %s\n", cert.PayloadType)
	fmt.Fprintf(&b, "Digest-Algorithm: %s\n", cert.DigestAlgorithm)
	fmt.Fprintf(&b, "Digest: %s\n", hex.EncodeToString(cert.PayloadDigest))
	fmt.Fprintf(&b, "Algorithm: %s\n", cert.Algorithm)
	fmt.Fprintf(&b, "Key-Id: %s\n", cert.KeyID)
	fmt.Fprintf(&b, "Signature: %s\n", base64.StdEncoding.EncodeToString(cert.Signature))
	b.WriteString("\n")

	b.WriteString("CERTIFICATE OF DATA DESTRUCTION\n")
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Result:       %s\n", statusBanner(payload.Status))
	fmt.Fprintf(&b, "Standard:     %s (%d passes, %d verified)\n", job.Standard.Name, len(job.Standard.Passes), job.Standard.VerifiedPasses())
	if job.Standard.Description != "" {
		fmt.Fprintf(&b, "              %s\n", job.Standard.Description)
	}
	fmt.Fprintf(&b, "Started:      %s\n", job.StartedAt.UTC().Format(time.RFC3339))
	if job.FinishedAt != nil {
		fmt.Fprintf(&b, "Finished:     %s\n", job.FinishedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Items:        %d total, %d verified, %d failed\n", payload.Summary.Targets, payload.Summary.Verified, payload.Summary.Failed)
	fmt.Fprintf(&b, "Data wiped:   %s\n", FormatSize(payload.Summary.BytesWiped))
	b.WriteString("\nITEMS\n")
	b.WriteString(rule + "\n")
	for i, t := range job.Targets {
		fmt.Fprintf(&b, "%2d. %q  %s  %s  passes %d/%d", i+1, t.Target.Identifier, FormatSize(t.Target.SizeBytes), t.Status, t.PassesCompleted, t.PassesTotal)
		if t.ErrorCode != "" {
			fmt.Fprintf(&b, "  [%s]", t.ErrorCode)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nDISCLOSURE\n")
	b.WriteString(rule + "\n")
	b.WriteString(payload.Disclosure + "\n\n")

	b.WriteString(beginPayload + "\n")
	b.Write(cert.Payload)
	b.WriteString("\n" + endPayload + "\n")
	b.WriteString(endCertificate + "\n")
	return b.Bytes(), nil
}

func statusBanner(status wipe.OverallStatus) string {
	switch status {
	case wipe.OverallSuccess:
		return "SUCCESS: all items overwritten and verified"
	case wipe.OverallPartialFailure:
		return "PARTIAL FAILURE: some items were NOT destroyed, see below"
	default:
		return "FAILED: no item was verified as destroyed"
	}
}

// FormatSize размер в человекочитаемом виде
func FormatSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit && exp < 5; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// Parse читает документ, созданный Render. Сводка игнорируется:
// всё проверяемое содержится в заголовках и нагрузке.
func Parse(data []byte) (*Certificate, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	headers := make(map[string]string)
	var payload bytes.Buffer
	state := 0 // 0 до начала, 1 заголовки, 2 сводка, 3 нагрузка, 4 конец
	for sc.Scan() {
		line := sc.Text()
		switch state {
		case 0:
			if strings.TrimSpace(line) == beginCertificate {
				state = 1
			}
		case 1:
			if strings.TrimSpace(line) == "" {
				state = 2
				continue
			}
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				return nil, wipe.Mark(cerr.Newf("malformed header line %q", line), ErrInvalid)
			}
			headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
		case 2:
			if line == beginPayload {
				state = 3
			}
		case 3:
			if line == endPayload {
				state = 4
				continue
			}
			payload.WriteString(line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, cerr.Wrap(err, "read certificate")
	}
	if state != 4 {
		return nil, wipe.Mark(cerr.New("certificate document is incomplete"), ErrInvalid)
	}

	cert := &Certificate{
		PayloadType:     headers["Payload-Type"],
		Payload:         payload.Bytes(),
		DigestAlgorithm: headers["Digest-Algorithm"],
		Algorithm:       headers["Algorithm"],
		KeyID:           headers["Key-Id"],
		Status:          wipe.OverallStatus(headers["Status"]),
	}

	var err error
	if cert.CertificateID, err = uuid.Parse(headers["Certificate-Id"]); err != nil {
		return nil, wipe.Mark(cerr.Wrap(err, "certificate id"), ErrInvalid)
	}
	if cert.JobID, err = uuid.Parse(headers["Job-Id"]); err != nil {
		return nil, wipe.Mark(cerr.Wrap(err, "job id"), ErrInvalid)
	}
	if cert.IssuedAt, err = time.Parse(time.RFC3339Nano, headers["Issued-At"]); err != nil {
		return nil, wipe.Mark(cerr.Wrap(err, "issued at"), ErrInvalid)
	}
	if cert.PayloadDigest, err = hex.DecodeString(headers["Digest"]); err != nil {
		return nil, wipe.Mark(cerr.Wrap(err, "digest"), ErrInvalid)
	}
	if cert.Signature, err = base64.StdEncoding.DecodeString(headers["Signature"]); err != nil {
		return nil, wipe.Mark(cerr.Wrap(err, "signature"), ErrInvalid)
	}

	// статус в заголовке должен совпадать с подписанным
	p, err := cert.DecodePayload()
	if err != nil {
		return nil, wipe.Mark(err, ErrInvalid)
	}
	if p.Status != cert.Status || p.Job.JobID != cert.JobID {
		return nil, wipe.Mark(cerr.New("certificate headers disagree with signed payload"), ErrInvalid)
	}
	return cert, nil
}
