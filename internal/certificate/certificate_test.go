package certificate

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cerr "github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wipeengine/internal/wipe"
)

func finishedRecord(t *testing.T, statuses ...wipe.TargetStatus) *wipe.JobRecord {
	t.Helper()
	std, err := wipe.LookupStandard("dod-3pass")
	require.NoError(t, err)

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	rec := &wipe.JobRecord{
		JobID:      uuid.MustParse("7b0c7c55-54a3-4c3e-9d3e-0f5b2c1a9e11"),
		Standard:   std,
		StartedAt:  started,
		FinishedAt: &finished,
	}
	verified, failed := 0, 0
	for i, st := range statuses {
		tr := wipe.TargetResult{
			Target: wipe.Target{
				Identifier: "/srv/data/disk" + string(rune('a'+i)) + ".img",
				Path:       "/srv/data/disk" + string(rune('a'+i)) + ".img",
				SizeBytes:  10 << 20,
				Kind:       wipe.TargetFile,
			},
			PassesTotal: uint32(len(std.Passes)),
			Status:      st,
		}
		if st == wipe.StatusVerified {
			tr.PassesCompleted = tr.PassesTotal
			tr.BytesWritten = tr.Target.SizeBytes * uint64(tr.PassesTotal)
			verified++
		} else {
			pass := uint32(1)
			tr.PassesCompleted = 1
			tr.FailedPass = &pass
			tr.Error = "read-back mismatch at offset 0"
			tr.ErrorCode = wipe.CodeVerificationFailed
			failed++
		}
		rec.Targets = append(rec.Targets, tr)
	}
	switch {
	case verified > 0 && failed == 0:
		rec.OverallStatus = wipe.OverallSuccess
	case verified > 0:
		rec.OverallStatus = wipe.OverallPartialFailure
	default:
		rec.OverallStatus = wipe.OverallFailed
	}
	return rec
}

func newTestIssuer(t *testing.T, opts ...Option) (*Issuer, Verifier) {
	t.Helper()
	signer, err := GenerateEd25519Signer("test-key")
	require.NoError(t, err)
	return NewIssuer(signer, opts...), signer.Verifier()
}

func TestIssueRejectsUnfinishedJob(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	rec := finishedRecord(t, wipe.StatusVerified)
	rec.FinishedAt = nil
	rec.OverallStatus = ""

	cert, err := issuer.Issue(context.Background(), rec)
	require.Error(t, err)
	assert.Nil(t, cert)
	assert.True(t, cerr.Is(err, ErrNotFinished))

	_, err = issuer.Issue(context.Background(), nil)
	assert.True(t, cerr.Is(err, ErrNotFinished))
}

func TestIssueSuccessAndVerify(t *testing.T) {
	issuer, verifier := newTestIssuer(t)
	rec := finishedRecord(t, wipe.StatusVerified, wipe.StatusVerified)

	cert, err := issuer.Issue(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, rec.JobID, cert.JobID)
	assert.Equal(t, wipe.OverallSuccess, cert.Status)
	assert.Equal(t, AlgorithmEd25519, cert.Algorithm)
	assert.Equal(t, "test-key", cert.KeyID)
	assert.Equal(t, DigestSHA256, cert.DigestAlgorithm)
	assert.Len(t, cert.PayloadDigest, 32)
	assert.NotEmpty(t, cert.Signature)

	payload, err := cert.DecodePayload()
	require.NoError(t, err)
	assert.True(t, payload.Clean)
	assert.Equal(t, PayloadSchema, payload.Schema)
	assert.Equal(t, Summary{Targets: 2, Verified: 2, Failed: 0, BytesWiped: 20 << 20}, payload.Summary)
	assert.Equal(t, Disclosure, payload.Disclosure)

	require.NoError(t, Verify(cert, rec, verifier))
	require.NoError(t, Verify(cert, nil, verifier))
}

func TestIssueTwiceSameDigestDifferentIDs(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	rec := finishedRecord(t, wipe.StatusVerified)

	first, err := issuer.Issue(context.Background(), rec)
	require.NoError(t, err)
	second, err := issuer.Issue(context.Background(), rec)
	require.NoError(t, err)

	assert.NotEqual(t, first.CertificateID, second.CertificateID)
	assert.Equal(t, first.PayloadDigest, second.PayloadDigest)
	assert.Equal(t, first.Payload, second.Payload)
}

func TestIssuePartialFailureIsNotClean(t *testing.T) {
	issuer, verifier := newTestIssuer(t)
	rec := finishedRecord(t, wipe.StatusVerified, wipe.StatusFailed)

	cert, err := issuer.Issue(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, wipe.OverallPartialFailure, cert.Status)

	payload, err := cert.DecodePayload()
	require.NoError(t, err)
	assert.False(t, payload.Clean)
	assert.Equal(t, 1, payload.Summary.Failed)
	assert.Equal(t, uint64(10<<20), payload.Summary.BytesWiped)
	require.Len(t, payload.Job.Targets, 2)
	assert.Equal(t, wipe.CodeVerificationFailed, payload.Job.Targets[1].ErrorCode)

	require.NoError(t, Verify(cert, rec, verifier))
}

func TestIssueFailedJobStillCertified(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	rec := finishedRecord(t, wipe.StatusFailed)

	cert, err := issuer.Issue(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, wipe.OverallFailed, cert.Status)
}

func TestVerifyDetectsTampering(t *testing.T) {
	issuer, verifier := newTestIssuer(t)
	rec := finishedRecord(t, wipe.StatusVerified, wipe.StatusFailed)

	cert, err := issuer.Issue(context.Background(), rec)
	require.NoError(t, err)

	t.Run("payload", func(t *testing.T) {
		forged := *cert
		forged.Payload = []byte(strings.Replace(string(cert.Payload), `"PartialFailure"`, `"Success"`, -1))
		assert.True(t, cerr.Is(Verify(&forged, nil, verifier), ErrInvalid))
	})

	t.Run("record", func(t *testing.T) {
		other := rec.Clone()
		other.Targets[1].Status = wipe.StatusVerified
		assert.True(t, cerr.Is(Verify(cert, &other, verifier), ErrInvalid))
	})

	t.Run("digest and payload together", func(t *testing.T) {
		forged := *cert
		forged.Payload = []byte(strings.Replace(string(cert.Payload), `"PartialFailure"`, `"Success"`, -1))
		forged.PayloadDigest, err = ComputeDigest(forged.DigestAlgorithm, forged.Payload)
		require.NoError(t, err)
		assert.True(t, cerr.Is(Verify(&forged, nil, verifier), ErrInvalid))
	})

	t.Run("signature", func(t *testing.T) {
		forged := *cert
		forged.Signature = append([]byte(nil), cert.Signature...)
		forged.Signature[0] ^= 0x01
		assert.True(t, cerr.Is(Verify(&forged, nil, verifier), ErrInvalid))
	})

	t.Run("other key", func(t *testing.T) {
		_, otherVerifier := newTestIssuer(t)
		assert.True(t, cerr.Is(Verify(cert, nil, otherVerifier), ErrInvalid))
	})

	t.Run("algorithm mismatch", func(t *testing.T) {
		key := make([]byte, 32)
		_, _ = rand.Read(key)
		hmacSigner, err := NewHMACSigner(key, "shared")
		require.NoError(t, err)
		assert.True(t, cerr.Is(Verify(cert, nil, hmacSigner), ErrInvalid))
	})
}

func TestIssuePolicyDenied(t *testing.T) {
	policy, err := NewPolicy(context.Background(), `package wipeengine.certificate

deny contains "targets over 1 MiB need manual review" if {
	some t in input.job.targets
	t.target.size_bytes > 1048576
}
`)
	require.NoError(t, err)
	issuer, _ := newTestIssuer(t, WithPolicy(policy))

	cert, err := issuer.Issue(context.Background(), finishedRecord(t, wipe.StatusVerified))
	require.Error(t, err)
	assert.Nil(t, cert)
	assert.True(t, cerr.Is(err, ErrPolicyDenied))
	assert.Contains(t, err.Error(), "manual review")
}

func TestDefaultPolicyRejectsInconsistentPayload(t *testing.T) {
	ctx := context.Background()
	policy, err := NewPolicy(ctx, "")
	require.NoError(t, err)

	rec := finishedRecord(t, wipe.StatusVerified, wipe.StatusFailed)
	good, err := CanonicalPayload(rec)
	require.NoError(t, err)
	require.NoError(t, policy.Check(ctx, good))

	p := BuildPayload(rec)
	p.Clean = true
	bad, err := Canonicalize(p)
	require.NoError(t, err)
	err = policy.Check(ctx, bad)
	require.Error(t, err)
	assert.True(t, cerr.Is(err, ErrPolicyDenied))
	assert.Contains(t, err.Error(), "did not fully succeed")

	p = BuildPayload(rec)
	p.Summary.Failed = 0
	bad, err = Canonicalize(p)
	require.NoError(t, err)
	assert.True(t, cerr.Is(policy.Check(ctx, bad), ErrPolicyDenied))
}

func TestIssueHMACWithBlake2b(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	signer, err := NewHMACSigner(key, "shared")
	require.NoError(t, err)

	issuer := NewIssuer(signer, WithDigest(DigestBLAKE2b256))
	rec := finishedRecord(t, wipe.StatusVerified)
	cert, err := issuer.Issue(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, AlgorithmHMACSHA256, cert.Algorithm)
	assert.Equal(t, DigestBLAKE2b256, cert.DigestAlgorithm)
	assert.Len(t, cert.PayloadDigest, 32)
	require.NoError(t, Verify(cert, rec, signer))

	sha, err := ComputeDigest(DigestSHA256, cert.Payload)
	require.NoError(t, err)
	assert.NotEqual(t, sha, cert.PayloadDigest)

	_, err = NewHMACSigner(key[:16], "short")
	assert.Error(t, err)
}

func TestIssueWithoutSigner(t *testing.T) {
	issuer := NewIssuer(nil)
	_, err := issuer.Issue(context.Background(), finishedRecord(t, wipe.StatusVerified))
	assert.True(t, cerr.Is(err, ErrSigning))
}

func TestIssueUsesClock(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 30, 0, 0, time.FixedZone("MSK", 3*3600))
	issuer, _ := newTestIssuer(t, WithClock(func() time.Time { return at }))

	cert, err := issuer.Issue(context.Background(), finishedRecord(t, wipe.StatusVerified))
	require.NoError(t, err)
	assert.True(t, at.Equal(cert.IssuedAt))
	assert.Equal(t, time.UTC, cert.IssuedAt.Location())
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "key order", input: `{"b":1,"a":{"d":true,"c":null}}`, want: `{"a":{"c":null,"d":true},"b":1}`},
		{name: "whitespace", input: " [ 1 , \"x\" ,\n false ] ", want: `[1,"x",false]`},
		{name: "large integer exact", input: `{"size":18446744073709551615}`, want: `{"size":18446744073709551615}`},
		{name: "negative integer", input: `-42`, want: `-42`},
		{name: "float", input: `1.50`, want: `1.5`},
		{name: "exponent", input: `1e21`, want: `1e21`},
		{name: "small float", input: `0.000001`, want: `0.000001`},
		{name: "tiny float", input: `1e-7`, want: `1e-7`},
		{name: "zero float", input: `-0.0`, want: `0`},
		{name: "escapes", input: `"a\"b\\c\n\u0001"`, want: `"a\"b\\c\n\u0001"`},
		{name: "unicode kept", input: `"диск"`, want: `"диск"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalizeJSON([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	_, err := CanonicalizeJSON([]byte(`{"a":1} {}`))
	assert.Error(t, err)
	_, err = CanonicalizeJSON([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestCanonicalPayloadDeterministic(t *testing.T) {
	rec := finishedRecord(t, wipe.StatusVerified, wipe.StatusFailed)
	a, err := CanonicalPayload(rec)
	require.NoError(t, err)

	// та же запись с локальными временами даёт ту же форму
	local := rec.Clone()
	local.StartedAt = rec.StartedAt.In(time.FixedZone("MSK", 3*3600))
	b, err := CanonicalPayload(&local)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	again, err := CanonicalizeJSON(a)
	require.NoError(t, err)
	assert.Equal(t, a, again)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(a, &decoded))
	assert.Equal(t, "PartialFailure", decoded["status"])
}

func TestKeyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "certificate.key")

	signer, err := GenerateEd25519Signer("ops")
	require.NoError(t, err)
	require.NoError(t, WriteEd25519Key(path, signer.key))

	loaded, err := LoadSigner(AlgorithmEd25519, path, "ops", "")
	require.NoError(t, err)
	rec := finishedRecord(t, wipe.StatusVerified)
	cert, err := NewIssuer(loaded).Issue(context.Background(), rec)
	require.NoError(t, err)

	for _, keyPath := range []string{path, path + ".pub"} {
		verifier, err := LoadVerifier(AlgorithmEd25519, keyPath, "")
		require.NoError(t, err, keyPath)
		assert.NoError(t, Verify(cert, rec, verifier), keyPath)
	}

	_, err = LoadSigner(AlgorithmEd25519, filepath.Join(dir, "missing.key"), "ops", "")
	assert.Error(t, err)
}

func TestLoadHMACFromEnvValue(t *testing.T) {
	secret := strings.Repeat("ab", 32)
	signer, err := LoadSigner(AlgorithmHMACSHA256, "", "env", secret)
	require.NoError(t, err)
	verifier, err := LoadVerifier(AlgorithmHMACSHA256, "", secret)
	require.NoError(t, err)

	msg := []byte("job")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)
	assert.NoError(t, verifier.Verify(msg, sig))

	_, err = LoadSigner("rsa", "", "", "")
	assert.Error(t, err)
}

func TestPublicKeyCannotForgeHMACCertificate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "certificate.key")
	signer, err := GenerateEd25519Signer("ops")
	require.NoError(t, err)
	require.NoError(t, WriteEd25519Key(path, signer.key))

	// кто угодно с открытым ключом подписывает HMAC на его байтах
	pub, err := os.ReadFile(path + ".pub")
	require.NoError(t, err)
	raw, err := decodeKey(pub)
	require.NoError(t, err)
	forger, err := NewHMACSigner(raw, "ops")
	require.NoError(t, err)
	forged, err := NewIssuer(forger).Issue(context.Background(), finishedRecord(t, wipe.StatusVerified))
	require.NoError(t, err)
	doc, err := Render(forged)
	require.NoError(t, err)
	parsed, err := Parse(doc)
	require.NoError(t, err)
	require.Equal(t, AlgorithmHMACSHA256, parsed.Algorithm)

	verifier, err := LoadVerifier(AlgorithmEd25519, path+".pub", "")
	require.NoError(t, err)
	assert.True(t, cerr.Is(Verify(parsed, nil, verifier), ErrInvalid))

	for _, keyPath := range []string{path + ".pub", path} {
		_, err = LoadVerifier(AlgorithmHMACSHA256, keyPath, "")
		assert.Error(t, err, keyPath)
		_, err = LoadSigner(AlgorithmHMACSHA256, keyPath, "ops", "")
		assert.Error(t, err, keyPath)
	}
}

func TestLoadHMACFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hmac.key")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("cd", 32)+"\n"), 0o600))

	signer, err := LoadSigner(AlgorithmHMACSHA256, path, "shared", "")
	require.NoError(t, err)
	verifier, err := LoadVerifier(AlgorithmHMACSHA256, path, "")
	require.NoError(t, err)

	rec := finishedRecord(t, wipe.StatusVerified)
	cert, err := NewIssuer(signer).Issue(context.Background(), rec)
	require.NoError(t, err)
	assert.NoError(t, Verify(cert, rec, verifier))
}

func TestRenderParseRoundTrip(t *testing.T) {
	issuer, verifier := newTestIssuer(t)
	rec := finishedRecord(t, wipe.StatusVerified, wipe.StatusFailed)
	cert, err := issuer.Issue(context.Background(), rec)
	require.NoError(t, err)

	doc, err := Render(cert)
	require.NoError(t, err)
	text := string(doc)
	assert.True(t, strings.HasPrefix(text, beginCertificate))
	assert.Contains(t, text, "CERTIFICATE OF DATA DESTRUCTION")
	assert.Contains(t, text, "PARTIAL FAILURE")
	assert.Contains(t, text, "dod-3pass")
	assert.Contains(t, text, "[VerificationFailed]")
	assert.Contains(t, text, "wear-levelling")

	parsed, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, cert.CertificateID, parsed.CertificateID)
	assert.Equal(t, cert.JobID, parsed.JobID)
	assert.True(t, cert.IssuedAt.Equal(parsed.IssuedAt))
	assert.Equal(t, cert.Payload, parsed.Payload)
	assert.Equal(t, cert.Signature, parsed.Signature)
	require.NoError(t, Verify(parsed, rec, verifier))
}

func TestRenderQuotesIdentifiers(t *testing.T) {
	issuer, verifier := newTestIssuer(t)
	rec := finishedRecord(t, wipe.StatusVerified)
	injected := "/srv/x\n" + beginPayload + "\n{}\n" + endPayload + "\n" + endCertificate + "\n\x1b[2J"
	rec.Targets[0].Target.Identifier = injected
	rec.Targets[0].Target.Path = injected
	cert, err := issuer.Issue(context.Background(), rec)
	require.NoError(t, err)

	doc, err := Render(cert)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(doc), beginPayload+"\n"))
	assert.Contains(t, string(doc), `"/srv/x\n`)
	assert.NotContains(t, string(doc), "\x1b")

	parsed, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, cert.Payload, parsed.Payload)
	require.NoError(t, Verify(parsed, rec, verifier))
}

func TestParseRejectsInconsistentDocument(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	cert, err := issuer.Issue(context.Background(), finishedRecord(t, wipe.StatusVerified, wipe.StatusFailed))
	require.NoError(t, err)
	doc, err := Render(cert)
	require.NoError(t, err)

	edited := strings.Replace(string(doc), "Status: PartialFailure", "Status: Success", 1)
	_, err = Parse([]byte(edited))
	assert.True(t, cerr.Is(err, ErrInvalid))

	truncated := string(doc)[:strings.Index(string(doc), endPayload)]
	_, err = Parse([]byte(truncated))
	assert.True(t, cerr.Is(err, ErrInvalid))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1.0 KiB", FormatSize(1024))
	assert.Equal(t, "10.0 MiB", FormatSize(10<<20))
	assert.Equal(t, "1.5 GiB", FormatSize(3<<29))
}
