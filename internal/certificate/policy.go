package certificate

import (
	"context"
	"encoding/json"
	"sort"

	cerr "github.com/cockroachdb/errors"
	"github.com/open-policy-agent/opa/v1/rego"

	"wipeengine/internal/wipe"
)

const policyQuery = "data.wipeengine.certificate.deny"

// DefaultPolicy правила выпуска сертификата. Любое сообщение в deny
// запрещает выпуск.
const DefaultPolicy = `package wipeengine.certificate

deny contains "job record is not finished" if {
	not input.job.finished_at
}

deny contains "payload status does not match job record status" if {
	input.status != input.job.overall_status
}

deny contains "clean certificate requested for a job that did not fully succeed" if {
	input.clean
	input.status != "Success"
}

deny contains msg if {
	input.clean
	some t in input.job.targets
	t.status != "Verified"
	msg := sprintf("target %s is not verified", [t.target.identifier])
}

deny contains "failed targets present but summary reports none" if {
	input.summary.failed == 0
	some t in input.job.targets
	t.status == "Failed"
}
`

// Policy подготовленная rego политика выпуска
type Policy struct {
	query rego.PreparedEvalQuery
}

// NewPolicy компилирует модуль политики; пустой module означает DefaultPolicy
func NewPolicy(ctx context.Context, module string) (*Policy, error) {
	if module == "" {
		module = DefaultPolicy
	}
	query, err := rego.New(
		rego.Query(policyQuery),
		rego.Module("certificate.rego", module),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, cerr.Wrap(err, "compile certificate policy")
	}
	return &Policy{query: query}, nil
}

// Check оценивает каноническую полезную нагрузку. Возвращает ErrPolicyDenied
// со списком нарушений.
func (p *Policy) Check(ctx context.Context, canonicalPayload []byte) error {
	var input map[string]any
	if err := json.Unmarshal(canonicalPayload, &input); err != nil {
		return cerr.Wrap(err, "decode payload for policy")
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return cerr.Wrap(err, "evaluate certificate policy")
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return cerr.New("empty certificate policy result")
	}

	raw, ok := results[0].Expressions[0].Value.([]any)
	if !ok {
		return cerr.Newf("certificate policy returned %T, want a set", results[0].Expressions[0].Value)
	}
	if len(raw) == 0 {
		return nil
	}

	reasons := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			reasons = append(reasons, s)
		}
	}
	sort.Strings(reasons)
	return wipe.Mark(cerr.Newf("certificate denied by policy: %v", reasons), ErrPolicyDenied)
}
