package wipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupStandard(t *testing.T) {
	tests := []struct {
		name   string
		want   string
		passes int
	}{
		{"clear", StandardClear, 1},
		{"NIST Clear", StandardClear, 1},
		{"NIST Purge", StandardPurge, 3},
		{"DOD 3-Pass", StandardDoD3Pass, 3},
		{"DOD 7-Pass", StandardDoD7Pass, 7},
		{"Gutmann 35-Pass", StandardGutmann, 35},
		{"MaxSecurityMultiPass", StandardGutmann, 35},
		{"max-security-multipass", StandardGutmann, 35},
		{"max_security_multipass", StandardGutmann, 35},
		{"Max Security Multi Pass", StandardGutmann, 35},
		{"max_security", StandardMaxSecurity, 4},
		{"MaxSecurity", StandardMaxSecurity, 4},
		{"ClearSinglePass", StandardClear, 1},
		{"clear_single_pass", StandardClear, 1},
		{"PurgeMultiPass", StandardPurge, 3},
		{"purge-multi-pass", StandardPurge, 3},
		{"dod_7pass", StandardDoD7Pass, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := LookupStandard(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Name)
			assert.Len(t, s.Passes, tt.passes)
			assert.NoError(t, s.Validate())
		})
	}

	_, err := LookupStandard("degauss")
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestGutmannLayout(t *testing.T) {
	s, err := LookupStandard(StandardGutmann)
	require.NoError(t, err)

	fixedCount, sequences := 0, 0
	for _, p := range s.Passes[4:31] {
		require.Equal(t, PatternFixed, p.Kind)
		fixedCount++
		if len(p.Sequence) > 0 {
			sequences++
		}
	}
	assert.Equal(t, 27, fixedCount)
	assert.Equal(t, 9, sequences)
	for _, p := range append(s.Passes[:4:4], s.Passes[31:]...) {
		assert.Equal(t, PatternRandom, p.Kind)
	}
	assert.Equal(t, 1, s.VerifiedPasses())
	assert.True(t, s.Passes[34].Verify)
}

func TestWithVerifyDoesNotMutateRegistry(t *testing.T) {
	s, err := LookupStandard(StandardDoD3Pass)
	require.NoError(t, err)

	on := true
	forced := s.WithVerify(&on)
	assert.Equal(t, 3, forced.VerifiedPasses())

	again, err := LookupStandard(StandardDoD3Pass)
	require.NoError(t, err)
	assert.Equal(t, 1, again.VerifiedPasses())

	assert.Equal(t, s, s.WithVerify(nil))
}

func TestStandardsOrdered(t *testing.T) {
	all := Standards()
	require.Len(t, all, 6)
	assert.Equal(t, StandardClear, all[0].Name)
	assert.Equal(t, StandardGutmann, all[len(all)-1].Name)
}

func TestValidateStandard(t *testing.T) {
	assert.Error(t, Standard{Name: "empty"}.Validate())
	assert.Error(t, Standard{Passes: []PassSpec{{Kind: PatternRandom}}}.Validate())
	assert.Error(t, Standard{Name: "odd", Passes: []PassSpec{{Kind: "Laser"}}}.Validate())
}
