package wipe

import (
	"sort"
	"strings"
)

// Standard именованная последовательность проходов
type Standard struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Passes      []PassSpec `json:"passes"`
}

// Имена встроенных стандартов
const (
	StandardClear       = "clear"
	StandardPurge       = "purge"
	StandardDoD3Pass    = "dod-3pass"
	StandardDoD7Pass    = "dod-7pass"
	StandardGutmann     = "gutmann"
	StandardMaxSecurity = "max-security"
)

func fixed(v byte, verify bool) PassSpec {
	return PassSpec{Kind: PatternFixed, Value: v, Verify: verify}
}

func sequence(verify bool, seq ...byte) PassSpec {
	return PassSpec{Kind: PatternFixed, Value: seq[0], Sequence: seq, Verify: verify}
}

func complementary(seed byte, verify bool) PassSpec {
	return PassSpec{Kind: PatternComplementary, Value: seed, Verify: verify}
}

func random(verify bool) PassSpec {
	return PassSpec{Kind: PatternRandom, Verify: verify}
}

// gutmannPasses 35 проходов: 4 случайных, 27 фиксированных, 4 случайных
func gutmannPasses() []PassSpec {
	passes := make([]PassSpec, 0, 35)
	for i := 0; i < 4; i++ {
		passes = append(passes, random(false))
	}
	passes = append(passes,
		fixed(0x55, false),
		fixed(0xAA, false),
		sequence(false, 0x92, 0x49, 0x24),
		sequence(false, 0x49, 0x24, 0x92),
		sequence(false, 0x24, 0x92, 0x49),
	)
	for v := 0x00; v <= 0xFF; v += 0x11 {
		passes = append(passes, fixed(byte(v), false))
	}
	passes = append(passes,
		sequence(false, 0x92, 0x49, 0x24),
		sequence(false, 0x49, 0x24, 0x92),
		sequence(false, 0x24, 0x92, 0x49),
		sequence(false, 0x6D, 0xB6, 0xDB),
		sequence(false, 0xB6, 0xDB, 0x6D),
		sequence(false, 0xDB, 0x6D, 0xB6),
	)
	for i := 0; i < 4; i++ {
		passes = append(passes, random(false))
	}
	passes[len(passes)-1].Verify = true
	return passes
}

var registry = map[string]Standard{
	StandardClear: {
		Name:        StandardClear,
		Description: "NIST 800-88 Clear: один проход нулями с проверкой",
		Passes:      []PassSpec{fixed(0x00, true)},
	},
	StandardPurge: {
		Name:        StandardPurge,
		Description: "NIST 800-88 Purge: нули, единицы, случайные данные, каждый проход с проверкой",
		Passes:      []PassSpec{fixed(0x00, true), fixed(0xFF, true), random(true)},
	},
	StandardDoD3Pass: {
		Name:        StandardDoD3Pass,
		Description: "DoD 5220.22-M: нули, дополнение, случайные данные с проверкой",
		Passes:      []PassSpec{fixed(0x00, false), complementary(0x00, false), random(true)},
	},
	StandardDoD7Pass: {
		Name:        StandardDoD7Pass,
		Description: "DoD 5220.22-M ECE: семь проходов, последний с проверкой",
		Passes: []PassSpec{
			fixed(0x00, false), complementary(0x00, false), random(false), random(false),
			fixed(0x00, false), complementary(0x00, false), random(true),
		},
	},
	StandardGutmann: {
		Name:        StandardGutmann,
		Description: "Gutmann: 35 проходов, последний с проверкой",
		Passes:      gutmannPasses(),
	},
	StandardMaxSecurity: {
		Name:        StandardMaxSecurity,
		Description: "Максимальная защита: случайные, дополнение, случайные, нули, каждый проход с проверкой",
		Passes:      []PassSpec{random(true), complementary(0x00, true), random(true), fixed(0x00, true)},
	},
}

// aliases названия методов из панели управления и варианты из описания.
// Ключи в компактной форме (compactName), так что любое написание
// одного названия приводит к одному стандарту.
var aliases = map[string]string{
	"nistclear":            StandardClear,
	"clearsinglepass":      StandardClear,
	"nistpurge":            StandardPurge,
	"purgemultipass":       StandardPurge,
	"dod":                  StandardDoD3Pass,
	"dod3pass":             StandardDoD3Pass,
	"dod7pass":             StandardDoD7Pass,
	"gutmann35pass":        StandardGutmann,
	"maxsecuritymultipass": StandardGutmann,
	"maxsecurity":          StandardMaxSecurity,
}

// compactName нижний регистр без пробелов, дефисов и подчёркиваний
func compactName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(n)
}

// LookupStandard находит стандарт по имени или псевдониму
func LookupStandard(name string) (Standard, error) {
	n := compactName(name)
	if alias, ok := aliases[n]; ok {
		n = compactName(alias)
	}
	for key, s := range registry {
		if compactName(key) == n {
			return s.clone(), nil
		}
	}
	return Standard{}, markf(ErrInvalidJob, "unknown standard %q", name)
}

// Standards возвращает все встроенные стандарты, упорядоченные по числу проходов
func Standards() []Standard {
	out := make([]Standard, 0, len(registry))
	for _, s := range registry {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Passes) != len(out[j].Passes) {
			return len(out[i].Passes) < len(out[j].Passes)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// WithVerify возвращает копию стандарта с принудительной проверкой (или без неё)
func (s Standard) WithVerify(override *bool) Standard {
	out := s.clone()
	if override == nil {
		return out
	}
	for i := range out.Passes {
		out.Passes[i].Verify = *override
	}
	return out
}

// Validate проверяет, что стандарт можно исполнить
func (s Standard) Validate() error {
	if s.Name == "" {
		return markf(ErrInvalidJob, "standard has no name")
	}
	if len(s.Passes) == 0 {
		return markf(ErrInvalidJob, "standard %s has no passes", s.Name)
	}
	for i, p := range s.Passes {
		switch p.Kind {
		case PatternFixed, PatternRandom, PatternComplementary:
		default:
			return markf(ErrInvalidJob, "standard %s pass %d: unknown pattern kind %q", s.Name, i, p.Kind)
		}
	}
	return nil
}

// VerifiedPasses количество проходов с проверкой
func (s Standard) VerifiedPasses() int {
	n := 0
	for _, p := range s.Passes {
		if p.Verify {
			n++
		}
	}
	return n
}

func (s Standard) clone() Standard {
	out := s
	out.Passes = make([]PassSpec, len(s.Passes))
	for i, p := range s.Passes {
		out.Passes[i] = p
		if p.Sequence != nil {
			out.Passes[i].Sequence = append([]byte(nil), p.Sequence...)
		}
	}
	return out
}
