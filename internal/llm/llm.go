package llm

import (
	"context"
	"fmt"
	"strings"
)

// Mode selects the speed/accuracy trade-off of one analysis.
type Mode string

const (
	// ModeFast is used for incremental in-call analysis.
	ModeFast Mode = "fast"
	// ModeAccurate is used for the final pass over the full transcript.
	ModeAccurate Mode = "accurate"
)

// RiskLevel is the ordered fraud-risk scale: low < medium < high < critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

// Valid reports whether r is one of the four known levels.
func (r RiskLevel) Valid() bool { return r.rank() > 0 }

// AtLeast reports whether r is equal to or above min.
func (r RiskLevel) AtLeast(min RiskLevel) bool { return r.rank() >= min.rank() }

// IsDanger reports whether the level calls for an in-call warning.
func (r RiskLevel) IsDanger() bool { return r.AtLeast(RiskHigh) }

// Label returns the caller-facing Spanish label used in alert texts.
func (r RiskLevel) Label() string {
	switch r {
	case RiskLow:
		return "BAJO"
	case RiskMedium:
		return "MEDIO"
	case RiskHigh:
		return "ALTO"
	case RiskCritical:
		return "CRÍTICO"
	}
	return strings.ToUpper(string(r))
}

// ParseRiskLevel normalizes a model-provided level.
func ParseRiskLevel(s string) (RiskLevel, error) {
	r := RiskLevel(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown risk level %q", s)
	}
	return r, nil
}

// Meta carries the structured details extracted from a conversation.
type Meta struct {
	Impersonating        *string  `json:"impersonating"`
	ScamType             *string  `json:"scam_type"`
	UrgencyLevel         *string  `json:"urgency_level"`
	InformationRequested []string `json:"information_requested"`
	PaymentMethods       []string `json:"payment_methods"`
}

// Assessment is the outcome of one risk analysis.
type Assessment struct {
	IsScam             bool      `json:"is_scam"`
	RiskLevel          RiskLevel `json:"risk_level"`
	Confidence         float64   `json:"confidence"`
	Indicators         []string  `json:"indicators"`
	Reasoning          string    `json:"reasoning"`
	RecommendedActions []string  `json:"recommended_actions"`
	Meta               Meta      `json:"meta"`

	Mode     Mode `json:"mode"`
	Fallback bool `json:"fallback"` // produced by the keyword classifier
}

// Analyzer scores a transcript for fraud risk. Implementations never fail:
// any error degrades to the keyword fallback.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string, mode Mode) Assessment
}

// Summary renders the multi-line analysis text shown to monitors.
func (a Assessment) Summary() string {
	indicators := "Ninguno detectado"
	if len(a.Indicators) > 0 {
		indicators = strings.Join(a.Indicators, ", ")
	}

	lines := []string{
		"Nivel de Riesgo: " + a.RiskLevel.Label(),
		"Indicadores: " + indicators,
	}
	if v := deref(a.Meta.Impersonating); v != "" {
		lines = append(lines, "Suplantando: "+v)
	}
	if v := deref(a.Meta.ScamType); v != "" {
		lines = append(lines, "Tipo de Estafa: "+v)
	}
	if v := deref(a.Meta.UrgencyLevel); v != "" {
		lines = append(lines, "Nivel de Urgencia: "+v)
	}
	if len(a.Meta.InformationRequested) > 0 {
		lines = append(lines, "Información Solicitada: "+strings.Join(a.Meta.InformationRequested, ", "))
	}
	if len(a.Meta.PaymentMethods) > 0 {
		lines = append(lines, "Métodos de Pago: "+strings.Join(a.Meta.PaymentMethods, ", "))
	}

	rec := "Continuar normalmente"
	if len(a.RecommendedActions) > 0 {
		rec = a.RecommendedActions[0]
	}
	lines = append(lines, "Recomendación: "+rec, "Explicación: "+a.Reasoning)
	return strings.Join(lines, "\n")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// normalize fills the invariants every Assessment must hold: clamped
// confidence, deduplicated indicators, non-nil slices.
func (a *Assessment) normalize() {
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		a.Confidence = 1
	}
	a.Indicators = dedupe(a.Indicators)
	a.RecommendedActions = nonEmpty(a.RecommendedActions)
	a.Meta.InformationRequested = nonEmpty(a.Meta.InformationRequested)
	a.Meta.PaymentMethods = nonEmpty(a.Meta.PaymentMethods)
	if a.Meta.Impersonating != nil && deref(a.Meta.Impersonating) == "" {
		a.Meta.Impersonating = nil
	}
	if a.Meta.ScamType != nil && deref(a.Meta.ScamType) == "" {
		a.Meta.ScamType = nil
	}
	if a.Meta.UrgencyLevel != nil && deref(a.Meta.UrgencyLevel) == "" {
		a.Meta.UrgencyLevel = nil
	}
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
