package llm

import (
	"sort"
	"strings"
)

// IndicatorManualReview marks an assessment produced without the model.
const IndicatorManualReview = "manual_review_required"

const fallbackAction = "Review the full transcript carefully"

// KeywordConfig holds the scam keyword categories used by the fallback classifier.
type KeywordConfig struct {
	Categories map[string][]string
	// HighThreshold is the number of distinct matching categories that
	// escalates the fallback to high risk.
	HighThreshold int
}

// DefaultKeywordConfig returns Spanish and English keywords for the common scam patterns.
func DefaultKeywordConfig() KeywordConfig {
	return KeywordConfig{
		HighThreshold: 3,
		Categories: map[string][]string{
			"payment": {
				"transferencia", "transfiera", "deposito", "tarjeta de regalo",
				"gift card", "bitcoin", "cripto", "wire transfer", "vale vista",
			},
			"credentials": {
				"clave", "contrasena", "codigo de verificacion", "coordenadas",
				"numero de tarjeta", "password", "verification code", "pin",
			},
			"urgency": {
				"urgente", "inmediatamente", "ahora mismo", "de inmediato",
				"hoy mismo", "urgent", "immediately", "right now",
			},
			"secrecy": {
				"no le cuente", "no le diga", "secreto", "confidencial",
				"no cuelgue", "don't tell", "keep this between",
			},
			"authority": {
				"banco", "carabineros", "pdi", "fiscalia", "tribunal", "sii",
				"police", "bank", "irs",
			},
			"threat": {
				"detenido", "arresto", "demanda", "bloqueada", "bloqueo", "multa",
				"embargo", "arrest", "lawsuit",
			},
			"prize": {
				"premio", "ganador", "sorteo", "ha ganado", "lottery", "prize",
			},
		},
	}
}

var accentFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

// KeywordClassifier is the deterministic fallback used when the model is
// unavailable or returns an unusable answer.
type KeywordClassifier struct {
	cfg KeywordConfig
}

// NewKeywordClassifier creates a classifier with the given configuration.
func NewKeywordClassifier(cfg KeywordConfig) *KeywordClassifier {
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = 3
	}
	return &KeywordClassifier{cfg: cfg}
}

// Classify never returns below medium: a fallback result always asks for review.
func (k *KeywordClassifier) Classify(transcript, reason string, mode Mode) Assessment {
	text := accentFolder.Replace(strings.ToLower(transcript))

	indicators := []string{IndicatorManualReview}
	var matched []string

	cats := make([]string, 0, len(k.cfg.Categories))
	for c := range k.cfg.Categories {
		cats = append(cats, c)
	}
	sort.Strings(cats)

	for _, cat := range cats {
		hit := false
		for _, kw := range k.cfg.Categories[cat] {
			if containsWord(text, kw) {
				indicators = append(indicators, "keyword:"+kw)
				hit = true
			}
		}
		if hit {
			matched = append(matched, cat)
		}
	}

	risk := RiskMedium
	if len(matched) >= k.cfg.HighThreshold {
		risk = RiskHigh
	}

	reasoning := "Automatic analysis unavailable"
	if reason != "" {
		reasoning += " (" + reason + ")"
	}
	if len(matched) > 0 {
		reasoning += "; suspicious keywords in: " + strings.Join(matched, ", ")
	}

	a := Assessment{
		IsScam:             risk.IsDanger(),
		RiskLevel:          risk,
		Confidence:         0.5,
		Indicators:         indicators,
		Reasoning:          reasoning,
		RecommendedActions: []string{fallbackAction},
		Mode:               mode,
		Fallback:           true,
	}
	a.normalize()
	return a
}

// containsWord matches kw on word boundaries so "pin" does not hit "pino".
func containsWord(text, kw string) bool {
	for i := 0; ; {
		idx := strings.Index(text[i:], kw)
		if idx < 0 {
			return false
		}
		start := i + idx
		end := start + len(kw)
		if isBoundary(text, start-1) && isBoundary(text, end) {
			return true
		}
		i = start + 1
	}
}

func isBoundary(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	c := text[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
}
