package llm

import (
	"strings"
	"testing"
)

func TestParseRiskLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    RiskLevel
		wantErr bool
	}{
		{"low", RiskLow, false},
		{" Critical ", RiskCritical, false},
		{"HIGH", RiskHigh, false},
		{"severe", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRiskLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRiskLevel_Ordering(t *testing.T) {
	if !RiskCritical.AtLeast(RiskHigh) || RiskMedium.AtLeast(RiskHigh) {
		t.Error("AtLeast ordering broken")
	}
	if RiskMedium.IsDanger() || !RiskHigh.IsDanger() || !RiskCritical.IsDanger() {
		t.Error("IsDanger should be true only for high and critical")
	}
}

func TestAssessment_Summary(t *testing.T) {
	bank := "Banco Estado"
	a := Assessment{
		RiskLevel:          RiskHigh,
		Indicators:         []string{"urgency", "credentials"},
		Reasoning:          "Pide la clave",
		RecommendedActions: []string{"Cuelgue", "Llame a su banco"},
		Meta: Meta{
			Impersonating:  &bank,
			PaymentMethods: []string{"transferencia"},
		},
	}

	got := a.Summary()
	want := strings.Join([]string{
		"Nivel de Riesgo: ALTO",
		"Indicadores: urgency, credentials",
		"Suplantando: Banco Estado",
		"Métodos de Pago: transferencia",
		"Recomendación: Cuelgue",
		"Explicación: Pide la clave",
	}, "\n")
	if got != want {
		t.Errorf("Summary() =\n%s\nwant\n%s", got, want)
	}
}

func TestAssessment_SummaryEmpty(t *testing.T) {
	a := Assessment{RiskLevel: RiskLow}
	got := a.Summary()
	if !strings.Contains(got, "Indicadores: Ninguno detectado") {
		t.Errorf("Summary() = %q", got)
	}
	if !strings.Contains(got, "Recomendación: Continuar normalmente") {
		t.Errorf("Summary() = %q", got)
	}
}
