package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platanus-hack/platanus-hack-25-team-6/internal/llm"
)

// Channel selects how a recipient is reached.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelPush     Channel = "push"
)

// ParseChannel maps a stored channel name to a Channel, defaulting to SMS.
func ParseChannel(s string) Channel {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelWhatsApp:
		return ChannelWhatsApp
	case ChannelPush:
		return ChannelPush
	default:
		return ChannelSMS
	}
}

// Recipient is a trusted contact to alert about a risky call.
type Recipient struct {
	Name         string  `json:"name"`
	Phone        string  `json:"phone"`
	Relationship string  `json:"relationship,omitempty"`
	Channel      Channel `json:"channel"`
	DeviceToken  string  `json:"-"`
}

// Message describes the call an alert is about.
type Message struct {
	CallSid       string
	CallerNumber  string
	CalleeNumber  string
	RiskLevel     llm.RiskLevel
	Reasoning     string
	Impersonating string
	Duration      time.Duration
}

// Notification is the rendered alert handed to a Sender.
type Notification struct {
	Title     string
	Body      string
	CallSid   string
	RiskLevel llm.RiskLevel
}

// Sender delivers a notification to one recipient over one channel.
type Sender interface {
	Notify(ctx context.Context, r Recipient, n Notification) error
}

// ErrNoSender is returned for recipients whose channel has no configured sender.
var ErrNoSender = errors.New("notifications: no sender for channel")

// FormatAlert builds the text alert sent to trusted contacts.
func FormatAlert(m Message) string {
	lines := []string{
		"ALERTA: posible estafa telefónica en curso",
		"Nivel de Riesgo: " + m.RiskLevel.Label(),
		"Llamada de: " + orUnknown(m.CallerNumber),
		"Duración: " + formatDuration(m.Duration),
	}
	if m.Impersonating != "" {
		lines = append(lines, "Suplantando a: "+m.Impersonating)
	}
	if m.Reasoning != "" {
		lines = append(lines, "Motivo: "+m.Reasoning)
	}
	return strings.Join(lines, "\n")
}

// FormatImpersonationAlert is sent to a recipient the caller claims to be.
func FormatImpersonationAlert(r Recipient, m Message) string {
	return strings.Join([]string{
		"ALERTA DE SUPLANTACIÓN",
		fmt.Sprintf("Hola %s, alguien que te tiene como contacto de confianza está recibiendo una llamada sospechosa.", r.Name),
		"El llamante dice ser: " + m.Impersonating,
		"Nivel de Riesgo: " + m.RiskLevel.Label(),
		"Llamada de: " + orUnknown(m.CallerNumber),
		"Si no eres tú, contáctalo de inmediato.",
	}, "\n")
}

// Impersonates reports whether the impersonated entity names this recipient,
// matching either way on name or relationship.
func Impersonates(entity string, r Recipient) bool {
	e := strings.ToLower(strings.TrimSpace(entity))
	if e == "" {
		return false
	}
	for _, field := range []string{r.Name, r.Relationship} {
		f := strings.ToLower(strings.TrimSpace(field))
		if f == "" {
			continue
		}
		if strings.Contains(f, e) || strings.Contains(e, f) {
			return true
		}
	}
	return false
}

func orUnknown(s string) string {
	if s == "" {
		return "desconocido"
	}
	return s
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
