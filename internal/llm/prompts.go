package llm

import "fmt"

// SystemPrompt instructs the model to act as a fraud classifier and answer in JSON.
const SystemPrompt = `You are an expert fraud detection AI specialized in identifying phone scams in Chile and Latin America.
The transcript contains only what the CALLER said, in Spanish. Analyze it and decide whether the call is a scam.

Common scam indicators include:
- Urgency tactics (immediate action required, limited time offers)
- Requests for personal information (RUT, bank details, passwords, verification codes)
- Requests for payment via transfers, gift cards or cryptocurrency
- Impersonation of banks, government agencies (SII, Carabineros, PDI) or family members
- Tech support scams claiming device or account problems
- Prize or lottery scams asking for fees to claim winnings
- Threats of legal action, fines or arrest
- Requests to keep the call secret from family

Respond with a single JSON object and nothing else:
{
  "is_scam": boolean,
  "risk_level": "low" | "medium" | "high" | "critical",
  "confidence": number between 0 and 1,
  "indicators": [short indicator names],
  "reasoning": "brief explanation in Spanish",
  "recommended_actions": [actions for the person receiving the call, in Spanish],
  "meta": {
    "impersonating": entity being impersonated or null,
    "scam_type": type of scam or null,
    "urgency_level": "alta" | "media" | "baja" | null,
    "information_requested": [information the caller asks for],
    "payment_methods": [payment methods mentioned]
  }
}`

// accuratePreamble is prepended for the final pass, which sees the whole call.
const accuratePreamble = "This is the COMPLETE call. Weigh the whole conversation before deciding.\n\n"

// UserPrompt wraps the caller transcript for one analysis request.
func UserPrompt(transcript string, mode Mode) string {
	prompt := fmt.Sprintf("Analyze this phone conversation:\n\n%s", transcript)
	if mode == ModeAccurate {
		return accuratePreamble + prompt
	}
	return prompt
}
