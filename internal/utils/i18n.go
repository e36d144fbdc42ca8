package utils

// Server-side strings for participant-facing errors and health.
// Keys are error codes from the services package.

var translations = map[string]map[string]string{
	"en": {
		"health.ok":              "ok",
		"missing_identifier":     "Please enter your participant ID.",
		"duplicate_identifier":   "This participant ID has already taken part in the study.",
		"store_unavailable":      "The study database is unreachable. Please try again in a moment.",
		"completion_failed":      "The conversation partner did not respond. Please try again.",
		"empty_submission":       "Please provide an answer before continuing.",
		"conversation_too_short": "Please exchange a few more messages before ending the conversation.",
		"session_completed":      "This session is already complete. Thank you for taking part.",
		"too_many_requests":      "Too many requests. Please slow down.",
	},
	"de": {
		"health.ok":              "ok",
		"missing_identifier":     "Bitte geben Sie Ihre Teilnehmer-ID ein.",
		"duplicate_identifier":   "Diese Teilnehmer-ID hat bereits an der Studie teilgenommen.",
		"store_unavailable":      "Die Studiendatenbank ist nicht erreichbar. Bitte versuchen Sie es gleich noch einmal.",
		"completion_failed":      "Der Gesprächspartner hat nicht geantwortet. Bitte versuchen Sie es erneut.",
		"empty_submission":       "Bitte geben Sie eine Antwort ein, bevor Sie fortfahren.",
		"conversation_too_short": "Bitte tauschen Sie noch einige Nachrichten aus, bevor Sie das Gespräch beenden.",
		"session_completed":      "Diese Sitzung ist bereits abgeschlossen. Vielen Dank für Ihre Teilnahme.",
		"too_many_requests":      "Zu viele Anfragen. Bitte etwas langsamer.",
	},
}

// SupportedLocales lists the locales T has strings for.
var SupportedLocales = []string{"en", "de"}

// T returns the translated string for key in locale; falls back to English.
func T(locale, key string) string {
	if m, ok := translations[locale]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if m, ok := translations["en"]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return key
}

// HasT reports whether key has a translation in any locale.
func HasT(key string) bool {
	_, ok := translations["en"][key]
	return ok
}
