package session

import "strings"

const promptFingerprintChars = 50

// Fingerprint derives the deduplication key for a request. URL requests key
// on the URL; prompt requests key on the mode plus the first 50 characters of
// the prompt, so long prompts sharing a prefix collide.
func Fingerprint(mode string, prompt string, url string) string {
	if url = strings.TrimSpace(url); url != "" {
		return "url:" + url
	}
	runes := []rune(prompt)
	if len(runes) > promptFingerprintChars {
		runes = runes[:promptFingerprintChars]
	}
	return mode + ":" + string(runes)
}
