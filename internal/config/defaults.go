package config

// Public OAuth client used by the upstream IDE integration. Override with
// ANTIGRAVITY_CLIENT_ID / ANTIGRAVITY_CLIENT_SECRET.
const (
	defaultClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	defaultClientSecret = "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"
)
