package security

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Validation patterns
var (
	// Asset pattern: tickers and pairs such as BTCUSD, XAU/USD, ES-2026M
	assetPattern = regexp.MustCompile(`^[A-Za-z0-9./_-]{1,32}$`)

	// Identifier pattern: proposal, position, agent and request ids
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

	// Actor pattern: a reviewer name or handle
	actorPattern = regexp.MustCompile(`^[A-Za-z0-9_.@ -]{1,64}$`)

	// Secret patterns for masking (not validation)
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(token|key|secret|signature|sig)=([^&\s]+)`),
		regexp.MustCompile(`([A-Za-z0-9_-]{24,})`),
	}
)

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// InputValidator checks identifiers that reach logs, the journal and the audit trail.
type InputValidator struct {
	strictMode bool
}

// NewInputValidator creates a new input validator. In strict mode an empty
// agent id is rejected.
func NewInputValidator(strictMode bool) *InputValidator {
	return &InputValidator{strictMode: strictMode}
}

// ValidateAsset validates an asset symbol.
func (v *InputValidator) ValidateAsset(asset string) error {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return &ValidationError{Field: "asset", Value: asset, Message: "asset cannot be empty"}
	}
	if !assetPattern.MatchString(asset) {
		return &ValidationError{Field: "asset", Value: asset, Message: "invalid asset format"}
	}
	return nil
}

// ValidateIdentifier validates an id field.
func (v *InputValidator) ValidateIdentifier(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Value: id, Message: "cannot be empty"}
	}
	if !identifierPattern.MatchString(id) {
		return &ValidationError{Field: field, Value: id, Message: "invalid identifier format"}
	}
	return nil
}

// ValidateAgentID validates the proposing agent's id.
func (v *InputValidator) ValidateAgentID(id string) error {
	if id == "" && !v.strictMode {
		return nil
	}
	return v.ValidateIdentifier("agent_id", id)
}

// ValidateActor validates the reviewer resolving a request.
func (v *InputValidator) ValidateActor(actor string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return &ValidationError{Field: "actor", Value: actor, Message: "actor cannot be empty"}
	}
	if !actorPattern.MatchString(actor) {
		return &ValidationError{Field: "actor", Value: actor, Message: "invalid actor format"}
	}
	return nil
}

// SanitizeText removes control characters from free-form text.
func SanitizeText(text string) string {
	var result strings.Builder
	for _, r := range text {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// MaskSensitive masks tokens and secrets in a string.
func MaskSensitive(input string) string {
	result := secretPatterns[0].ReplaceAllString(input, "$1=****")
	return secretPatterns[1].ReplaceAllStringFunc(result, MaskCredential)
}

// MaskURL hides the credentials, path and query of a URL and keeps scheme and host.
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return MaskCredential(raw)
	}
	masked := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		masked += "/****"
	}
	return masked
}

// MaskCredential masks a credential value for logging.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
