package catalog

import "encoding/json"

// AuthType identifies how outbound requests to a system are authenticated
type AuthType string

const (
	AuthNone      AuthType = "none"
	AuthBearer    AuthType = "bearer"
	AuthAPIKey    AuthType = "api_key"
	AuthBasic     AuthType = "basic"
	AuthOAuth2    AuthType = "oauth2"
	AuthMutualTLS AuthType = "mutual_tls"
)

// AuthConfig describes the outbound authentication of one external system
type AuthConfig struct {
	Type         AuthType          `json:"auth_type" mapstructure:"auth_type"`
	CredentialID string            `json:"credential_id,omitempty" mapstructure:"credential_id"`
	Headers      map[string]string `json:"auth_headers,omitempty" mapstructure:"auth_headers"`
	TokenURL     string            `json:"token_url,omitempty" mapstructure:"token_url"`
	Scopes       []string          `json:"scopes,omitempty" mapstructure:"scopes"`
}

// System is an external service the agent can call
type System struct {
	ID      string     `json:"id"`
	Name    string     `json:"name,omitempty"`
	BaseURL string     `json:"base_url"`
	Auth    AuthConfig `json:"auth_config"`
}

// Endpoint is one callable HTTP operation on a system.
// Path may contain {param} placeholders that are substituted from the
// call's path parameters at request-build time.
type Endpoint struct {
	ID             string          `json:"id"`
	SystemID       string          `json:"system_id"`
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	RiskLevel      string          `json:"risk_level,omitempty"`
	BodySchema     json.RawMessage `json:"body_schema,omitempty"`
}

// Credential holds a secret value for a system. The value arrives here
// already decrypted by the credential store; for OAuth2 systems it is
// expected to decode as JSON {client_id, client_secret}.
type Credential struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// OAuthClientCredential is the decoded form of an OAuth2 credential value
type OAuthClientCredential struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}
