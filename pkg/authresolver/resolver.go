package authresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/fireflyresearch/firefly-desk/internal/metrics"
	"github.com/fireflyresearch/firefly-desk/pkg/catalog"
)

// defaultAPIKeyHeader is used when an api_key system configures no
// header name of its own.
const defaultAPIKeyHeader = "X-Api-Key"

// defaultTokenTTL applies when a token endpoint omits expires_in
const defaultTokenTTL = time.Hour

// CredentialNotFoundError indicates a system references a credential
// that the credential store does not have.
type CredentialNotFoundError struct {
	CredentialID string
}

func (e *CredentialNotFoundError) Error() string {
	return fmt.Sprintf("credential %s not found", e.CredentialID)
}

// Resolver derives the outbound HTTP headers needed to authenticate to
// an external system. It owns the process-lifetime token cache used for
// OAuth2 client-credentials tokens.
type Resolver struct {
	credentials catalog.CredentialStore
	httpClient  *http.Client
	cache       *TokenCache
	metrics     *metrics.Metrics
}

// New creates a resolver backed by the given credential store
func New(credentials catalog.CredentialStore) *Resolver {
	return &Resolver{
		credentials: credentials,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		cache:       NewTokenCache(),
	}
}

// SetHTTPClient sets the client used for token exchanges. A nil client
// disables exchanges; OAuth2 systems then fall back to treating the raw
// credential as a bearer token.
func (r *Resolver) SetHTTPClient(client *http.Client) {
	r.httpClient = client
}

// SetMetrics enables auth-resolution metrics
func (r *Resolver) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Cache returns the resolver's token cache
func (r *Resolver) Cache() *TokenCache {
	return r.cache
}

// ResolveHeaders returns the header map to attach to a request bound
// for system. The only error it returns is CredentialNotFoundError,
// raised when a required credential is missing; every other problem is
// absorbed into a fallback header set.
func (r *Resolver) ResolveHeaders(ctx context.Context, system *catalog.System) (map[string]string, error) {
	headers, err := r.resolve(ctx, system)
	if r.metrics != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		r.metrics.AuthResolutionsTotal.WithLabelValues(string(system.Auth.Type), status).Inc()
	}
	return headers, err
}

func (r *Resolver) resolve(ctx context.Context, system *catalog.System) (map[string]string, error) {
	auth := system.Auth

	switch auth.Type {
	case "", catalog.AuthNone:
		return map[string]string{}, nil

	case catalog.AuthBearer:
		cred, err := r.fetchCredential(ctx, auth.CredentialID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"Authorization": "Bearer " + cred.Value}, nil

	case catalog.AuthAPIKey:
		cred, err := r.fetchCredential(ctx, auth.CredentialID)
		if err != nil {
			return nil, err
		}
		return map[string]string{apiKeyHeader(auth.Headers): cred.Value}, nil

	case catalog.AuthBasic:
		// The stored value is already base64-encoded user:pass
		cred, err := r.fetchCredential(ctx, auth.CredentialID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"Authorization": "Basic " + cred.Value}, nil

	case catalog.AuthOAuth2:
		return r.resolveOAuth2(ctx, system)

	case catalog.AuthMutualTLS:
		// Certificates are handled at the transport layer; only the
		// configured headers pass through here.
		headers := make(map[string]string, len(auth.Headers))
		for k, v := range auth.Headers {
			headers[k] = v
		}
		return headers, nil

	default:
		log.Warn().
			Str("system_id", system.ID).
			Str("auth_type", string(auth.Type)).
			Msg("Unknown auth type, sending request unauthenticated")
		return map[string]string{}, nil
	}
}

// fetchCredential looks up a credential and converts absence into
// CredentialNotFoundError.
func (r *Resolver) fetchCredential(ctx context.Context, credentialID string) (*catalog.Credential, error) {
	cred, err := r.credentials.GetCredential(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("credential lookup failed: %w", err)
	}
	if cred == nil {
		return nil, &CredentialNotFoundError{CredentialID: credentialID}
	}
	return cred, nil
}

// resolveOAuth2 performs the client-credentials flow. Any failure past
// the credential lookup degrades to the raw credential value used as a
// bearer token rather than an error.
func (r *Resolver) resolveOAuth2(ctx context.Context, system *catalog.System) (map[string]string, error) {
	cred, err := r.fetchCredential(ctx, system.Auth.CredentialID)
	if err != nil {
		return nil, err
	}

	fallback := map[string]string{"Authorization": "Bearer " + cred.Value}

	var client catalog.OAuthClientCredential
	if system.Auth.TokenURL == "" || r.httpClient == nil ||
		json.Unmarshal([]byte(cred.Value), &client) != nil {
		return fallback, nil
	}

	cacheKey := system.ID + ":" + system.Auth.TokenURL
	if token, ok := r.cache.Get(cacheKey); ok {
		if r.metrics != nil {
			r.metrics.TokenCacheHitsTotal.Inc()
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	}
	if r.metrics != nil {
		r.metrics.TokenCacheMissesTotal.Inc()
	}

	conf := &clientcredentials.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		TokenURL:     system.Auth.TokenURL,
		Scopes:       system.Auth.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	token, err := conf.Token(context.WithValue(ctx, oauth2.HTTPClient, r.httpClient))
	if err != nil || token.AccessToken == "" {
		log.Warn().
			Str("system_id", system.ID).
			Str("token_url", system.Auth.TokenURL).
			Err(err).
			Msg("OAuth2 token exchange failed, falling back to raw credential")
		if r.metrics != nil {
			r.metrics.TokenExchangesTotal.WithLabelValues("failure").Inc()
		}
		return fallback, nil
	}

	ttl := defaultTokenTTL
	if !token.Expiry.IsZero() {
		ttl = time.Until(token.Expiry)
	}
	r.cache.Put(cacheKey, token.AccessToken, ttl)

	log.Debug().
		Str("system_id", system.ID).
		Dur("ttl", ttl).
		Msg("OAuth2 token acquired")
	if r.metrics != nil {
		r.metrics.TokenExchangesTotal.WithLabelValues("success").Inc()
	}

	return map[string]string{"Authorization": "Bearer " + token.AccessToken}, nil
}

// apiKeyHeader picks the header name for an api_key system. Header
// names are sorted so the choice is stable when several are configured.
func apiKeyHeader(headers map[string]string) string {
	if len(headers) == 0 {
		return defaultAPIKeyHeader
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}
