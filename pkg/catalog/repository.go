package catalog

import "context"

// Repository provides read access to the endpoint/system catalog.
// Lookups return (nil, nil) when the entity does not exist; a non-nil
// error is reserved for backend failures.
type Repository interface {
	GetEndpoint(ctx context.Context, endpointID string) (*Endpoint, error)
	GetSystem(ctx context.Context, systemID string) (*System, error)
}

// CredentialStore provides read access to decrypted system credentials.
// A missing credential is (nil, nil), same convention as Repository.
type CredentialStore interface {
	GetCredential(ctx context.Context, credentialID string) (*Credential, error)
}
