package models

// Credentials is the per-organization connection bundle used by executors to
// reach the tenant directory. ClientSecret is only ever held in plaintext in
// memory.
type Credentials struct {
	ApplicationID         string
	ClientSecret          string
	CertificateThumbprint string
}
