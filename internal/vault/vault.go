// Package vault seals per-organization connection credentials and produces
// masked or revealed views of them.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/store"
	"github.com/wolfeidau/caseflow/internal/telemetry"
)

// MaskToken replaces secret values in masked views.
const MaskToken = "[configured]"

// sealedBundle is the persisted form of models.Credentials.
type sealedBundle struct {
	ApplicationID         string `json:"applicationId"`
	ClientSecret          string `json:"clientSecret,omitempty"` // envelope
	CertificateThumbprint string `json:"certificateThumbprint,omitempty"`
}

// CredentialView is what callers see. In a masked view secret fields hold
// MaskToken when present and are empty otherwise.
type CredentialView struct {
	OrganizationID           uuid.UUID `json:"organizationId"`
	Configured               bool      `json:"configured"`
	ApplicationID            string    `json:"applicationId"`
	ClientSecret             string    `json:"clientSecret"`
	CertificateThumbprint    string    `json:"certificateThumbprint"`
	HasClientSecret          bool      `json:"hasClientSecret"`
	HasCertificateThumbprint bool      `json:"hasCertificateThumbprint"`
	Revealed                 bool      `json:"revealed"`
}

// RetrieveOptions controls whether secrets are decrypted.
type RetrieveOptions struct {
	Reveal bool
}

// Vault stores credentials on the organization record.
type Vault struct {
	orgs   store.OrganizationStore
	cipher *Cipher
}

// New creates a vault sealing with cipher.
func New(orgs store.OrganizationStore, cipher *Cipher) *Vault {
	return &Vault{orgs: orgs, cipher: cipher}
}

// Store validates, seals and replaces the organization's credentials as one
// record swap. Fields left empty are cleared, never merged from the previous
// bundle.
func (v *Vault) Store(ctx context.Context, orgID uuid.UUID, creds models.Credentials) error {
	creds.ApplicationID = strings.TrimSpace(creds.ApplicationID)
	creds.CertificateThumbprint = strings.TrimSpace(creds.CertificateThumbprint)

	if creds.ApplicationID == "" {
		return errs.Validation("applicationId", "is required")
	}
	if creds.ClientSecret == "" && creds.CertificateThumbprint == "" {
		return errs.Validation("clientSecret", "a client secret or certificate thumbprint is required")
	}

	if _, err := v.orgs.Get(ctx, orgID); err != nil {
		return err
	}

	bundle := sealedBundle{
		ApplicationID:         creds.ApplicationID,
		CertificateThumbprint: creds.CertificateThumbprint,
	}
	if creds.ClientSecret != "" {
		sealed, err := v.cipher.Seal([]byte(creds.ClientSecret), orgID[:])
		if err != nil {
			return fmt.Errorf("failed to seal client secret: %w", err)
		}
		bundle.ClientSecret = sealed
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	if err := v.orgs.UpdateCredentials(ctx, orgID, data); err != nil {
		return err
	}

	log.Info().
		Str("org_id", orgID.String()).
		Bool("client_secret", bundle.ClientSecret != "").
		Bool("certificate_thumbprint", bundle.CertificateThumbprint != "").
		Msg("Stored organization credentials")

	return nil
}

// Retrieve returns the masked view, or the decrypted view when opts.Reveal is
// set. Authorization for revealing is the caller's responsibility.
func (v *Vault) Retrieve(ctx context.Context, orgID uuid.UUID, opts RetrieveOptions) (*CredentialView, error) {
	org, err := v.orgs.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}

	view := &CredentialView{OrganizationID: orgID, Revealed: opts.Reveal}
	if len(org.Credentials) == 0 {
		return view, nil
	}

	var bundle sealedBundle
	if err := json.Unmarshal(org.Credentials, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}

	view.Configured = true
	view.ApplicationID = bundle.ApplicationID
	view.HasClientSecret = bundle.ClientSecret != ""
	view.HasCertificateThumbprint = bundle.CertificateThumbprint != ""

	if !opts.Reveal {
		view.ClientSecret = mask(view.HasClientSecret)
		view.CertificateThumbprint = mask(view.HasCertificateThumbprint)
		return view, nil
	}

	if view.HasClientSecret {
		secret, err := v.cipher.Open(bundle.ClientSecret, orgID[:])
		if err != nil {
			return nil, fmt.Errorf("failed to open client secret: %w", err)
		}
		view.ClientSecret = string(secret)
	}
	view.CertificateThumbprint = bundle.CertificateThumbprint

	telemetry.GetMetrics().CredentialRevealsTotal.Add(ctx, 1)
	log.Info().Str("org_id", orgID.String()).Msg("Revealed organization credentials")

	return view, nil
}

func mask(present bool) string {
	if present {
		return MaskToken
	}
	return ""
}
