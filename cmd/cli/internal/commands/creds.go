package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/caseflow/internal/server"
	"github.com/wolfeidau/caseflow/internal/vault"
)

// CredsCmd manages the cloud credentials an organization's extraction jobs
// run with.
type CredsCmd struct {
	Set CredsSetCmd `cmd:"" help:"Replace organization credentials"`
	Get CredsGetCmd `cmd:"" help:"Show organization credentials"`
}

type CredsSetCmd struct {
	OrgID                 string `arg:"" help:"Organization ID"`
	ApplicationID         string `required:"" help:"Application (client) ID"`
	ClientSecret          string `help:"Client secret" env:"CASEFLOW_CLIENT_SECRET"`
	CertificateThumbprint string `help:"Certificate thumbprint"`
}

func (s *CredsSetCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.Client()
	if err != nil {
		return err
	}

	view, err := c.PutCredentials(ctx, s.OrgID, server.CredentialsRequest{
		ApplicationID:         s.ApplicationID,
		ClientSecret:          s.ClientSecret,
		CertificateThumbprint: s.CertificateThumbprint,
	})
	if err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return printCredentials(globals, view)
}

type CredsGetCmd struct {
	OrgID  string `arg:"" help:"Organization ID"`
	Reveal bool   `help:"Show secrets in plain text (requires credentials:reveal)"`
}

func (g *CredsGetCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.Client()
	if err != nil {
		return err
	}

	view, err := c.GetCredentials(ctx, g.OrgID, g.Reveal)
	if err != nil {
		return err
	}
	return printCredentials(globals, view)
}

func printCredentials(globals *Globals, view *vault.CredentialView) error {
	w := globals.out()
	if globals.JSON {
		return printJSON(w, view)
	}
	if !view.Configured {
		fmt.Fprintf(w, "No credentials configured for %s\n", view.OrganizationID)
		return nil
	}

	printFields(w, [][2]any{
		{"Organization", view.OrganizationID.String()},
		{"Application ID", view.ApplicationID},
		{"Client secret", view.ClientSecret},
		{"Certificate thumbprint", view.CertificateThumbprint},
	})
	return nil
}
