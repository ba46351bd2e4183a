package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/wolfeidau/caseflow/internal/server"
)

type OrgCmd struct {
	Register OrgRegisterCmd `cmd:"" help:"Register an organization"`
	Get      OrgGetCmd      `cmd:"" help:"Show an organization"`
	Offboard OrgOffboardCmd `cmd:"" help:"Schedule an organization for offboarding"`
	Restore  OrgRestoreCmd  `cmd:"" help:"Cancel a scheduled offboard"`
	Purge    OrgPurgeCmd    `cmd:"" help:"Purge all organization data now (irreversible)"`
	Cleanup  OrgCleanupCmd  `cmd:"" help:"Show the purge cleanup record"`
}

type OrgRegisterCmd struct {
	Name      string `arg:"" help:"Organization name"`
	Domain    string `help:"Primary domain"`
	GraceDays int    `help:"Grace period in days before an offboard purge, server default when 0" default:"0"`
}

func (r *OrgRegisterCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.Client()
	if err != nil {
		return err
	}

	org, err := c.RegisterOrganization(ctx, server.RegisterOrganizationRequest{
		Name:            r.Name,
		Domain:          r.Domain,
		GracePeriodDays: r.GraceDays,
	})
	if err != nil {
		return fmt.Errorf("failed to register organization: %w", err)
	}

	return printOrganization(globals, org)
}

type OrgGetCmd struct {
	OrgID string `arg:"" help:"Organization ID"`
}

func (g *OrgGetCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.Client()
	if err != nil {
		return err
	}

	org, err := c.GetOrganization(ctx, g.OrgID)
	if err != nil {
		return err
	}
	return printOrganization(globals, org)
}

type OrgOffboardCmd struct {
	OrgID     string `arg:"" help:"Organization ID"`
	GraceDays int    `help:"Days until the purge, the organization's grace period when 0" default:"0"`
	Reason    string `help:"Reason recorded with the schedule"`
}

func (o *OrgOffboardCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.Client()
	if err != nil {
		return err
	}

	resp, err := c.Offboard(ctx, o.OrgID, server.OffboardRequest{GraceDays: o.GraceDays, Reason: o.Reason})
	if err != nil {
		return fmt.Errorf("failed to schedule offboard: %w", err)
	}

	w := globals.out()
	if globals.JSON {
		return printJSON(w, resp)
	}
	fmt.Fprintf(w, "Organization %s deactivated, purge scheduled for %s\n", resp.OrganizationID, formatTime(&resp.OffboardAt))
	return nil
}

type OrgRestoreCmd struct {
	OrgID string `arg:"" help:"Organization ID"`
}

func (r *OrgRestoreCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.Client()
	if err != nil {
		return err
	}

	org, err := c.Restore(ctx, r.OrgID)
	if err != nil {
		return fmt.Errorf("failed to restore organization: %w", err)
	}
	return printOrganization(globals, org)
}

type OrgPurgeCmd struct {
	OrgID   string `arg:"" help:"Organization ID"`
	Confirm string `required:"" help:"Repeat the organization ID to confirm"`
	Force   bool   `help:"Cancel active extraction and analysis jobs instead of refusing"`
}

func (p *OrgPurgeCmd) Run(ctx context.Context, globals *Globals) error {
	if p.Confirm != p.OrgID {
		return fmt.Errorf("--confirm must repeat the organization id %s", p.OrgID)
	}

	c, err := globals.Client()
	if err != nil {
		return err
	}

	resp, err := c.Purge(ctx, p.OrgID, p.Confirm, p.Force)
	if err != nil {
		return fmt.Errorf("failed to purge organization: %w", err)
	}

	w := globals.out()
	if globals.JSON {
		return printJSON(w, resp)
	}
	fmt.Fprintf(w, "Purge of %s accepted as job %s\n", resp.OrganizationID, resp.JobID)
	return nil
}

type OrgCleanupCmd struct {
	OrgID string `arg:"" help:"Organization ID"`
}

func (cc *OrgCleanupCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.Client()
	if err != nil {
		return err
	}

	rec, err := c.Cleanup(ctx, cc.OrgID)
	if err != nil {
		return err
	}

	w := globals.out()
	if globals.JSON {
		return printJSON(w, rec)
	}
	printCleanup(w, rec)
	return nil
}

func printOrganization(globals *Globals, org *server.OrganizationResponse) error {
	w := globals.out()
	if globals.JSON {
		return printJSON(w, org)
	}

	status := "active"
	if !org.Active {
		status = "inactive"
	}
	printFields(w, [][2]any{
		{"ID", org.ID},
		{"Name", org.Name},
		{"Domain", org.Domain},
		{"Status", status},
		{"Grace period", fmt.Sprintf("%d days", org.GracePeriodDays)},
		{"Credentials", fmt.Sprintf("%t", org.HasCredentials)},
		{"Offboard at", formatTime(org.OffboardScheduledAt)},
		{"Offboard reason", org.OffboardReason},
		{"Purge job", org.PurgeJobID},
		{"Created", formatTime(&org.CreatedAt)},
	})
	return nil
}

func printCleanup(w io.Writer, rec *server.CleanupResponse) {
	fmt.Fprintf(w, "Cleanup of %s: %s (started %s)\n", rec.OrganizationID, rec.Status, formatTime(&rec.StartedAt))

	tw := newTable(w)
	tw.AppendHeader(table.Row{"Service", "Status", "Attempts", "Reason", "Updated"})
	for _, s := range rec.Steps {
		tw.AppendRow(table.Row{s.Service, s.Status, s.Attempts, s.Reason, formatTime(&s.UpdatedAt)})
	}
	tw.Render()
}
