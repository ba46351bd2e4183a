package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/wolfeidau/caseflow/cmd/cli/internal/profiles"
)

// ProfileCmd manages local connection profiles.
type ProfileCmd struct {
	Add    ProfileAddCmd    `cmd:"" help:"Create or replace a profile"`
	List   ProfileListCmd   `cmd:"" help:"List profiles"`
	Use    ProfileUseCmd    `cmd:"" help:"Set the default profile"`
	Delete ProfileDeleteCmd `cmd:"" help:"Delete a profile"`
}

type ProfileAddCmd struct {
	Name           string   `arg:"" help:"Profile name"`
	ServerURL      string   `name:"url" required:"" help:"Server URL"`
	PrincipalID    string   `name:"as" help:"Principal ID sent with requests"`
	OrganizationID string   `name:"organization" help:"Organization ID sent with requests"`
	Roles          []string `name:"role" help:"Roles sent with requests (repeatable)"`
	Default        bool     `help:"Make this the default profile"`
}

func (a *ProfileAddCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := globals.profiles()
	if err != nil {
		return err
	}

	p, err := store.Save(profiles.Profile{
		Name:           a.Name,
		ServerURL:      a.ServerURL,
		PrincipalID:    a.PrincipalID,
		OrganizationID: a.OrganizationID,
		Roles:          a.Roles,
	})
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}

	if a.Default {
		if err := store.SetDefault(p.Name); err != nil {
			return err
		}
	}

	fmt.Fprintf(globals.out(), "Profile %s saved\n", p.Name)
	return nil
}

type ProfileListCmd struct{}

func (l *ProfileListCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := globals.profiles()
	if err != nil {
		return err
	}

	list, err := store.List()
	if err != nil {
		return err
	}

	w := globals.out()
	if globals.JSON {
		return printJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No profiles found.")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "To create one:")
		fmt.Fprintln(w, "  caseflow profile add <name> --url http://localhost:8080")
		return nil
	}

	defaultName, err := store.DefaultName()
	if err != nil {
		return err
	}

	tw := newTable(w)
	tw.AppendHeader(table.Row{"Name", "Server", "Principal", "Organization", "Roles", "Default"})
	for _, p := range list {
		isDefault := ""
		if p.Name == defaultName {
			isDefault = "*"
		}
		tw.AppendRow(table.Row{p.Name, p.ServerURL, p.PrincipalID, p.OrganizationID, strings.Join(p.Roles, ","), isDefault})
	}
	tw.Render()
	return nil
}

type ProfileUseCmd struct {
	Name string `arg:"" help:"Profile name"`
}

func (u *ProfileUseCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := globals.profiles()
	if err != nil {
		return err
	}
	if err := store.SetDefault(u.Name); err != nil {
		return fmt.Errorf("profile %q: %w", u.Name, err)
	}
	fmt.Fprintf(globals.out(), "Default profile set to %s\n", u.Name)
	return nil
}

type ProfileDeleteCmd struct {
	Name string `arg:"" help:"Profile name"`
}

func (d *ProfileDeleteCmd) Run(ctx context.Context, globals *Globals) error {
	store, err := globals.profiles()
	if err != nil {
		return err
	}
	if err := store.Delete(d.Name); err != nil {
		return fmt.Errorf("profile %q: %w", d.Name, err)
	}
	fmt.Fprintf(globals.out(), "Profile %s deleted\n", d.Name)
	return nil
}
