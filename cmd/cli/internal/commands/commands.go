package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/wolfeidau/caseflow/cmd/cli/internal/profiles"
	"github.com/wolfeidau/caseflow/internal/client"
)

// Globals are the flags shared by every command. Explicit flags override
// the selected profile.
type Globals struct {
	Debug   bool
	Version string
	JSON    bool

	Server     string
	Profile    string
	ProfileDir string
	Principal  string
	Org        string
	Roles      []string

	// Stdout receives command output, os.Stdout when nil.
	Stdout io.Writer
}

func (g *Globals) out() io.Writer {
	if g.Stdout == nil {
		return os.Stdout
	}
	return g.Stdout
}

func (g *Globals) profiles() (*profiles.Store, error) {
	store, err := profiles.NewStore(g.ProfileDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize profile store: %w", err)
	}
	return store, nil
}

func (g *Globals) clientConfig() (client.Config, error) {
	cfg := client.DefaultConfig()
	cfg.Debug = g.Debug

	store, err := g.profiles()
	if err != nil {
		return cfg, err
	}

	var p *profiles.Profile
	if g.Profile != "" {
		p, err = store.Get(g.Profile)
		if err != nil {
			return cfg, fmt.Errorf("profile %q: %w", g.Profile, err)
		}
	} else {
		p, err = store.GetDefault()
		if err != nil && !errors.Is(err, profiles.ErrNoDefaultProfile) {
			return cfg, err
		}
	}

	if p != nil {
		if p.ServerURL != "" {
			cfg.ServerURL = p.ServerURL
		}
		cfg.PrincipalID = p.PrincipalID
		cfg.OrganizationID = p.OrganizationID
		cfg.Roles = p.Roles
	}

	if g.Server != "" {
		cfg.ServerURL = g.Server
	}
	if g.Principal != "" {
		cfg.PrincipalID = g.Principal
	}
	if g.Org != "" {
		cfg.OrganizationID = g.Org
	}
	if len(g.Roles) > 0 {
		cfg.Roles = g.Roles
	}

	return cfg, nil
}

// Client builds an API client from the profile and flags.
func (g *Globals) Client() (*client.Client, error) {
	cfg, err := g.clientConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
}

// printFields renders key/value pairs, skipping empty values.
func printFields(w io.Writer, rows [][2]any) {
	tw := newTable(w)
	for _, r := range rows {
		if r[1] == nil || r[1] == "" {
			continue
		}
		tw.AppendRow(table.Row{r[0], r[1]})
	}
	tw.Render()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func compactJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" || string(b) == "{}" {
		return ""
	}
	return string(b)
}
