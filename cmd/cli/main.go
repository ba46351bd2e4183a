package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/caseflow/cmd/cli/internal/commands"
	"github.com/wolfeidau/caseflow/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Jobs     commands.JobsCmd    `cmd:"" help:"Submit and inspect jobs"`
		Org      commands.OrgCmd     `cmd:"" help:"Manage organizations and their lifecycle"`
		Creds    commands.CredsCmd   `cmd:"" help:"Manage organization credentials"`
		Profiles commands.ProfileCmd `cmd:"" name:"profile" help:"Manage connection profiles"`

		Server     string   `help:"Server URL, overrides the profile" env:"CASEFLOW_SERVER"`
		Profile    string   `help:"Profile to use instead of the default" env:"CASEFLOW_PROFILE"`
		ProfileDir string   `help:"Profile directory" default:"" env:"CASEFLOW_PROFILE_DIR" hidden:""`
		As         string   `help:"Principal ID, overrides the profile" env:"CASEFLOW_PRINCIPAL"`
		OrgID      string   `name:"org-id" help:"Organization ID, overrides the profile" env:"CASEFLOW_ORG_ID"`
		Roles      []string `name:"role" help:"Roles, override the profile (repeatable)" env:"CASEFLOW_ROLES"`
		JSON       bool     `help:"Output JSON"`
		Debug      bool     `help:"Enable debug mode."`
		Version    kong.VersionFlag
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("caseflow"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	log.Logger = logger.Setup(cli.Debug)

	err := cmd.Run(&commands.Globals{
		Debug:      cli.Debug,
		Version:    version,
		JSON:       cli.JSON,
		Server:     cli.Server,
		Profile:    cli.Profile,
		ProfileDir: cli.ProfileDir,
		Principal:  cli.As,
		Org:        cli.OrgID,
		Roles:      cli.Roles,
	})
	cmd.FatalIfErrorf(err)
}
