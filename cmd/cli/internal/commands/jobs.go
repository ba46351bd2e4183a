package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/wolfeidau/caseflow/internal/client"
	"github.com/wolfeidau/caseflow/internal/models"
	"github.com/wolfeidau/caseflow/internal/progress"
	"github.com/wolfeidau/caseflow/internal/server"
	"gopkg.in/yaml.v3"
)

type JobsCmd struct {
	Submit JobsSubmitCmd `cmd:"" help:"Submit a job"`
	List   JobsListCmd   `cmd:"" help:"List jobs"`
	Get    JobsGetCmd    `cmd:"" help:"Show a job"`
	Cancel JobsCancelCmd `cmd:"" help:"Cancel a job"`
	Logs   JobsLogsCmd   `cmd:"" help:"Show job logs"`
}

// JobFile is the YAML form of a job submission.
type JobFile struct {
	Type       string         `yaml:"type"`
	Priority   string         `yaml:"priority"`
	Parameters map[string]any `yaml:"parameters"`
}

func loadJobFile(path string) (*JobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var jf JobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return &jf, nil
}

type JobsSubmitCmd struct {
	Type     string        `arg:"" optional:"" help:"Job type (extraction, analysis, connection_test, offboard)"`
	File     string        `short:"f" help:"YAML job file" type:"existingfile"`
	Params   string        `help:"Job parameters as a JSON object, merged over the job file"`
	Priority string        `help:"Job priority (critical, high, medium, low)"`
	Follow   bool          `help:"Follow the job log until it finishes"`
	Interval time.Duration `help:"Poll interval when following" default:"2s"`
}

func (s *JobsSubmitCmd) request() (server.CreateJobRequest, error) {
	jf := &JobFile{}
	if s.File != "" {
		var err error
		if jf, err = loadJobFile(s.File); err != nil {
			return server.CreateJobRequest{}, err
		}
	}

	req := server.CreateJobRequest{
		Type:       jf.Type,
		Priority:   jf.Priority,
		Parameters: jf.Parameters,
	}
	if s.Type != "" {
		req.Type = s.Type
	}
	if s.Priority != "" {
		req.Priority = s.Priority
	}
	if s.Params != "" {
		var params map[string]any
		if err := json.Unmarshal([]byte(s.Params), &params); err != nil {
			return req, fmt.Errorf("--params must be a JSON object: %w", err)
		}
		if req.Parameters == nil {
			req.Parameters = make(map[string]any, len(params))
		}
		maps.Copy(req.Parameters, params)
	}

	if req.Type == "" {
		return req, fmt.Errorf("job type is required (argument or type in --file)")
	}
	return req, nil
}

func (s *JobsSubmitCmd) Run(ctx context.Context, globals *Globals) error {
	req, err := s.request()
	if err != nil {
		return err
	}

	c, err := globals.Client()
	if err != nil {
		return err
	}

	job, err := c.SubmitJob(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}

	w := globals.out()
	if globals.JSON && !s.Follow {
		return printJSON(w, job)
	}
	fmt.Fprintf(w, "Job %s submitted (%s, %s)\n", job.ID, job.Type, job.Status)

	if s.Follow {
		return followLogs(ctx, c, w, job.ID, 0, s.Interval)
	}
	return nil
}

type JobsListCmd struct {
	Status   []string `help:"Filter by status (repeatable)"`
	Type     []string `help:"Filter by type (repeatable)"`
	Page     int      `help:"Page number" default:"1"`
	PageSize int      `help:"Jobs per page" default:"20"`
}

func (l *JobsListCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.Client()
	if err != nil {
		return err
	}

	page, err := c.ListJobs(ctx, client.JobFilter{
		Statuses: l.Status,
		Types:    l.Type,
		Page:     l.Page,
		PageSize: l.PageSize,
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	w := globals.out()
	if globals.JSON {
		return printJSON(w, page)
	}

	if len(page.Jobs) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return nil
	}

	tw := newTable(w)
	tw.AppendHeader(table.Row{"ID", "Type", "Status", "Priority", "Progress", "Message", "Created"})
	for _, j := range page.Jobs {
		msg := j.CurrentMessage
		if len(msg) > 40 {
			msg = msg[:37] + "..."
		}
		tw.AppendRow(table.Row{j.ID, j.Type, j.Status, j.Priority, fmt.Sprintf("%d%%", j.Progress), msg, formatTime(&j.CreatedAt)})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "Total", page.Total})
	tw.Render()

	if pages := (page.Total + page.PageSize - 1) / max(page.PageSize, 1); pages > page.Page {
		fmt.Fprintf(w, "Page %d/%d, use --page=%d to see the next page\n", page.Page, pages, page.Page+1)
	}
	return nil
}

type JobsGetCmd struct {
	JobID string `arg:"" help:"Job ID"`
}

func (g *JobsGetCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.Client()
	if err != nil {
		return err
	}

	job, err := c.GetJob(ctx, g.JobID)
	if err != nil {
		return err
	}

	w := globals.out()
	if globals.JSON {
		return printJSON(w, job)
	}
	printJob(w, job)
	return nil
}

type JobsCancelCmd struct {
	JobID string `arg:"" help:"Job ID"`
}

func (cc *JobsCancelCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.Client()
	if err != nil {
		return err
	}

	job, err := c.CancelJob(ctx, cc.JobID)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	w := globals.out()
	if globals.JSON {
		return printJSON(w, job)
	}
	fmt.Fprintf(w, "Job %s is %s\n", job.ID, job.Status)
	return nil
}

type JobsLogsCmd struct {
	JobID    string        `arg:"" help:"Job ID"`
	Since    int64         `help:"Only show entries after this sequence" default:"0"`
	Limit    int           `help:"Maximum entries to show, server default when 0" default:"0"`
	Follow   bool          `short:"F" help:"Keep polling until the job finishes"`
	Interval time.Duration `help:"Poll interval when following" default:"2s"`
}

func (l *JobsLogsCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := globals.Client()
	if err != nil {
		return err
	}

	w := globals.out()
	if l.Follow {
		return followLogs(ctx, c, w, l.JobID, l.Since, l.Interval)
	}

	logs, err := c.GetLogs(ctx, l.JobID, l.Since, l.Limit)
	if err != nil {
		return err
	}
	if globals.JSON {
		return printJSON(w, logs)
	}
	for _, e := range logs.Entries {
		printLogEntry(w, e)
	}
	return nil
}

// followLogs prints the log until the job is terminal and reports a failed
// job as an error so the exit status reflects it.
func followLogs(ctx context.Context, c *client.Client, w io.Writer, jobID string, since int64, interval time.Duration) error {
	snap, err := c.FollowLogs(ctx, jobID, since, interval, func(e server.LogEntryResponse) {
		printLogEntry(w, e)
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Job %s %s\n", jobID, snap.Status)
	if snap.Status == models.JobStatusFailed {
		return fmt.Errorf("job %s failed: %s", jobID, snap.Message)
	}
	printFlags(w, snap)
	return nil
}

func printLogEntry(w io.Writer, e server.LogEntryResponse) {
	fmt.Fprintf(w, "%s %-7s %s\n", e.Timestamp.Local().Format("15:04:05.000"), strings.ToUpper(e.Level), e.Message)
}

func printFlags(w io.Writer, snap *progress.Snapshot) {
	var raised []string
	for name, on := range snap.Flags {
		if on {
			raised = append(raised, name)
		}
	}
	if len(raised) > 0 {
		fmt.Fprintf(w, "Flags: %s\n", strings.Join(raised, ", "))
	}
}

func printJob(w io.Writer, j *server.JobResponse) {
	var duration any
	if j.DurationMS > 0 {
		duration = (time.Duration(j.DurationMS) * time.Millisecond).String()
	}
	printFields(w, [][2]any{
		{"ID", j.ID},
		{"Organization", j.OrganizationID},
		{"Type", j.Type},
		{"Status", j.Status},
		{"Priority", j.Priority},
		{"Progress", fmt.Sprintf("%d%%", j.Progress)},
		{"Message", j.CurrentMessage},
		{"Flags", compactJSON(j.Flags)},
		{"Parameters", compactJSON(j.Parameters)},
		{"Result", compactJSON(j.Result)},
		{"Not before", formatTime(j.NotBefore)},
		{"Created", formatTime(&j.CreatedAt)},
		{"Started", formatTime(j.StartedAt)},
		{"Completed", formatTime(j.CompletedAt)},
		{"Duration", duration},
	})
}
