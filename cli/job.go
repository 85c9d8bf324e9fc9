package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tnqbao/gau-forge/entity"
	"github.com/tnqbao/gau-forge/infra"
	"github.com/tnqbao/gau-forge/orchestrator"
	"github.com/tnqbao/gau-forge/progress"
	"github.com/tnqbao/gau-forge/repository"
)

// jobBackend is what the job commands need; connect builds it from the shared
// infra clients and tests replace it
type jobBackend struct {
	Repository   *repository.Repository
	Orchestrator *orchestrator.Orchestrator
}

type jobOptions struct {
	*rootOptions
	connect func() (*jobBackend, error)
}

func (o *jobOptions) connectInfra() (*jobBackend, error) {
	in := infra.InitInfra(o.cfg)
	repo := repository.InitRepository(in)
	orch, _, err := orchestrator.FromInfra(o.cfg, in, repo, orchestrator.RoleAPI)
	if err != nil {
		return nil, err
	}
	return &jobBackend{Repository: repo, Orchestrator: orch}, nil
}

func newJobCmd(root *rootOptions) *cobra.Command {
	opts := &jobOptions{rootOptions: root}
	opts.connect = opts.connectInfra
	return newJobCmdWith(opts)
}

func newJobCmdWith(opts *jobOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "List, inspect and cancel jobs",
	}

	var status, kind string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := repository.JobFilter{Status: entity.JobStatus(status), Kind: entity.JobKind(kind), Limit: limit}
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			if filter.Kind != "" && !filter.Kind.Valid() {
				return fmt.Errorf("unknown kind %q", kind)
			}
			b, err := opts.connect()
			if err != nil {
				return err
			}
			jobs, err := b.Repository.JobRepo.List(filter)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "only jobs with this status")
	list.Flags().StringVar(&kind, "kind", "", "only jobs of this kind (training, generation)")
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <job-id>",
		Short: "Show a job record and its live progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			b, err := opts.connect()
			if err != nil {
				return err
			}
			job, err := b.Repository.JobRepo.FindByID(id)
			if err != nil {
				return err
			}
			snapshot, err := b.Orchestrator.Publisher.Read(cmd.Context(), id)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to read live progress: %v\n", err)
			}
			printJob(cmd.OutOrStdout(), job, snapshot)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a pending or running job",
		Long: `Request cancellation of a job. A pending job is cancelled immediately; a
running job is stopped by its worker within the cancel poll interval plus the
grace period. Cancelling a finished job does nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			b, err := opts.connect()
			if err != nil {
				return err
			}
			if err := b.Orchestrator.Cancel(cmd.Context(), id); err != nil {
				return err
			}
			job, err := b.Repository.JobRepo.FindByID(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", job.ID, job.Status)
			return nil
		},
	})

	return cmd
}

func printJobs(w io.Writer, jobs []entity.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tPROGRESS\tCREATED")
	for _, job := range jobs {
		prog := ""
		if job.TotalSteps > 0 {
			prog = fmt.Sprintf("%d/%d (%d%%)", job.CurrentStep, job.TotalSteps, job.Percent)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", job.ID, job.Kind, job.Status, prog, humanize.Time(job.CreatedAt))
	}
	_ = tw.Flush()
}

func printJob(w io.Writer, job *entity.Job, snapshot *progress.Snapshot) {
	fmt.Fprintf(w, "Job: %s\n", job.ID)
	if job.Name != "" {
		fmt.Fprintf(w, "  Name: %s\n", job.Name)
	}
	fmt.Fprintf(w, "  Kind: %s\n", job.Kind)
	fmt.Fprintf(w, "  Status: %s\n", job.Status)
	if job.TotalSteps > 0 {
		fmt.Fprintf(w, "  Progress: %d/%d (%d%%)\n", job.CurrentStep, job.TotalSteps, job.Percent)
	}
	if job.CurrentMetric != nil {
		fmt.Fprintf(w, "  Loss: %.4f\n", *job.CurrentMetric)
	}
	if job.ModelKey != "" {
		fmt.Fprintf(w, "  Model: %s\n", job.ModelKey)
	}
	fmt.Fprintf(w, "  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Fprintf(w, "  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.Error != nil {
		fmt.Fprintf(w, "  Error: %s\n", *job.Error)
	}
	for _, ref := range job.ResultRefs {
		fmt.Fprintf(w, "  Result: %s\n", ref)
	}
	if snapshot != nil && !job.Status.Terminal() {
		fmt.Fprintf(w, "  Live: step %d/%d %s (%s)\n", snapshot.CurrentStep, snapshot.TotalSteps, snapshot.Message, humanize.Time(snapshot.UpdatedAt))
	}
}
