package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/queue"
	"github.com/cuongbtq/pgqueue/internal/worker"
	"github.com/cuongbtq/pgqueue/migrations"
)

func migrateCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (all of them unless --steps is given)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.migrate(cmd, func(m *migrate.Migrate) error {
				if steps > 0 {
					return m.Steps(-steps)
				}
				return m.Down()
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 0, "Number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return e.migrate(cmd, func(m *migrate.Migrate) error { return m.Up() })
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return e.migrate(cmd, func(m *migrate.Migrate) error {
					v, dirty, err := m.Version()
					if errors.Is(err, migrate.ErrNilVersion) {
						fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
						return nil
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

func (e *env) migrate(cmd *cobra.Command, fn func(m *migrate.Migrate) error) error {
	return e.with(func(s *session) error {
		if s.db == nil {
			return fmt.Errorf("migrations need a database connection")
		}
		m, err := migrations.NewMigrator(s.db)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	})
}

func enqueueCmd(e *env) *cobra.Command {
	var (
		args, kwargs string
		in, timeout  string
		serial       bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue QUEUE FUNC",
		Short: "Put a job on a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, pos []string) error {
			var (
				a  []any
				kw map[string]any
			)
			if args != "" {
				if err := json.Unmarshal([]byte(args), &a); err != nil {
					return fmt.Errorf("--args must be a JSON array: %w", err)
				}
			}
			if kwargs != "" {
				if err := json.Unmarshal([]byte(kwargs), &kw); err != nil {
					return fmt.Errorf("--kwargs must be a JSON object: %w", err)
				}
			}
			var opts []queue.JobOption
			if timeout != "" {
				d, err := time.ParseDuration(timeout)
				if err != nil {
					return fmt.Errorf("invalid --timeout: %w", err)
				}
				opts = append(opts, queue.WithTimeout(d))
			}
			var delay time.Duration
			if in != "" {
				d, err := time.ParseDuration(in)
				if err != nil {
					return fmt.Errorf("invalid --in: %w", err)
				}
				delay = d
			}

			return e.with(func(s *session) error {
				ctx := cmd.Context()
				open := s.mgr.Get
				if serial {
					open = s.mgr.Serial
				}
				q, err := open(ctx, pos[0])
				if err != nil {
					return err
				}
				j, err := q.Schedule(ctx, s.mgr.Now().Add(delay), pos[1], a, kw, opts...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s %s\n", j.ID, j.UUID, j.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&args, "args", "", "Positional arguments as a JSON array")
	cmd.Flags().StringVar(&kwargs, "kwargs", "", "Keyword arguments as a JSON object")
	cmd.Flags().StringVar(&in, "in", "", "Delay before the job is due")
	cmd.Flags().StringVar(&timeout, "timeout", "", "Execution timeout")
	cmd.Flags().BoolVar(&serial, "serial", false, "Create the queue as a serial queue")
	return cmd
}

func failedCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect and requeue failed jobs",
	}

	var after int64
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the failed queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.with(func(s *session) error {
				fq, err := s.mgr.Failed(cmd.Context())
				if err != nil {
					return err
				}
				jobs, err := fq.List(cmd.Context(), after, limit)
				if err != nil {
					return err
				}
				printJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}
	list.Flags().Int64Var(&after, "after", 0, "Only list jobs with a larger id")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum number of jobs")

	var all bool
	requeue := &cobra.Command{
		Use:   "requeue [ID...]",
		Short: "Move failed jobs back to their origin queue",
		RunE: func(cmd *cobra.Command, ids []string) error {
			if all == (len(ids) > 0) {
				return fmt.Errorf("pass job ids or --all")
			}
			return e.with(func(s *session) error {
				fq, err := s.mgr.Failed(cmd.Context())
				if err != nil {
					return err
				}
				if all {
					n, err := fq.RequeueAll(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "requeued %d jobs\n", n)
					return nil
				}
				for _, raw := range ids {
					id, err := strconv.ParseInt(raw, 10, 64)
					if err != nil {
						return fmt.Errorf("invalid job id %q", raw)
					}
					j, err := fq.Requeue(cmd.Context(), id)
					if err != nil {
						return fmt.Errorf("job %d: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "requeued %d to %s\n", j.ID, j.Queue)
				}
				return nil
			})
		},
	}
	requeue.Flags().BoolVar(&all, "all", false, "Requeue every failed job")

	clearFailed := &cobra.Command{
		Use:   "clear",
		Short: "Delete every job in the failed queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.with(func(s *session) error {
				fq, err := s.mgr.Failed(cmd.Context())
				if err != nil {
					return err
				}
				n, err := fq.Clear(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(list, requeue, clearFailed)
	return cmd
}

func workersCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.with(func(s *session) error {
				workers, err := s.store.ListWorkers(cmd.Context())
				if err != nil {
					return err
				}
				now := s.mgr.Now()
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tQUEUES\tHEARTBEAT\tALIVE\tSTOP")
				for _, w := range workers {
					fmt.Fprintf(tw, "%s\t%v\t%s\t%t\t%t\n",
						w.Name, w.QueueNames, w.Heartbeat.Format(time.RFC3339), w.Alive(now), w.Stop)
				}
				return tw.Flush()
			})
		},
	}
}

func stopCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stop WORKER",
		Short: "Ask a worker to stop after its current job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			return e.with(func(s *session) error {
				if err := worker.RequestStop(cmd.Context(), s.store, s.mgr.Publisher(), pos[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %s\n", pos[0])
				return nil
			})
		},
	}
}

func pruneCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove registrations of workers whose lease expired",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.with(func(s *session) error {
				n, err := worker.PruneWorkers(cmd.Context(), s.store, s.mgr.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d workers\n", n)
				return nil
			})
		},
	}
}

func sweepCmd(e *env) *cobra.Command {
	var queues []string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete jobs and flows whose retention has run out",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.with(func(s *session) error {
				res, err := s.store.SweepExpired(cmd.Context(), queues, s.mgr.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs, %d flows\n", res.Jobs, res.Flows)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queue", nil, "Only sweep jobs that originated in these queues")
	return cmd
}

func clearCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "clear QUEUE",
		Short: "Delete every job waiting in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, pos []string) error {
			return e.with(func(s *session) error {
				q, err := s.mgr.Lookup(cmd.Context(), pos[0])
				if err != nil {
					return err
				}
				n, err := q.Clear(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs\n", n)
				return nil
			})
		},
	}
}

func printJobs(out io.Writer, jobs []*domain.Job) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tORIGIN\tJOB\tENDED\tERROR")
	for _, j := range jobs {
		ended := ""
		if j.EndedAt != nil {
			ended = j.EndedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", j.ID, j.Origin, j.Description, ended, j.ExcInfo)
	}
	tw.Flush()
}
