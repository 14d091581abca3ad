package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/peterbourgon/ff/v4"

	"github.com/zombor/invoice-pipeline/internal/invoice"
	"github.com/zombor/invoice-pipeline/internal/pipeline"
)

func (r *root) serveCommand() *ff.Command {
	fs := ff.NewFlagSet("serve").SetParent(r.flags)
	engine := addEngineFlags(fs)
	return &ff.Command{
		Name:      "serve",
		Usage:     "invoicepipe serve [FLAGS]",
		ShortHelp: "process queued jobs until interrupted",
		Flags:     fs,
		Exec: r.exec(func(ctx context.Context, args []string) error {
			a, err := r.open(ctx, engine)
			if err != nil {
				return err
			}
			defer a.Close()

			slog.Info("Serving", "db", *r.dbPath, "engine", *engine.engine)
			err = a.orch.Run(ctx)
			slog.Info("Shutting down...")
			return err
		}),
	}
}

func (r *root) processCommand() *ff.Command {
	fs := ff.NewFlagSet("process").SetParent(r.flags)
	engine := addEngineFlags(fs)
	tenant := fs.StringLong("tenant", "", "Tenant the documents belong to")
	return &ff.Command{
		Name:      "process",
		Usage:     "invoicepipe process --tenant TENANT [FLAGS] FILE...",
		ShortHelp: "submit documents and process them to a settled state",
		Flags:     fs,
		Exec: r.exec(func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return errors.New("at least one file is required")
			}
			a, err := r.open(ctx, engine)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := submitFiles(ctx, a.orch, *tenant, args)
			if err != nil {
				return err
			}

			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			done := make(chan error, 1)
			go func() { done <- a.orch.Run(runCtx) }()

			enc := json.NewEncoder(os.Stdout)
			for _, job := range jobs {
				st, err := waitSettled(ctx, a.orch, job.ID)
				if err != nil {
					return err
				}
				if err := enc.Encode(st); err != nil {
					return err
				}
			}
			stop()
			return <-done
		}),
	}
}

func (r *root) submitCommand() *ff.Command {
	fs := ff.NewFlagSet("submit").SetParent(r.flags)
	tenant := fs.StringLong("tenant", "", "Tenant the documents belong to")
	return &ff.Command{
		Name:      "submit",
		Usage:     "invoicepipe submit --tenant TENANT FILE...",
		ShortHelp: "queue documents for processing and print their job ids",
		Flags:     fs,
		Exec: r.exec(func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return errors.New("at least one file is required")
			}
			a, err := r.open(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := submitFiles(ctx, a.orch, *tenant, args)
			if err != nil {
				return err
			}
			for _, job := range jobs {
				fmt.Println(job.ID)
			}
			return nil
		}),
	}
}

func (r *root) statusCommand() *ff.Command {
	fs := ff.NewFlagSet("status").SetParent(r.flags)
	return &ff.Command{
		Name:      "status",
		Usage:     "invoicepipe status JOB",
		ShortHelp: "show the state of a job",
		Flags:     fs,
		Exec: r.exec(func(ctx context.Context, args []string) error {
			jobID, err := oneArg(args, "job id")
			if err != nil {
				return err
			}
			a, err := r.open(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.orch.Status(ctx, jobID)
			if err != nil {
				return err
			}
			return printJSON(st)
		}),
	}
}

func (r *root) auditCommand() *ff.Command {
	fs := ff.NewFlagSet("audit").SetParent(r.flags)
	return &ff.Command{
		Name:      "audit",
		Usage:     "invoicepipe audit JOB",
		ShortHelp: "print a job's audit trail as JSON lines",
		Flags:     fs,
		Exec: r.exec(func(ctx context.Context, args []string) error {
			jobID, err := oneArg(args, "job id")
			if err != nil {
				return err
			}
			a, err := r.open(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.orch.Audit(ctx, jobID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func (r *root) invoicesCommand() *ff.Command {
	fs := ff.NewFlagSet("invoices").SetParent(r.flags)
	tenant := fs.StringLong("tenant", "", "Tenant to list")
	return &ff.Command{
		Name:      "invoices",
		Usage:     "invoicepipe invoices --tenant TENANT",
		ShortHelp: "print a tenant's invoice records as JSON lines",
		Flags:     fs,
		Exec: r.exec(func(ctx context.Context, args []string) error {
			if *tenant == "" {
				return errors.New("--tenant is required")
			}
			a, err := r.open(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.orch.Invoices(ctx, *tenant)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func (r *root) entitiesCommand() *ff.Command {
	fs := ff.NewFlagSet("entities").SetParent(r.flags)
	var (
		tenant = fs.StringLong("tenant", "", "Tenant to list")
		kind   = fs.StringLong("kind", string(invoice.EntityCompany), "Entity kind (company, customer)")
	)
	return &ff.Command{
		Name:      "entities",
		Usage:     "invoicepipe entities --tenant TENANT [--kind company|customer] [ID]",
		ShortHelp: "print a tenant's canonical companies or customers as JSON lines",
		Flags:     fs,
		Exec: r.exec(func(ctx context.Context, args []string) error {
			if *tenant == "" {
				return errors.New("--tenant is required")
			}
			if len(args) > 1 {
				return errors.New("at most one entity id may be given")
			}
			k := invoice.EntityKind(*kind)
			if k != invoice.EntityCompany && k != invoice.EntityCustomer {
				return fmt.Errorf("unknown entity kind %q", *kind)
			}
			a, err := r.open(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 1 {
				e, err := a.orch.Entity(ctx, *tenant, k, args[0])
				if err != nil {
					return err
				}
				return printJSON(e)
			}

			entities, err := a.orch.Entities(ctx, *tenant, k)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, e := range entities {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func (r *root) reviewCommand() *ff.Command {
	fs := ff.NewFlagSet("review").SetParent(r.flags)
	var (
		approve   = fs.BoolLong("approve", "Approve the record")
		reject    = fs.BoolLong("reject", "Reject the record")
		note      = fs.StringLong("note", "", "Reviewer note recorded in the audit trail")
		reviewer  = fs.StringLong("reviewer", os.Getenv("USER"), "Reviewer name")
		corrected = fs.StringLong("corrected", "", "JSON file with a corrected invoice record")
	)
	return &ff.Command{
		Name:      "review",
		Usage:     "invoicepipe review JOB --approve|--reject [FLAGS]",
		ShortHelp: "settle a job awaiting review",
		Flags:     fs,
		Exec: r.exec(func(ctx context.Context, args []string) error {
			jobID, err := oneArg(args, "job id")
			if err != nil {
				return err
			}
			if *approve == *reject {
				return errors.New("exactly one of --approve or --reject is required")
			}

			d := pipeline.ReviewDecision{Approve: *approve, Reviewer: *reviewer, Note: *note}
			if *corrected != "" {
				data, err := os.ReadFile(*corrected)
				if err != nil {
					return fmt.Errorf("reading corrected record: %w", err)
				}
				d.Corrected = &invoice.Record{}
				if err := json.Unmarshal(data, d.Corrected); err != nil {
					return fmt.Errorf("parsing corrected record: %w", err)
				}
			}

			a, err := r.open(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.orch.Review(ctx, jobID, d)
			if err != nil {
				return err
			}
			return printJSON(rec)
		}),
	}
}

func (r *root) cancelCommand() *ff.Command {
	fs := ff.NewFlagSet("cancel").SetParent(r.flags)
	return &ff.Command{
		Name:      "cancel",
		Usage:     "invoicepipe cancel JOB",
		ShortHelp: "stop a job at its next stage boundary",
		Flags:     fs,
		Exec: r.exec(func(ctx context.Context, args []string) error {
			jobID, err := oneArg(args, "job id")
			if err != nil {
				return err
			}
			a, err := r.open(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.orch.Cancel(ctx, jobID)
		}),
	}
}

func submitFiles(ctx context.Context, orch *pipeline.Orchestrator, tenant string, paths []string) ([]*invoice.Job, error) {
	if tenant == "" {
		return nil, errors.New("--tenant is required")
	}
	jobs := make([]*invoice.Job, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		job, err := orch.Submit(ctx, tenant, filepath.Base(path), contentType(path, data), data)
		if err != nil {
			return nil, fmt.Errorf("submitting %s: %w", path, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func contentType(path string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

// waitSettled polls a job until automation is done with it.
func waitSettled(ctx context.Context, orch *pipeline.Orchestrator, jobID string) (*pipeline.Status, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := orch.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if st.State.Settled() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func oneArg(args []string, what string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected a single %s, got %d arguments", what, len(args))
	}
	return args[0], nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
