// ============================================================================
// statuscast CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for running and operating statuscast
//
// Command Structure:
//   statuscast                     # Root command
//   ├── run                        # Start gateways and/or the job queue
//   │   └── --mode all|gateway|worker
//   ├── enqueue                    # Submit jobs over gRPC
//   │   ├── --subject, --payload   # One job
//   │   └── --file, -f             # JSON array of jobs
//   ├── status                     # Queue statistics and health over gRPC
//   ├── subject create             # Register a subject and its owner
//   ├── token                      # Sign a client token for the gateways
//   └── config show                # Print the effective configuration
//
// Every command reads the same configuration (--config, default
// configs/statuscast.yaml) with STATUSCAST_* environment overrides.
//
// Examples:
//   statuscast run
//   statuscast run --mode gateway -c prod.yaml
//   statuscast subject create --id photo-1 --owner user-1
//   statuscast enqueue --subject photo-1 --payload '{"width":640}'
//   statuscast enqueue -f jobs.json --addr queue.internal:50051
//   statuscast token --user user-1 --ttl 1h
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/statuscast/internal/auth"
	"github.com/ChuLiYu/statuscast/internal/config"
	"github.com/ChuLiYu/statuscast/internal/server"
	"github.com/ChuLiYu/statuscast/internal/subjects"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=".
var Version = "dev"

const rpcTimeout = 10 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "statuscast",
		Short: "statuscast: realtime job status delivery",
		Long: `statuscast runs background jobs for uploaded subjects and pushes their
terminal status to the owning user over WebSocket or Server-Sent Events:
- retrying job queue with WAL and snapshot recovery
- broker fan-out to every gateway instance
- bounded per-user history for reconnect catch-up`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildSubjectCommand())
	rootCmd.AddCommand(buildTokenCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildRunCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the statuscast services",
		Long: `Start the realtime gateways, the job queue, or both.

  all      gateways, bridge, queue and gRPC service in one process
  gateway  WebSocket and SSE gateways fed by the broker channel
  worker   job queue, pipeline and gRPC service`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runSystem(cmd.Context(), cfg, m)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(modeAll), "process role: all, gateway, worker")
	return cmd
}

// jobInput is one entry of an enqueue file.
type jobInput struct {
	ID             string         `json:"id"`
	SubjectID      string         `json:"subjectId"`
	Payload        map[string]any `json:"payload"`
	MaxAttempts    int            `json:"maxAttempts"`
	BackoffDelayMs int64          `json:"backoffDelayMs"`
	DelayMs        int64          `json:"delayMs"`
}

func (j jobInput) request() (*structpb.Struct, error) {
	m := map[string]any{"subjectId": j.SubjectID}
	if j.ID != "" {
		m["jobId"] = j.ID
	}
	if j.Payload != nil {
		m["payload"] = j.Payload
	}
	if j.MaxAttempts > 0 {
		m["maxAttempts"] = j.MaxAttempts
	}
	if j.BackoffDelayMs > 0 {
		m["backoffDelayMs"] = j.BackoffDelayMs
	}
	if j.DelayMs > 0 {
		m["delayMs"] = j.DelayMs
	}
	return structpb.NewStruct(m)
}

func buildEnqueueCommand() *cobra.Command {
	var (
		addr    string
		file    string
		one     jobInput
		payload string
		delay   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue processing jobs",
		Long:  "Submit one job (--subject) or a JSON array of jobs (--file) to a running queue over gRPC.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobs []jobInput
			switch {
			case file != "":
				var err error
				if jobs, err = readJobFile(file); err != nil {
					return err
				}
			case one.SubjectID != "":
				if payload != "" {
					if err := json.Unmarshal([]byte(payload), &one.Payload); err != nil {
						return fmt.Errorf("parse --payload: %w", err)
					}
				}
				one.DelayMs = delay.Milliseconds()
				jobs = []jobInput{one}
			default:
				return errors.New("either --subject or --file is required")
			}

			target, err := grpcTarget(addr)
			if err != nil {
				return err
			}
			conn, err := dial(target)
			if err != nil {
				return err
			}
			defer conn.Close()
			return enqueueJobs(cmd.Context(), server.NewJobClient(conn), jobs, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "queue gRPC address (default grpc.addr from config)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().StringVar(&one.SubjectID, "subject", "", "subject to process")
	cmd.Flags().StringVar(&one.ID, "id", "", "job id (generated when empty)")
	cmd.Flags().StringVar(&payload, "payload", "", "job payload as a JSON object")
	cmd.Flags().IntVar(&one.MaxAttempts, "max-attempts", 0, "override the configured attempt limit")
	cmd.Flags().DurationVar(&delay, "delay", 0, "run the first attempt after this delay")
	cmd.MarkFlagsMutuallyExclusive("file", "subject")

	return cmd
}

func readJobFile(path string) ([]jobInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jobs []jobInput
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	for i, j := range jobs {
		if j.SubjectID == "" {
			return nil, fmt.Errorf("job %d: subjectId is required", i)
		}
	}
	return jobs, nil
}

// enqueueJobs submits jobs one by one. A rejected job is reported and the
// rest are still submitted; the error counts the rejections.
func enqueueJobs(ctx context.Context, client *server.JobClient, jobs []jobInput, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	failed := 0
	for _, j := range jobs {
		req, err := j.request()
		if err != nil {
			return fmt.Errorf("encode job for %s: %w", j.SubjectID, err)
		}
		rctx, cancel := context.WithTimeout(ctx, rpcTimeout)
		reply, err := client.Enqueue(rctx, req)
		cancel()
		if err != nil {
			failed++
			fmt.Fprintf(out, "rejected  %s: %v\n", j.SubjectID, err)
			continue
		}
		fmt.Fprintf(out, "enqueued  %s  job=%s state=%s\n",
			j.SubjectID, reply.Fields["id"].GetStringValue(), reply.Fields["state"].GetStringValue())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs rejected", failed, len(jobs))
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		Long:  "Display job queue statistics and gRPC health of a running queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := grpcTarget(addr)
			if err != nil {
				return err
			}
			conn, err := dial(target)
			if err != nil {
				return err
			}
			defer conn.Close()
			return showStatus(cmd.Context(), conn, target, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "queue gRPC address (default grpc.addr from config)")
	return cmd
}

func showStatus(ctx context.Context, conn grpc.ClientConnInterface, target string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		return fmt.Errorf("health check %s: %w", target, err)
	}
	stats, err := server.NewJobClient(conn).Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats %s: %w", target, err)
	}

	num := func(k string) int64 { return int64(stats.Fields[k].GetNumberValue()) }
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "queue\t%s\n", target)
	fmt.Fprintf(w, "health\t%s\n", health.Status)
	fmt.Fprintf(w, "uptime\t%s\n", time.Duration(num("uptimeSeconds"))*time.Second)
	fmt.Fprintf(w, "workers\t%d\n", num("workers"))
	fmt.Fprintf(w, "wal seq\t%d\n", num("lastSeq"))
	fmt.Fprintln(w)
	for _, k := range []string{"total", "waiting", "delayed", "active", "completed", "dead"} {
		fmt.Fprintf(w, "%s\t%d\n", k, num(k))
	}
	if total := num("total"); total > 0 {
		fmt.Fprintf(w, "success rate\t%.1f%%\n", float64(num("completed"))/float64(total)*100)
	}
	return w.Flush()
}

func buildSubjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subject",
		Short: "Manage subjects in the subject store",
	}

	var id, owner string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a subject and the user who owns it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := subjects.Open(ctx, cfg.Subjects.Config)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Create(ctx, id, owner); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created subject %s owned by %s\n", id, owner)
			return nil
		},
	}
	create.Flags().StringVar(&id, "id", "", "subject id")
	create.Flags().StringVar(&owner, "owner", "", "owning user id")
	_ = create.MarkFlagRequired("id")
	_ = create.MarkFlagRequired("owner")

	cmd.AddCommand(create)
	return cmd
}

func buildTokenCommand() *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a gateway token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			token, err := auth.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Scope).Issue(user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id placed in the sub claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			out, err := cfg.Render()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

// grpcTarget returns addr, or the configured grpc.addr with an empty host
// replaced by localhost.
func grpcTarget(addr string) (string, error) {
	if addr != "" {
		return addr, nil
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(cfg.GRPC.Addr, ":") {
		return "localhost" + cfg.GRPC.Addr, nil
	}
	return cfg.GRPC.Addr, nil
}

func dial(target string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return conn, nil
}
