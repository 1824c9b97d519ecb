package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/postsync/internal/api"
	"github.com/g960059/postsync/internal/appclient"
	"github.com/g960059/postsync/internal/config"
	"github.com/g960059/postsync/internal/devserver"
	"github.com/g960059/postsync/internal/display"
	"github.com/g960059/postsync/internal/doctor"
	"github.com/g960059/postsync/internal/engine"
	"github.com/g960059/postsync/internal/guard"
	"github.com/g960059/postsync/internal/logging"
	"github.com/g960059/postsync/internal/metrics"
	"github.com/g960059/postsync/internal/model"
	"github.com/g960059/postsync/internal/security"
)

const defaultAwaitTimeout = 2 * time.Minute

// usageError marks failures caused by bad arguments; they exit with 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

type Runner struct {
	out    io.Writer
	errOut io.Writer
	v      *viper.Viper

	configPath string
	noColor    bool
}

func NewRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{out: out, errOut: errOut, v: viper.New()}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}

func (r *Runner) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "postsync",
		Short:         "Keep a local view of posts in step with the posts backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if r.noColor {
				color.NoColor = true
			}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	pf := root.PersistentFlags()
	pf.StringVar(&r.configPath, "config", "", "path to a YAML config file")
	pf.String("backend-url", "", "posts backend base URL")
	pf.String("log-level", "", "log level (debug|info|warn|error)")
	pf.BoolVar(&r.noColor, "no-color", false, "disable coloured output")
	_ = r.v.BindPFlag("backend_url", pf.Lookup("backend-url"))
	_ = r.v.BindPFlag("log_level", pf.Lookup("log-level"))

	root.AddCommand(
		r.serveCommand(),
		r.listCommand(),
		r.attributeCommand(model.AttributeDescription),
		r.attributeCommand(model.AttributeSentiment),
		r.createCommand(),
		r.devBackendCommand(),
		r.doctorCommand(),
	)
	return root
}

func (r *Runner) load() (config.Config, logging.Logger, error) {
	cfg, err := config.Load(r.v, r.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.NewLoggerWithService("postsync", cfg.LogLevel)
	logger.SetOutput(r.errOut)
	return cfg, logger, nil
}

func (r *Runner) serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the display surface",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := r.load()
			if err != nil {
				return err
			}
			logger.WithFields(logging.Fields{
				"backend": security.RedactURL(cfg.BackendURL),
				"listen":  cfg.ListenAddr,
			}).Info("sync engine starting")
			m := metrics.New()
			e := engine.NewFromConfig(cfg, logger, m)
			defer e.Close()
			srv := display.NewServer(cfg.ListenAddr, e, logger, m)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return srv.Start(ctx)
			})
			g.Go(func() error {
				n, err := e.Reload(ctx)
				if err != nil {
					logger.WithError(err).Warn("initial reload failed")
					return nil
				}
				logger.WithField("posts", n).Info("posts loaded")
				return nil
			})
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().String("listen", "", "display surface listen address")
	_ = r.v.BindPFlag("listen_addr", cmd.Flags().Lookup("listen"))
	return cmd
}

func (r *Runner) listCommand() *cobra.Command {
	var (
		user    string
		query   string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print posts with their attribute statuses",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user != "" && query != "" {
				return usageError{errors.New("--user and --search are mutually exclusive")}
			}
			cfg, logger, err := r.load()
			if err != nil {
				return err
			}
			e := engine.NewFromConfig(cfg, logger, nil)
			defer e.Close()

			ctx := cmd.Context()
			var posts []model.PostRecord
			switch {
			case user != "":
				posts, err = e.Search(ctx, user)
			case query != "":
				posts, err = e.SearchText(ctx, query)
			default:
				if _, err = e.Reload(ctx); err == nil {
					posts = e.Snapshot()
				}
			}
			if err != nil {
				return err
			}
			if jsonOut {
				return r.writeJSON(posts)
			}
			for _, p := range posts {
				r.printPost(p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "only posts by this username")
	cmd.Flags().StringVar(&query, "search", "", "match content or username")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

// attributeCommand builds "describe ID" and "sentiment ID": request the
// attribute, wait for a terminal status and print the record.
func (r *Runner) attributeCommand(attr model.Attribute) *cobra.Command {
	var (
		timeout time.Duration
		jsonOut bool
	)
	use, short := "describe", "Request an image description and wait for it"
	if attr == model.AttributeSentiment {
		use, short = "sentiment", "Request a sentiment analysis and wait for it"
	}
	cmd := &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return usageError{fmt.Errorf("invalid post id %q", args[0])}
			}
			cfg, logger, err := r.load()
			if err != nil {
				return err
			}
			e := engine.NewFromConfig(cfg, logger, nil)
			defer e.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if _, err := e.Reload(ctx); err != nil {
				return err
			}
			if _, ok := e.Get(id); !ok {
				return fmt.Errorf("post %d not found", id)
			}
			var started bool
			if attr == model.AttributeDescription {
				started = e.RequestDescription(id)
			} else {
				started = e.RequestSentiment(id)
			}
			if !started {
				logger.WithField("post_id", id).Info("no job started; showing current state")
			}
			rec, err := e.Await(ctx, id, attr)
			if err != nil {
				return fmt.Errorf("wait for %s of post %d: %w", attr, id, err)
			}
			if jsonOut {
				if err := r.writeJSON(rec); err != nil {
					return err
				}
			} else {
				r.printPost(rec)
			}
			if attributeStatus(rec, attr) == model.StatusFailed {
				return fmt.Errorf("%s of post %d failed", attr, id)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultAwaitTimeout, "how long to wait for a result")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) createCommand() *cobra.Command {
	var (
		user    string
		content string
		image   string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a post on the backend",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(user) == "" {
				return usageError{errors.New("--user is required")}
			}
			cfg, _, err := r.load()
			if err != nil {
				return err
			}
			req := api.CreatePostRequest{Username: user}
			if content != "" {
				req.Content = &content
			}
			if image != "" {
				req.ImageFilename = &image
			}
			client := appclient.New(cfg.BackendURL).WithUnaryTimeout(cfg.RequestTimeout)
			resp, err := client.CreatePost(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(r.out, "created post %d\n", resp.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "username")
	cmd.Flags().StringVar(&content, "content", "", "post text")
	cmd.Flags().StringVar(&image, "image", "", "image filename")
	return cmd
}

func (r *Runner) devBackendCommand() *cobra.Command {
	var (
		workers int
		reset   bool
	)
	cmd := &cobra.Command{
		Use:   "dev-backend",
		Short: "Run the local development backend",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := r.load()
			if err != nil {
				return err
			}
			return devserver.Run(cmd.Context(), devserver.Options{
				DBPath:     cfg.DevDBPath,
				ListenAddr: cfg.DevListenAddr,
				JobDelay:   cfg.DevJobDelay,
				Workers:    workers,
				Reset:      reset,
				Logger:     logger,
			})
		},
	}
	cmd.Flags().String("db", "", "SQLite database path")
	cmd.Flags().String("listen", "", "listen address")
	cmd.Flags().Duration("job-delay", 0, "simulated job latency")
	cmd.Flags().IntVar(&workers, "workers", 2, "job worker goroutines")
	cmd.Flags().BoolVar(&reset, "reset", false, "drop all posts before serving")
	_ = r.v.BindPFlag("dev_db_path", cmd.Flags().Lookup("db"))
	_ = r.v.BindPFlag("dev_listen_addr", cmd.Flags().Lookup("listen"))
	_ = r.v.BindPFlag("dev_job_delay", cmd.Flags().Lookup("job-delay"))
	return cmd
}

func (r *Runner) doctorCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check backend connectivity and local configuration",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(r.v, r.configPath)
			if err != nil {
				return err
			}
			result := doctor.Run(cmd.Context(), cfg, nil)
			if jsonOut {
				if err := r.writeJSON(result); err != nil {
					return err
				}
			} else {
				for _, c := range result.Checks {
					_, _ = fmt.Fprintf(r.out, "%-14s %-5s %s\n", c.Name, checkColor(c.Status)(c.Status), c.Message)
				}
			}
			if !result.OK {
				return errors.New("doctor found failing checks")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) printPost(p model.PostRecord) {
	text := ""
	if p.Content != nil {
		text = *p.Content
	}
	if runes := []rune(text); len(runes) > 48 {
		text = string(runes[:45]) + "..."
	}
	_, _ = fmt.Fprintf(r.out, "#%d  %-12s  %s\n", p.ID, p.Username, text)
	if p.ImageFilename != nil {
		desc := ""
		if p.ImageDescription != nil {
			desc = "  " + *p.ImageDescription
		}
		_, _ = fmt.Fprintf(r.out, "    image %s [%s] description [%s]%s\n",
			*p.ImageFilename, statusColor(string(p.ImageStatus))(p.ImageStatus), statusColor(string(p.DescriptionStatus))(p.DescriptionStatus), desc)
	}
	if model.HasText(p.Content) {
		result := ""
		if guard.SentimentAvailable(p) {
			result = fmt.Sprintf("  %s %.2f", *p.SentimentLabel, *p.SentimentScore)
		}
		_, _ = fmt.Fprintf(r.out, "    sentiment [%s]%s\n", statusColor(string(p.SentimentStatus))(p.SentimentStatus), result)
	}
}

func (r *Runner) writeJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusColor(status string) func(a ...interface{}) string {
	switch status {
	case string(model.StatusReady):
		return color.New(color.FgGreen).SprintFunc()
	case string(model.StatusPending):
		return color.New(color.FgYellow).SprintFunc()
	case string(model.StatusFailed):
		return color.New(color.FgRed).SprintFunc()
	default:
		return color.New(color.Faint).SprintFunc()
	}
}

func checkColor(status string) func(a ...interface{}) string {
	switch status {
	case "pass":
		return color.New(color.FgGreen).SprintFunc()
	case "warn":
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgRed).SprintFunc()
	}
}

func attributeStatus(rec model.PostRecord, attr model.Attribute) model.AttributeStatus {
	if attr == model.AttributeSentiment {
		return rec.SentimentStatus
	}
	return rec.DescriptionStatus
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError{err}
	}
	return nil
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}
