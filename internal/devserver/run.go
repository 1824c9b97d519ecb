package devserver

import (
	"context"
	"errors"
	"time"

	"github.com/g960059/postsync/internal/logging"
)

type Options struct {
	DBPath     string
	ListenAddr string
	JobDelay   time.Duration
	Workers    int
	Reset      bool
	Logger     logging.Logger
}

// Run opens the database, starts the job workers and serves until ctx ends.
func Run(ctx context.Context, opts Options) error {
	st, err := Open(ctx, opts.DBPath)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	if opts.Reset {
		if err := st.Reset(ctx); err != nil {
			return err
		}
		logging.OrDiscard(opts.Logger).WithField("db_path", opts.DBPath).Info("dev database reset")
	}

	hub := NewHub()
	workers := NewWorkers(st, hub, opts.JobDelay, opts.Logger)
	workers.Start(ctx, opts.Workers)
	defer workers.Stop()

	err = NewServer(opts.ListenAddr, st, hub, workers, opts.Logger).Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
