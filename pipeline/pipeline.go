package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notLeoHirano/taxi-emissions-etl/config"
	"github.com/notLeoHirano/taxi-emissions-etl/metrics"
	"github.com/notLeoHirano/taxi-emissions-etl/tripstore"
)

// Context is everything one run shares: the single read-write store handle,
// the logger, the metrics registry and the run id. Stages receive it instead
// of reaching for globals.
type Context struct {
	Config  *config.Config
	Store   *tripstore.Store
	Log     *zap.Logger
	Metrics *metrics.Metrics
	RunID   string
}

// NewContext opens the configured database for writing and tags the logger
// with a fresh run id. Callers must Close it.
func NewContext(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Context, error) {
	engine, err := tripstore.ParseEngine(cfg.Storage.Engine)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tripstore.ErrSetup, err)
	}
	store, err := tripstore.Open(ctx, engine, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	return &Context{
		Config:  cfg,
		Store:   store,
		Log:     log.With(zap.String("run_id", runID)),
		Metrics: metrics.New(),
		RunID:   runID,
	}, nil
}

// Close releases the store and writes the metrics textfile if one is configured.
func (c *Context) Close() error {
	var errs []error
	if path := c.Config.Metrics.Textfile; path != "" {
		if err := c.Metrics.WriteTextfile(path); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}
	c.Log.Sync()
	return errors.Join(errs...)
}
