// Package app is the composition root: it opens the database, runs
// migrations, loads configuration, and wires the engine, queue, stage
// handlers and worker pool together. Both the CLI and the server build
// their process from here.
package app

import (
	"database/sql"
	"log"
	"os"
	"time"

	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/engine"
	"shipline/internal/migrate"
	"shipline/internal/pipeline"
	"shipline/internal/queue"
	"shipline/internal/repo"
	"shipline/internal/services"
	"shipline/internal/worker"
)

type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Queue  *queue.Queue
	Repo   repo.Repo
}

// Open prepares the workspace: database, schema, config. Pass
// requireConfig=false for commands that work before `ship config init`.
func Open(workspace string, requireConfig bool) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	var cfg *config.Config
	if requireConfig {
		cfg, err = config.Load(workspace)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return New(conn, cfg), nil
}

// New wires an App from an open database, for tests and embedding.
func New(conn *sql.DB, cfg *config.Config) *App {
	e := engine.New(conn, cfg)
	q := &queue.Queue{
		DB:     conn,
		Repo:   e.Repo,
		Events: e.Events,
	}
	if cfg != nil {
		q.MaxAttempts = cfg.Queue.MaxAttempts
		q.BackoffBase = time.Duration(cfg.Queue.BackoffBaseSecs) * time.Second
		q.LeaseDuration = cfg.LeaseDuration()
		q.MaxStalls = cfg.Queue.MaxStalls
	}
	return &App{
		DB:     conn,
		Config: cfg,
		Engine: e,
		Queue:  q,
		Repo:   e.Repo,
	}
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Collaborators are the external services a worker process talks to.
type Collaborators struct {
	Completer services.Completer
	Source    services.SourceControl
	Importer  services.DocumentImporter
}

// Handlers builds the stage handlers with the fallback completer
// wrapped around the configured model client.
func (a *App) Handlers(c Collaborators, logger *log.Logger) *pipeline.Handlers {
	completer := c.Completer
	if a.Config != nil && a.Config.Agent.FallbackModel != "" {
		completer = services.FallbackCompleter{
			Inner:         c.Completer,
			FallbackModel: a.Config.Agent.FallbackModel,
			Logger:        logger,
		}
	}
	return &pipeline.Handlers{
		Engine:    a.Engine,
		Queue:     a.Queue,
		Repo:      a.Repo,
		Config:    a.Config,
		Completer: completer,
		Source:    c.Source,
		Importer:  c.Importer,
		Logger:    logger,
	}
}

// Pool builds the worker pool around the stage handlers.
func (a *App) Pool(h *pipeline.Handlers, logger *log.Logger) *worker.Pool {
	p := &worker.Pool{
		Queue:   a.Queue,
		Engine:  a.Engine,
		Handler: h,
		Logger:  logger,
	}
	if a.Config != nil {
		p.Workers = a.Config.Workers
		p.StallInterval = a.Config.StallCheckInterval()
	}
	return p
}

// Logger returns the standard prefixed logger the process components
// share.
func Logger(prefix string) *log.Logger {
	return log.New(os.Stderr, prefix, log.LstdFlags|log.Lmsgprefix)
}
