// Package app wires the engine, the work session coordinator and the HTTP
// surface from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"iqeas/internal/config"
	"iqeas/internal/db"
	"iqeas/internal/engine"
	"iqeas/internal/gateway"
	"iqeas/internal/logging"
	"iqeas/internal/migrate"
	"iqeas/internal/server"
	"iqeas/internal/worksession"
)

type App struct {
	Config   *config.Config
	DB       *sql.DB
	Engine   engine.Engine
	Sessions *worksession.Coordinator
	Hub      *gateway.Hub
	Handler  http.Handler
	Log      *logging.Logger
}

// DBConfig resolves the database location of a workspace.
func DBConfig(workspace string, cfg *config.Config) db.Config {
	c := db.Config{Workspace: workspace}
	if cfg != nil && cfg.Database.Path != "" {
		c.Path = cfg.Database.Path
		if !filepath.IsAbs(c.Path) {
			c.Path = filepath.Join(workspace, c.Path)
		}
	}
	return c
}

// OpenDB opens and migrates the workspace database.
func OpenDB(ctx context.Context, workspace string, cfg *config.Config) (*sql.DB, error) {
	conn, err := db.Open(DBConfig(workspace, cfg))
	if err != nil {
		return nil, err
	}
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// Build opens the database and assembles every component. The caller owns
// Close. log may be nil.
func Build(ctx context.Context, workspace string, cfg *config.Config, log *logging.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}
	conn, err := OpenDB(ctx, workspace, cfg)
	if err != nil {
		return nil, err
	}

	eng := engine.New(conn)
	coord := worksession.New(worksession.NewSQLStore(conn), worksession.Config{
		CheckpointInterval: cfg.Timer.CheckpointInterval,
		GracePeriod:        cfg.Timer.GracePeriod,
	}, log)
	hub := gateway.NewHub(log)
	coord.Notifier = hub
	coord.Gate = eng
	eng.Sessions = coord

	authCfg := server.AuthConfig{
		JWTSecret:       cfg.Auth.JWTSecret,
		AllowQueryToken: cfg.Auth.QueryToken,
		DevLogin:        cfg.Auth.DevLogin,
		TokenTTL:        cfg.Auth.TokenTTL,
		Logger:          log,
	}
	gw := gateway.New(server.Authenticator{Config: authCfg, Repo: eng.Repo}, coord, hub, log, gateway.Options{
		IdleTimeout:    cfg.Timer.IdleTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	handler, err := server.New(server.Config{
		Engine:   eng,
		Sessions: coord,
		Gateway:  gw,
		BasePath: cfg.Server.BasePath,
		Auth:     authCfg,
		Logger:   log,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		Config:   cfg,
		DB:       conn,
		Engine:   eng,
		Sessions: coord,
		Hub:      hub,
		Handler:  handler,
		Log:      log,
	}, nil
}

// Serve recovers interrupted sessions, then runs the HTTP server and the
// checkpoint loop until ctx is done or either fails.
func (a *App) Serve(ctx context.Context) error {
	recovered, err := a.Sessions.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	if recovered > 0 {
		a.Log.Warn("paused sessions left running by a previous process", "count", recovered)
	}
	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Log.Info("listening", "addr", srv.Addr, "base_path", a.Config.Server.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.Sessions.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) Close() error {
	return a.DB.Close()
}
