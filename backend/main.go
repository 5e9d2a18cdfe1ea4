package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"medtrack/m/domain"
	"medtrack/m/internal/api"
	"medtrack/m/internal/config"
	"medtrack/m/internal/database"
	"medtrack/m/internal/migrations"
	"medtrack/m/internal/platform/logger"
	"medtrack/m/internal/report"
	"medtrack/m/internal/seed"
	"medtrack/m/internal/sheets"
	"medtrack/m/internal/store"
	"medtrack/m/internal/syncer"
	"medtrack/m/internal/worklist"
	"medtrack/m/internal/ws"
)

const usage = `usage: medtrack [serve|sync|export]

  serve   run the HTTP API (default)
  sync    push every pending record once and exit
  export  write all records to EXPORT_DIR as CSV and exit
`

func main() {
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	mode := flag.Arg(0)
	if mode == "" {
		mode = "serve"
	}

	cfg := config.Load()
	log := logger.New(logger.Options{
		Level:  logger.ParseLevel(cfg.LogLevel),
		Format: logger.ParseFormat(cfg.LogFormat),
		App:    cfg.AppName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, mode, cfg, log); err != nil {
		log.Error("exiting", logger.Fields{"mode": mode, "error": err})
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, mode string, cfg config.Config, log logger.Logger) error {
	switch mode {
	case "serve", "sync", "export":
	default:
		flag.Usage()
		return fmt.Errorf("unknown mode %q", mode)
	}

	db, err := database.Connect(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrations.Run(ctx, db); err != nil {
		return err
	}
	loadDiagnoses(cfg.DiagnosesCSV, log)

	st := store.New(db)
	list := worklist.New(st, log)
	sink := sheets.New(sheets.Options{
		URL:           cfg.SheetsURL,
		Delivery:      cfg.SheetsDelivery,
		SigningSecret: cfg.SheetsSigningSecret,
		Timeout:       cfg.SheetsTimeout,
		Offline:       cfg.Offline,
	})
	coord := syncer.New(st, sink, log, cfg.SyncInterval)
	coord.OnChange(func() {
		if err := list.Reload(context.Background()); err != nil {
			log.Warn("reload after sync", logger.Fields{"error": err})
		}
	})

	switch mode {
	case "sync":
		out, err := coord.SyncAll(ctx)
		if err != nil {
			return err
		}
		log.Info(out.Message(), logger.Fields{"attempted": out.Attempted, "succeeded": out.Succeeded})
		return nil
	case "export":
		records, err := list.Records(ctx)
		if err != nil {
			return err
		}
		path, err := report.ExportFile(cfg.ExportDir, records, time.Now(), cfg.Location())
		if errors.Is(err, report.ErrNothingToExport) {
			log.Info("No records to export", nil)
			return nil
		}
		if err != nil {
			return err
		}
		log.Info("Records exported to CSV", logger.Fields{"path": path, "records": len(records)})
		return nil
	}

	return serve(ctx, cfg, log, st, list, coord, sink)
}

func serve(ctx context.Context, cfg config.Config, log logger.Logger, st *store.SQLStore, list *worklist.List, coord *syncer.Coordinator, sink *sheets.Client) error {
	hub := ws.NewHub(log)
	go hub.Run(ctx)
	defer hub.Follow(list)()

	// Start with an empty list rather than refusing to serve.
	if err := list.Reload(ctx); err != nil {
		log.Error("initial load failed", logger.Fields{"error": err})
	}
	if n, err := st.CountPending(ctx); err == nil && n > 0 {
		log.Info("pending records waiting for sync", logger.Fields{"pending": n})
	}

	handler := api.New(api.Deps{
		Store:       st,
		List:        list,
		Syncer:      coord,
		Prober:      sink,
		Location:    cfg.Location(),
		Logger:      log,
		WS:          ws.Handler(hub, cfg.CORSOrigins),
		CORSOrigins: cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("meropenem tracker starting", logger.Fields{
			"port":     cfg.HTTPPort,
			"delivery": sink.Delivery(),
			"sheets":   cfg.SheetsURL != "",
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down", nil)
	return srv.Shutdown(shutdownCtx)
}

func loadDiagnoses(path string, log logger.Logger) {
	names, err := seed.LoadDiagnoses(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("no diagnosis catalog", logger.Fields{"path": path})
		} else {
			log.Warn("unable to load diagnosis catalog", logger.Fields{"path": path, "error": err})
		}
	}
	if added := domain.RegisterDiagnoses(names...); added > 0 {
		log.Info("registered extra diagnoses", logger.Fields{"count": added})
	}
}
