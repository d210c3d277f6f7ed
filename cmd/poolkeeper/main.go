package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sumire-labs/poolkeeper/internal/automation"
	"github.com/sumire-labs/poolkeeper/internal/config"
	"github.com/sumire-labs/poolkeeper/internal/database"
	"github.com/sumire-labs/poolkeeper/internal/engine"
	"github.com/sumire-labs/poolkeeper/internal/metrics"
	"github.com/sumire-labs/poolkeeper/internal/models"
	"github.com/sumire-labs/poolkeeper/internal/register"
	"github.com/sumire-labs/poolkeeper/internal/repository"
	"github.com/sumire-labs/poolkeeper/internal/scheduler"
	"github.com/sumire-labs/poolkeeper/internal/server"
)

func main() {
	if err := buildCLI().Execute(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func buildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:   "poolkeeper",
		Short: "poolkeeper keeps a pool of time-limited accounts refreshed and replenished",
	}

	root.AddCommand(buildServeCommand())
	root.AddCommand(buildRefreshCommand())
	root.AddCommand(buildRegisterCommand())
	return root
}

// app holds everything the commands wire together.
type app struct {
	loader    *config.Loader
	cfg       *config.Config
	db        *database.DB
	accounts  *repository.AccountRepository
	history   *repository.TaskHistoryRepository
	driver    *automation.Driver
	engine    *engine.Engine
	registrar *register.Registerer
	scheduler *scheduler.Scheduler
	collector *metrics.Collector
}

func newApp() (*app, error) {
	loader := config.NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	log.Println("Database connected successfully")

	if err := database.RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Println("Migrations completed successfully")

	a := &app{
		loader:   loader,
		cfg:      cfg,
		db:       db,
		accounts: repository.NewAccountRepository(db.DB),
		history:  repository.NewTaskHistoryRepository(db.DB),
		driver: automation.NewDriver(nil, automation.Options{
			Headless: cfg.BrowserHeadless,
			Proxy:    cfg.ProxyForAuth,
		}),
		collector: metrics.NewCollector(prometheus.DefaultRegisterer),
	}

	a.engine = engine.New(a.accounts, a.history, a.driver, nil)
	a.registrar = register.New(a.accounts, a.driver)
	a.scheduler = scheduler.New(a.loader, a.accounts, a.engine, a.registrar, cfg)

	a.scheduler.Metrics = a.collector
	a.engine.OnSuccess = a.scheduler.MarkSuccess
	a.engine.OnResult = a.collector.RecordRefresh
	a.registrar.OnResult = a.collector.RecordRegistration
	return a, nil
}

func (a *app) close() {
	a.engine.Close()
	if err := a.db.Close(); err != nil {
		log.Printf("Failed to close database: %v", err)
	}
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(a.cfg.ListenAddr, a.engine, a.history, a.accounts, prometheus.DefaultGatherer)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	schedDone := make(chan struct{})
	go func() {
		a.scheduler.Run(ctx)
		close(schedDone)
	}()

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	select {
	case <-sigChan:
		log.Println("Shutdown signal received")
	case err := <-srvErr:
		if err != nil {
			return err
		}
	}

	cancel()
	a.engine.Cancel("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(a.cfg.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		log.Println("Shutdown timeout exceeded")
	}

	log.Println("Application stopped")
	return nil
}

func buildRefreshCommand() *cobra.Command {
	var ids string
	var allDue bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh batch and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return refreshOnce(ids, allDue)
		},
	}

	cmd.Flags().StringVar(&ids, "ids", "", "comma-separated account ids to refresh")
	cmd.Flags().BoolVar(&allDue, "all-due", false, "refresh every account currently due")
	return cmd
}

func refreshOnce(ids string, allDue bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	var accountIDs []string
	switch {
	case ids != "":
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				accountIDs = append(accountIDs, id)
			}
		}
	case allDue:
		accountIDs, err = a.scheduler.DueNow(ctx)
		if err != nil {
			return err
		}
	default:
		return errors.New("either --ids or --all-due is required")
	}

	if len(accountIDs) == 0 {
		log.Println("No accounts to refresh")
		return nil
	}

	task := a.engine.Run(ctx, accountIDs, a.cfg)
	log.Printf("Task %s finished: %s (%d ok, %d failed)", task.ID, task.Status, task.SuccessCount, task.FailCount)
	if task.Status == models.TaskFailed {
		return fmt.Errorf("%d account(s) failed to refresh", task.FailCount)
	}
	return nil
}

func buildRegisterCommand() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register new accounts and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return registerOnce(count)
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "number of accounts to register")
	return cmd
}

func registerOnce(count int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	registered := 0
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			break
		}
		account, err := a.registrar.RegisterOne(ctx, a.cfg)
		if err != nil {
			log.Printf("Registration %d/%d failed: %v", i+1, count, err)
		} else {
			registered++
			log.Printf("Registered %s (%d/%d)", account.ID, i+1, count)
		}
		if i < count-1 {
			select {
			case <-ctx.Done():
			case <-time.After(10 * time.Second):
			}
		}
	}

	if registered < count {
		return fmt.Errorf("registered %d of %d account(s)", registered, count)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
