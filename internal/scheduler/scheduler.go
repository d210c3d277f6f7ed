// Package scheduler owns the cadence of the keeper: it decides when a
// refresh cycle runs, which accounts are due, how they are batched, and
// when the pool needs replenishing.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sumire-labs/poolkeeper/internal/config"
	"github.com/sumire-labs/poolkeeper/internal/models"
)

const (
	disabledRecheck = 60 * time.Second
	registerDelay   = 10 * time.Second
)

// AccountStore is the slice of the account repository the scheduler needs.
type AccountStore interface {
	LoadAll(ctx context.Context) ([]models.Account, error)
	DeleteMany(ctx context.Context, accountIDs []string) (int64, error)
	CountActive(ctx context.Context) (int64, error)
}

// BatchRunner executes one batch to a terminal task.
type BatchRunner interface {
	Run(ctx context.Context, accountIDs []string, cfg *config.Config) *models.RefreshTask
}

// Registrar provisions one new account.
type Registrar interface {
	RegisterOne(ctx context.Context, cfg *config.Config) (*models.Account, error)
}

// Gauges receives pool-level observations each cycle.
type Gauges interface {
	SetDueAccounts(n int)
	SetActiveAccounts(n int)
}

// Scheduler drives the refresh cycle. The cooldown table and the
// fired-today set live here and nowhere else; MarkSuccess is the only
// entry point other goroutines use.
type Scheduler struct {
	source    config.Source
	accounts  AccountStore
	engine    BatchRunner
	registrar Registrar

	// Metrics is optional.
	Metrics Gauges

	cfg *config.Config

	mu       sync.Mutex
	cooldown map[string]time.Time
	fired    map[string]bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(source config.Source, accounts AccountStore, engine BatchRunner, registrar Registrar, initial *config.Config) *Scheduler {
	return &Scheduler{
		source:    source,
		accounts:  accounts,
		engine:    engine,
		registrar: registrar,
		cfg:       initial,
		cooldown:  map[string]time.Time{},
		fired:     map[string]bool{},
		now:       time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// MarkSuccess stamps the cooldown table. Wire it to the engine's
// OnSuccess hook.
func (s *Scheduler) MarkSuccess(accountID string, at time.Time) {
	s.mu.Lock()
	s.cooldown[accountID] = at
	s.mu.Unlock()
}

// Run loops scheduling cycles until the context is cancelled. Nothing a
// cycle does can crash the loop.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[scheduler] started")
	for ctx.Err() == nil {
		s.cycle(ctx)
	}
	log.Printf("[scheduler] stopped")
}

func (s *Scheduler) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[scheduler] cycle panicked, recovering: %v", r)
		}
	}()

	// Best-effort reload; a failure keeps the previous snapshot.
	if cfg, err := s.source.Load(); err != nil {
		log.Printf("[scheduler] config reload failed, keeping previous: %v", err)
	} else {
		s.cfg = cfg
	}
	cfg := s.cfg

	if !cfg.ScheduledRefreshEnabled {
		log.Printf("[scheduler] scheduled refresh disabled, rechecking in %s", disabledRecheck)
		_ = s.sleep(ctx, disabledRecheck)
		return
	}

	trigger := ParseTrigger(cfg.RefreshCron, cfg.LegacyIntervalMinutes)
	if err := s.waitForTrigger(ctx, trigger, cfg); err != nil {
		return
	}

	accounts, err := s.accounts.LoadAll(ctx)
	if err != nil {
		log.Printf("[scheduler] failed to load accounts, skipping cycle: %v", err)
		return
	}

	deleted := map[string]bool{}
	if cfg.DeleteExpiredAccounts {
		deleted = s.deleteExpired(ctx, accounts, cfg)
	}

	due := s.dueSet(accounts, cfg, deleted)
	if s.Metrics != nil {
		s.Metrics.SetDueAccounts(len(due))
	}
	if len(due) == 0 {
		log.Printf("[scheduler] no accounts due for refresh")
		return
	}
	log.Printf("[scheduler] %d account(s) due for refresh", len(due))

	batches := partition(due, cfg.BatchSize)
	for i, batch := range batches {
		if ctx.Err() != nil {
			return
		}
		started := s.now()
		task := s.engine.Run(ctx, batch, cfg)
		if obs, ok := s.Metrics.(interface{ ObserveBatch(time.Duration) }); ok {
			obs.ObserveBatch(s.now().Sub(started))
		}
		log.Printf("[scheduler] batch %d/%d finished: %s (%d ok, %d failed)",
			i+1, len(batches), task.Status, task.SuccessCount, task.FailCount)
		if task.Status == models.TaskCancelled {
			return
		}
		if i < len(batches)-1 {
			if err := s.sleep(ctx, cfg.BatchInterval()); err != nil {
				return
			}
		}
	}

	s.replenish(ctx, cfg)
}

// DueNow computes the current due set once, for one-shot runs.
func (s *Scheduler) DueNow(ctx context.Context) ([]string, error) {
	accounts, err := s.accounts.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	return s.dueSet(accounts, s.cfg, map[string]bool{}), nil
}

// waitForTrigger blocks until the trigger fires or ctx is cancelled.
func (s *Scheduler) waitForTrigger(ctx context.Context, trigger Trigger, cfg *config.Config) error {
	if trigger.mode == modeInterval {
		log.Printf("[scheduler] next cycle in %s", trigger.interval)
		return s.sleep(ctx, trigger.interval)
	}

	loc := cfg.Location()
	for {
		now := s.now().In(loc)

		s.mu.Lock()
		for key := range s.fired {
			if staleFiredKey(key, now) {
				delete(s.fired, key)
			}
		}
		var hit string
		current := now.Format("15:04")
		for _, hhmm := range trigger.times {
			if hhmm == current && !s.fired[firedKey(now, hhmm)] {
				s.fired[firedKey(now, hhmm)] = true
				hit = hhmm
				break
			}
		}
		s.mu.Unlock()

		if hit != "" {
			log.Printf("[scheduler] daily trigger %s fired", hit)
			return nil
		}
		if err := s.sleep(ctx, dailyPollInterval); err != nil {
			return err
		}
	}
}

// deleteExpired removes accounts whose trial ended strictly before
// today in the store timezone, and purges their cooldown entries.
func (s *Scheduler) deleteExpired(ctx context.Context, accounts []models.Account, cfg *config.Config) map[string]bool {
	loc := cfg.Location()
	today := dateOf(s.now().In(loc))

	var expired []string
	for _, account := range accounts {
		if account.Disabled || account.TrialEnd == nil {
			continue
		}
		if dateOf(account.TrialEnd.In(loc)).Before(today) {
			expired = append(expired, account.ID)
		}
	}
	if len(expired) == 0 {
		return map[string]bool{}
	}

	count, err := s.accounts.DeleteMany(ctx, expired)
	if err != nil {
		log.Printf("[scheduler] failed to delete %d expired account(s): %v", len(expired), err)
		return map[string]bool{}
	}
	log.Printf("[scheduler] deleted %d expired account(s)", count)

	deleted := make(map[string]bool, len(expired))
	s.mu.Lock()
	for _, id := range expired {
		deleted[id] = true
		delete(s.cooldown, id)
	}
	s.mu.Unlock()
	return deleted
}

// dueSet selects the accounts eligible for refresh this cycle, in the
// stable order the store returned them.
func (s *Scheduler) dueSet(accounts []models.Account, cfg *config.Config, deleted map[string]bool) []string {
	now := s.now()
	window := cfg.RefreshWindow()
	cooldown := cfg.Cooldown()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for _, account := range accounts {
		if deleted[account.ID] || account.Disabled {
			continue
		}
		if !account.BindingComplete(cfg.FreemailJWTToken) {
			continue
		}
		if account.ExpiresAt.Sub(now) > window {
			continue
		}
		if last, ok := s.cooldown[account.ID]; ok && now.Sub(last) < cooldown {
			continue
		}
		due = append(due, account.ID)
	}
	return due
}

// partition splits ids into order-preserving chunks of at most size.
func partition(ids []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var batches [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}

// replenish registers the shortfall below the configured minimum, one
// account at a time with a fixed delay between attempts.
func (s *Scheduler) replenish(ctx context.Context, cfg *config.Config) {
	if !cfg.AutoRegisterEnabled || cfg.MinAccountCount <= 0 {
		return
	}

	active, err := s.accounts.CountActive(ctx)
	if err != nil {
		log.Printf("[scheduler] failed to count active accounts: %v", err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.SetActiveAccounts(int(active))
	}

	shortfall := cfg.MinAccountCount - int(active)
	if shortfall <= 0 {
		return
	}
	log.Printf("[scheduler] %d active account(s), registering %d", active, shortfall)

	for i := 0; i < shortfall; i++ {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.registrar.RegisterOne(ctx, cfg); err != nil {
			log.Printf("[scheduler] registration attempt %d/%d failed: %v", i+1, shortfall, err)
		}
		if i < shortfall-1 {
			if err := s.sleep(ctx, registerDelay); err != nil {
				return
			}
		}
	}
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// String renders the trigger for logs.
func (t Trigger) String() string {
	if t.mode == modeInterval {
		return fmt.Sprintf("every %s", t.interval)
	}
	return "daily at " + fmt.Sprint(t.times)
}
