// Package engine runs batches of accounts through the automation
// adapter, one account at a time on a single dedicated worker, while
// staying responsive to cancellation requests.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sumire-labs/poolkeeper/internal/config"
	"github.com/sumire-labs/poolkeeper/internal/loginflow"
	"github.com/sumire-labs/poolkeeper/internal/mail"
	"github.com/sumire-labs/poolkeeper/internal/models"
)

// AccountStore is the slice of the account repository the engine needs.
type AccountStore interface {
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	UpdateOne(ctx context.Context, accountID string, account *models.Account) error
}

// HistoryStore persists finished task records. Append failures are
// swallowed: history is best-effort.
type HistoryStore interface {
	Append(ctx context.Context, record *models.TaskRecord) error
}

// Adapter drives one authentication attempt end to end. Abort is
// best-effort and safe to call concurrently with RunAttempt.
type Adapter interface {
	RunAttempt(ctx context.Context, identity string, provider mail.Provider, registration bool) loginflow.Outcome
	Abort()
}

// ProviderResolver turns an account's mail binding into a provider.
type ProviderResolver func(account *models.Account, cfg *config.Config) (mail.Provider, error)

type job struct {
	ctx  context.Context
	task *models.RefreshTask
	cfg  *config.Config
	done chan struct{}
}

// Engine executes refresh tasks serially. At most one automation
// session is open at a time: the adapter wraps a heavyweight browser
// and provider rate limits punish parallel attempts.
type Engine struct {
	accounts AccountStore
	history  HistoryStore
	adapter  Adapter
	resolve  ProviderResolver

	// OnSuccess fires after an account is refreshed and persisted; the
	// scheduler uses it to stamp its cooldown table.
	OnSuccess func(accountID string, at time.Time)
	// OnResult fires once per attempted account, for metrics.
	OnResult func(success, riskControl bool)

	jobs chan *job

	mu      sync.Mutex
	current *models.RefreshTask
	cancel  context.CancelFunc
}

// New starts the engine's worker goroutine. Call Close when done.
func New(accounts AccountStore, history HistoryStore, adapter Adapter, resolve ProviderResolver) *Engine {
	if resolve == nil {
		resolve = mail.ForAccount
	}
	e := &Engine{
		accounts: accounts,
		history:  history,
		adapter:  adapter,
		resolve:  resolve,
		jobs:     make(chan *job, 1),
	}
	go e.worker()
	return e
}

// Close stops the worker once the queued task, if any, finishes. The
// engine must not be used afterwards.
func (e *Engine) Close() {
	close(e.jobs)
}

func (e *Engine) worker() {
	for j := range e.jobs {
		e.execute(j.ctx, j.task, j.cfg)
		close(j.done)
	}
}

// Run executes one batch and blocks until it reaches a terminal status,
// returning a snapshot of the finished task. Cancellation is serviced
// concurrently via Cancel.
func (e *Engine) Run(ctx context.Context, accountIDs []string, cfg *config.Config) *models.RefreshTask {
	task := &models.RefreshTask{
		ID:         uuid.NewString(),
		AccountIDs: append([]string(nil), accountIDs...),
		Status:     models.TaskPending,
		CreatedAt:  time.Now(),
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.current = task
	e.cancel = cancel
	e.mu.Unlock()

	j := &job{ctx: taskCtx, task: task, cfg: cfg, done: make(chan struct{})}
	e.jobs <- j
	<-j.done

	e.mu.Lock()
	e.current = nil
	e.cancel = nil
	snapshot := task.Clone()
	e.mu.Unlock()
	return snapshot
}

// Cancel requests cancellation of the current task: no further accounts
// start, and the in-flight adapter session is aborted.
func (e *Engine) Cancel(reason string) {
	e.mu.Lock()
	task := e.current
	if task != nil && !task.CancelRequested {
		task.CancelRequested = true
		task.CancelReason = reason
		task.AppendLog("warn", "cancellation requested: "+reason)
		log.Printf("[engine] task %s: cancellation requested: %s", task.ID, reason)
	}
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if task != nil {
		e.adapter.Abort()
	}
}

// Current returns a snapshot of the running task, or nil.
func (e *Engine) Current() *models.RefreshTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil
	}
	return e.current.Clone()
}

func (e *Engine) execute(ctx context.Context, task *models.RefreshTask, cfg *config.Config) {
	e.mu.Lock()
	task.Status = models.TaskRunning
	e.mu.Unlock()
	e.logTask(task, "info", fmt.Sprintf("task %s started: %d account(s)", task.ID, len(task.AccountIDs)))

	for _, accountID := range task.AccountIDs {
		if e.cancelRequested(task) || ctx.Err() != nil {
			break
		}
		result := e.processAccount(ctx, task, cfg, accountID)
		if result == nil {
			// The in-flight attempt was cancelled; nothing to record.
			break
		}
		e.mu.Lock()
		task.Progress++
		task.Results = append(task.Results, *result)
		if result.Success {
			task.SuccessCount++
		} else {
			task.FailCount++
		}
		e.mu.Unlock()
	}

	e.finish(ctx, task)
}

// processAccount runs one account's refresh attempt. A nil result means
// the attempt was cancelled and the batch should stop.
func (e *Engine) processAccount(ctx context.Context, task *models.RefreshTask, cfg *config.Config, accountID string) *models.AccountResult {
	e.logTask(task, "info", fmt.Sprintf("account %s: starting refresh", accountID))

	account, err := e.accounts.GetByID(ctx, accountID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return e.failure(task, accountID, fmt.Sprintf("failed to load account: %v", err), false)
	}

	provider, err := e.resolve(account, cfg)
	if err != nil {
		// Missing secrets are a local, non-retryable failure.
		return e.failure(task, accountID, err.Error(), false)
	}

	outcome := e.adapter.RunAttempt(ctx, account.ID, provider, false)
	if outcome.Reason == loginflow.ReasonCancelled && e.cancelRequested(task) {
		return nil
	}
	if !outcome.Success {
		return e.failure(task, accountID, outcome.Reason, outcome.RiskControl)
	}

	mergeSessionConfig(account, outcome.Config)
	if err := e.accounts.UpdateOne(ctx, account.ID, account); err != nil {
		return e.failure(task, accountID, fmt.Sprintf("refreshed but failed to persist: %v", err), false)
	}

	if e.OnSuccess != nil {
		e.OnSuccess(accountID, time.Now())
	}
	if e.OnResult != nil {
		e.OnResult(true, false)
	}
	e.logTask(task, "info", fmt.Sprintf("account %s: refreshed, new expiry %s", accountID, account.ExpiresAt.Format(time.RFC3339)))
	return &models.AccountResult{AccountID: accountID, Success: true}
}

func (e *Engine) failure(task *models.RefreshTask, accountID, reason string, riskControl bool) *models.AccountResult {
	if riskControl {
		e.logTask(task, "error", fmt.Sprintf("account %s: risk control signal during refresh", accountID))
	}
	e.logTask(task, "error", fmt.Sprintf("account %s: refresh failed: %s", accountID, reason))
	if e.OnResult != nil {
		e.OnResult(false, riskControl)
	}
	return &models.AccountResult{AccountID: accountID, Error: reason}
}

func (e *Engine) finish(ctx context.Context, task *models.RefreshTask) {
	now := time.Now()

	e.mu.Lock()
	switch {
	case task.CancelRequested || ctx.Err() != nil:
		task.Status = models.TaskCancelled
		if task.CancelReason == "" {
			task.CancelReason = "stop requested"
		}
	case task.FailCount > 0:
		task.Status = models.TaskFailed
	default:
		task.Status = models.TaskSuccess
	}
	task.FinishedAt = &now
	record, err := task.Clone().Record()
	status := task.Status
	e.mu.Unlock()

	e.logTask(task, "info", fmt.Sprintf("task %s finished: %s (%d ok, %d failed)", task.ID, status, task.SuccessCount, task.FailCount))

	if err != nil {
		log.Printf("[engine] task %s: failed to build history record: %v", task.ID, err)
		return
	}
	// History is best-effort; use a fresh context so a cancelled task
	// still gets flushed.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.history.Append(flushCtx, record); err != nil {
		log.Printf("[engine] task %s: failed to persist history: %v", task.ID, err)
	}
}

func (e *Engine) cancelRequested(task *models.RefreshTask) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return task.CancelRequested
}

func (e *Engine) logTask(task *models.RefreshTask, level, message string) {
	e.mu.Lock()
	task.AppendLog(level, message)
	e.mu.Unlock()
	log.Printf("[engine] %s", message)
}

// mergeSessionConfig overwrites the account's session material with the
// attempt's result, preserving identity and mail binding.
func mergeSessionConfig(account *models.Account, cfg *loginflow.SessionConfig) {
	if cfg == nil {
		return
	}
	if cfg.ConfigID != "" {
		account.ConfigID = cfg.ConfigID
	}
	if cfg.CSesIdx != "" {
		account.CSesIdx = cfg.CSesIdx
	}
	if cfg.SecureCSes != "" {
		account.SecureCSes = cfg.SecureCSes
	}
	if cfg.HostCOses != "" {
		account.HostCOses = cfg.HostCOses
	}
	account.ExpiresAt = cfg.ExpiresAt
	if cfg.TrialEnd != nil {
		account.TrialEnd = cfg.TrialEnd
	}
}
