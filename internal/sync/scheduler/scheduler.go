// Package scheduler drives sync runs: it reacts to session, connectivity,
// explicit and periodic triggers, runs downloads and uploads one at a time
// and publishes the derived sync status.
package scheduler

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/dinovending/dino/backend/internal/errors"
	"github.com/dinovending/dino/backend/internal/models"
	syncpkg "github.com/dinovending/dino/backend/internal/sync"
	"github.com/dinovending/dino/backend/internal/sync/queue"
)

// Uploader replays queued mutations. queue.Queue implements it.
type Uploader interface {
	Process(ctx context.Context) *queue.ProcessResult
}

// OrchestratorConfig holds orchestrator configuration.
type OrchestratorConfig struct {
	// SyncInterval triggers a full sync periodically while online. Zero
	// disables the timer.
	SyncInterval time.Duration
	// RunTimeout bounds one full sync. Zero means 5 minutes.
	RunTimeout time.Duration
}

// DefaultOrchestratorConfig returns default orchestrator configuration.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{RunTimeout: 5 * time.Minute}
}

// Orchestrator owns the sync schedule. All runs happen on one goroutine fed
// by a work channel, so at most one download and one upload are ever in
// flight and repeated requests coalesce.
type Orchestrator struct {
	client     *syncpkg.Client
	downloader syncpkg.Downloader
	uploader   Uploader
	interval   time.Duration
	runTimeout time.Duration

	work chan struct{}
	wg   sync.WaitGroup

	mu          sync.RWMutex
	isRunning   bool
	cancel      context.CancelFunc
	wantFull    bool
	wantUpload  bool
	waiters     []chan struct{}
	downloading bool
	uploading   bool
	pending     int
	lastSync    *time.Time
	lastPull    *syncpkg.PullResult
	lastUpload  *queue.ProcessResult
	nextSub     int
	subs        map[int]chan syncpkg.SyncStatus
}

// OrchestratorStatus is a snapshot of the orchestrator.
type OrchestratorStatus struct {
	syncpkg.SyncStatus
	IsRunning  bool                 `json:"running"`
	Uploading  bool                 `json:"uploading"`
	LastSync   *time.Time           `json:"last_sync,omitempty"`
	LastPull   *syncpkg.PullResult  `json:"last_pull,omitempty"`
	LastUpload *queue.ProcessResult `json:"last_upload,omitempty"`
	Failed     int                  `json:"failed"`
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(client *syncpkg.Client, downloader syncpkg.Downloader, uploader Uploader, config *OrchestratorConfig) *Orchestrator {
	if config == nil {
		config = DefaultOrchestratorConfig()
	}
	runTimeout := config.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		client:     client,
		downloader: downloader,
		uploader:   uploader,
		interval:   config.SyncInterval,
		runTimeout: runTimeout,
		work:       make(chan struct{}, 1),
		subs:       make(map[int]chan syncpkg.SyncStatus),
	}
}

// Start starts the orchestrator. It reads the current pending count so the
// first status is accurate, and schedules a full sync when a session is
// already established, as after a restart with a saved token.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.isRunning {
		o.mu.Unlock()
		return
	}
	o.isRunning = true
	ctx, o.cancel = context.WithCancel(ctx)
	// Subscribe before reporting running so no transition is missed
	transitions, unsubscribe := o.subscribeNetwork()
	queueChanges, stopWatch := o.client.Store.Watch(models.TableSyncQueue)
	o.mu.Unlock()

	o.refreshPending(ctx)
	if o.client.Session != nil && o.client.Session.Current() != nil {
		o.request(true, nil)
	}

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.loop(ctx)
	}()
	go func() {
		defer o.wg.Done()
		defer unsubscribe()
		defer stopWatch()
		o.watch(ctx, transitions, queueChanges)
	}()

	o.client.Log("orchestrator").Info("sync orchestrator started", map[string]interface{}{
		"interval": o.interval.String(),
	})
}

// Stop stops the loop and waits for the current run to end. Callers
// blocked in SyncNow are released.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.isRunning {
		o.mu.Unlock()
		return
	}
	o.isRunning = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()

	o.mu.Lock()
	for _, w := range o.waiters {
		close(w)
	}
	o.waiters = nil
	o.mu.Unlock()

	o.client.Log("orchestrator").Info("sync orchestrator stopped")
}

func (o *Orchestrator) subscribeNetwork() (<-chan bool, func()) {
	if o.client.Network == nil {
		return nil, func() {}
	}
	return o.client.Network.Subscribe()
}

// loop is the only goroutine that runs syncs.
func (o *Orchestrator) loop(ctx context.Context) {
	var tick <-chan time.Time
	if o.interval > 0 {
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-o.work:
			o.drain(ctx)

		case <-tick:
			if o.client.Online() {
				o.request(true, nil)
			}
		}
	}
}

// watch follows connectivity and queue changes. It runs beside loop so the
// status stays current while a sync is in progress.
func (o *Orchestrator) watch(ctx context.Context, transitions <-chan bool, queueChanges <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return

		case online := <-transitions:
			o.client.Log("orchestrator").Info("connectivity changed", map[string]interface{}{"online": online})
			if online {
				o.request(true, nil)
			}
			o.publish()

		case <-queueChanges:
			o.refreshPending(ctx)
		}
	}
}

// request records wanted work and wakes the loop. A full sync includes an
// upload. waiter, when non-nil, is closed after the next full sync.
func (o *Orchestrator) request(full bool, waiter chan struct{}) {
	o.mu.Lock()
	if full {
		o.wantFull = true
	} else {
		o.wantUpload = true
	}
	if waiter != nil {
		o.waiters = append(o.waiters, waiter)
	}
	o.mu.Unlock()

	select {
	case o.work <- struct{}{}:
	default:
	}
}

// drain runs requested work until none is left.
func (o *Orchestrator) drain(ctx context.Context) {
	for ctx.Err() == nil {
		o.mu.Lock()
		full, upload, waiters := o.wantFull, o.wantUpload, o.waiters
		o.wantFull, o.wantUpload, o.waiters = false, false, nil
		o.mu.Unlock()

		if !full && !upload {
			return
		}
		if full {
			o.runFull(ctx)
		} else {
			o.runUpload(ctx)
		}
		for _, w := range waiters {
			close(w)
		}
	}
}

// runFull downloads, then uploads. It does nothing while offline.
func (o *Orchestrator) runFull(ctx context.Context) {
	log := o.client.Log("orchestrator")
	if !o.client.Online() {
		log.Debug("skipping sync while offline")
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, o.runTimeout)
	defer cancel()

	o.setDownloading(true)
	pull := o.downloader.Pull(runCtx)
	o.setDownloading(false)

	o.mu.Lock()
	o.lastPull = pull
	o.mu.Unlock()

	o.runUpload(runCtx)

	if pull.Skipped == "" && pull.Error == "" {
		now := o.client.CurrentTime()
		o.mu.Lock()
		o.lastSync = &now
		o.mu.Unlock()
	}

	log.Info("sync completed", map[string]interface{}{
		"tenant_id":  pull.TenantID,
		"skipped":    pull.Skipped,
		"downloaded": pull.Written(),
		"failed":     pull.Failed(),
	})
}

func (o *Orchestrator) runUpload(ctx context.Context) {
	o.mu.Lock()
	o.uploading = true
	o.mu.Unlock()

	res := o.uploader.Process(ctx)

	o.mu.Lock()
	o.uploading = false
	o.lastUpload = res
	o.mu.Unlock()

	if res.Failed > 0 {
		o.client.Log("orchestrator").Warn("upload had failures", map[string]interface{}{
			"replayed": res.Replayed,
			"failed":   res.Failed,
		})
	}
	o.refreshPending(ctx)
}

func (o *Orchestrator) setDownloading(v bool) {
	o.mu.Lock()
	o.downloading = v
	o.mu.Unlock()
	o.publish()
}

// refreshPending re-reads the queue's pending count.
func (o *Orchestrator) refreshPending(ctx context.Context) {
	n, err := o.client.Store.PendingCount(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.client.Log("orchestrator").Error("failed to count pending entries", err)
		}
		return
	}
	o.mu.Lock()
	changed := o.pending != n
	o.pending = n
	o.mu.Unlock()
	if changed {
		o.publish()
	}
}

// =====================================================
// Triggers
// =====================================================

// SessionEstablished schedules a full sync after sign-in.
func (o *Orchestrator) SessionEstablished() {
	o.request(true, nil)
}

// TriggerSync schedules a full sync without waiting for it.
func (o *Orchestrator) TriggerSync() {
	o.request(true, nil)
}

// TriggerUpload schedules an upload. It never blocks, so it is safe as the
// queue's enqueue trigger.
func (o *Orchestrator) TriggerUpload() {
	o.request(false, nil)
}

// SyncNow schedules a full sync and waits until it has run or ctx ends.
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	if !o.IsRunning() {
		return apperrors.New(apperrors.ErrSyncNotConfigured, "sync orchestrator is not running")
	}
	if !o.client.Online() {
		return apperrors.New(apperrors.ErrOffline, "cannot sync while offline")
	}
	done := make(chan struct{})
	o.request(true, done)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =====================================================
// Status
// =====================================================

// Status returns the derived sync indicator.
func (o *Orchestrator) Status() syncpkg.SyncStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return syncpkg.DeriveStatus(o.client.Online(), o.downloading, o.pending)
}

// GetStatus returns a full snapshot including the dead letter count.
func (o *Orchestrator) GetStatus(ctx context.Context) OrchestratorStatus {
	failed := 0
	if stats, err := o.client.Store.QueueStats(ctx); err == nil {
		failed = stats.Failed
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	s := OrchestratorStatus{
		Failed:     failed,
		SyncStatus: syncpkg.DeriveStatus(o.client.Online(), o.downloading, o.pending),
		IsRunning:  o.isRunning,
		Uploading:  o.uploading,
		LastPull:   o.lastPull,
		LastUpload: o.lastUpload,
	}
	if o.lastSync != nil {
		t := *o.lastSync
		s.LastSync = &t
	}
	return s
}

// Subscribe returns a channel receiving the status after every change,
// starting with the current one. Slow readers only see the latest status.
func (o *Orchestrator) Subscribe() (<-chan syncpkg.SyncStatus, func()) {
	ch := make(chan syncpkg.SyncStatus, 1)
	ch <- o.Status()

	o.mu.Lock()
	o.nextSub++
	id := o.nextSub
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// publish sends the current status to every subscriber.
func (o *Orchestrator) publish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := syncpkg.DeriveStatus(o.client.Online(), o.downloading, o.pending)
	for _, ch := range o.subs {
		select {
		case <-ch:
		default:
		}
		ch <- status
	}
}

// IsRunning returns whether the loop is running.
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.isRunning
}

// IsOnline returns the connectivity flag.
func (o *Orchestrator) IsOnline() bool {
	return o.client.Online()
}
