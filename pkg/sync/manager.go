// Package sync coordinates connector sync runs: the Manager starts and
// tracks one run per source, and the Scheduler triggers incremental syncs
// for sources whose interval has elapsed.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/dydact/omni/pkg/connector"
	"github.com/dydact/omni/pkg/content"
	"github.com/dydact/omni/pkg/models"
	"github.com/dydact/omni/pkg/queue"
)

// ErrSyncAlreadyRunning is returned when a source already has a running
// sync; the API surfaces it as HTTP 409.
var ErrSyncAlreadyRunning = errors.New("a sync is already running for this source")

// ErrSourceDisabled is returned for sources with syncing switched off.
var ErrSourceDisabled = errors.New("source is disabled")

// Manager starts syncs and tracks the live runtimes so callbacks and
// cancellation can reach them.
type Manager struct {
	db       *gorm.DB
	contents *content.Store
	queue    *queue.Queue
	registry *connector.Registry
	logger   hclog.Logger

	// baseCtx bounds the sync goroutines. Syncs must not run on the
	// trigger caller's context: an HTTP trigger context dies the moment
	// the response is written, long before the sync does.
	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	active map[uuid.UUID]*connector.Runtime
	wg     sync.WaitGroup
}

// NewManager creates a manager.
func NewManager(db *gorm.DB, contents *content.Store, q *queue.Queue,
	registry *connector.Registry, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Manager{
		db:       db,
		contents: contents,
		queue:    q,
		registry: registry,
		logger:   logger.Named("sync"),
		baseCtx:  baseCtx,
		stop:     stop,
		active:   make(map[uuid.UUID]*connector.Runtime),
	}
}

// TriggerSync starts a sync for the source and returns its run row. The
// sync itself executes on its own goroutine; callers watch the run row for
// progress. At most one running sync per source.
//
// ctx bounds only the synchronous validation phase; the sync goroutine runs
// on the manager's lifecycle and outlives the trigger request.
func (m *Manager) TriggerSync(ctx context.Context, sourceID uuid.UUID, syncType models.SyncType) (*models.SyncRun, error) {
	db := m.db.WithContext(ctx)

	source := &models.Source{ID: sourceID}
	if err := source.Get(db); err != nil {
		return nil, fmt.Errorf("failed to load source %s: %w", sourceID, err)
	}
	if !source.Enabled {
		return nil, ErrSourceDisabled
	}

	conn, err := m.registry.Resolve(source.SourceType)
	if err != nil {
		return nil, err
	}

	// Check-and-create under the lock so two concurrent triggers cannot
	// both pass the running-sync check.
	m.mu.Lock()
	defer m.mu.Unlock()

	running, err := models.HasRunningSync(db, sourceID)
	if err != nil {
		return nil, err
	}
	if running {
		return nil, ErrSyncAlreadyRunning
	}

	run := &models.SyncRun{
		SourceID: sourceID,
		SyncType: syncType,
		Status:   models.SyncRunStatusRunning,
	}
	if err := run.Create(db); err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}

	rt := connector.NewRuntime(m.db, m.contents, m.queue, source, run, m.logger)
	m.active[run.ID] = rt

	m.wg.Add(1)
	go m.runSync(m.baseCtx, conn, source, run, rt, syncType)

	m.logger.Info("sync started",
		"sync_run_id", run.ID,
		"source", source.Name,
		"sync_type", syncType,
	)
	return run, nil
}

func (m *Manager) runSync(ctx context.Context, conn connector.Connector,
	source *models.Source, run *models.SyncRun, rt *connector.Runtime, syncType models.SyncType) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connector panicked", "sync_run_id", run.ID, "panic", r)
			rt.Fail(fmt.Sprintf("connector panic: %v", r))
		}
		m.mu.Lock()
		delete(m.active, run.ID)
		m.mu.Unlock()
	}()

	config, err := source.Config.AsMap()
	if err != nil {
		rt.Fail(fmt.Sprintf("invalid source config: %v", err))
		return
	}
	credentials, err := source.Credentials.AsMap()
	if err != nil {
		rt.Fail(fmt.Sprintf("invalid credentials: %v", err))
		return
	}

	// Full syncs start from scratch; only incremental ones see the stored
	// watermark and cursor.
	state := map[string]interface{}{}
	if syncType == models.SyncTypeIncremental {
		state, err = source.ConnectorState.AsMap()
		if err != nil {
			rt.Fail(fmt.Sprintf("invalid connector state: %v", err))
			return
		}
	}

	if err := conn.Sync(ctx, config, credentials, state, rt); err != nil {
		rt.Fail(err.Error())
		return
	}
	if !rt.Finalized() {
		// The connector returned without calling Complete or Fail.
		rt.Fail("connector returned without finalizing the sync")
	}
}

// Runtime returns the live runtime for a run, for the callback API.
func (m *Manager) Runtime(runID uuid.UUID) (*connector.Runtime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.active[runID]
	return rt, ok
}

// Cancel signals cancellation to a running sync. Cooperative: the run
// finalizes once the connector observes the signal.
func (m *Manager) Cancel(runID uuid.UUID) error {
	rt, ok := m.Runtime(runID)
	if !ok {
		return fmt.Errorf("no running sync %s", runID)
	}
	rt.Cancel()
	return nil
}

// Wait blocks until all live syncs finish.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Stop cancels the lifecycle context shared by all running syncs and waits
// for them to finalize; used at shutdown.
func (m *Manager) Stop() {
	m.stop()
	m.wg.Wait()
}
