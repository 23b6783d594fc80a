package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"model-run-scheduler/internal/models"
	"model-run-scheduler/internal/store"
	"model-run-scheduler/internal/telemetry"
)

// Manager persists the registry to a JSON file and restores history from it.
type Manager struct {
	reg       *store.Registry
	path      string
	interval  time.Duration
	retention time.Duration
	log       *logrus.Entry
}

// New builds a manager writing to path every interval, pruning completed jobs
// older than retention before each write.
func New(reg *store.Registry, path string, interval, retention time.Duration, log *logrus.Entry) *Manager {
	return &Manager{reg: reg, path: path, interval: interval, retention: retention, log: log}
}

// Save writes the current registry atomically: a temp file in the same
// directory is renamed over the target.
func (m *Manager) Save() error {
	if err := write(m.path, m.reg.ListAll()); err != nil {
		telemetry.SnapshotFailures.Inc()
		return err
	}
	return nil
}

// Write stores snap at path via temp file and rename.
func Write(path string, snap store.Snapshot) error {
	return write(path, snap)
}

func write(path string, snap store.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", models.ErrPersistence, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir: %v", models.ErrPersistence, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", models.ErrPersistence, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write: %v", models.ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync: %v", models.ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", models.ErrPersistence, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: rename: %v", models.ErrPersistence, err)
	}
	return nil
}

// Load reads a snapshot file. A missing file yields an error matching
// os.ErrNotExist; unreadable content is wrapped in models.ErrPersistence.
func Load(path string) (store.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return store.Snapshot{}, err
		}
		return store.Snapshot{}, fmt.Errorf("%w: read: %v", models.ErrPersistence, err)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: decode %s: %v", models.ErrPersistence, path, err)
	}
	return snap, nil
}

// Recover restores completed jobs from the snapshot file into the registry.
// Queued and active entries cannot be resumed and are dropped with a log line.
// A missing file is a cold start. A corrupt file is reported and leaves the
// registry empty.
func (m *Manager) Recover() (int, error) {
	snap, err := Load(m.path)
	if errors.Is(err, os.ErrNotExist) {
		m.log.WithField("path", m.path).Info("no snapshot found, starting cold")
		return 0, nil
	}
	if err != nil {
		telemetry.SnapshotFailures.Inc()
		m.log.WithError(err).WithField("path", m.path).Error("snapshot unreadable, starting with empty registry")
		return 0, err
	}

	var dropped []string
	for _, j := range snap.Queued {
		dropped = append(dropped, j.ID)
	}
	for _, j := range snap.Active {
		dropped = append(dropped, j.ID)
	}
	if len(dropped) > 0 {
		m.log.WithField("job_ids", dropped).Warn("discarding queued and running jobs from previous process")
	}

	restored := m.reg.Restore(snap.Completed)
	m.log.WithFields(logrus.Fields{
		"path":     m.path,
		"restored": restored,
		"skipped":  len(snap.Completed) - restored,
	}).Info("snapshot recovered")
	return restored, nil
}

// PruneAndSave drops expired completed jobs then writes the snapshot.
func (m *Manager) PruneAndSave() error {
	pruned := m.reg.Prune(m.retention)
	if err := m.Save(); err != nil {
		m.log.WithError(err).Error("snapshot save failed")
		return err
	}
	q, a, c := m.reg.Counts()
	m.log.WithFields(logrus.Fields{
		"pruned":    pruned,
		"queued":    q,
		"active":    a,
		"completed": c,
	}).Info("snapshot saved")
	return nil
}

// Run schedules PruneAndSave every interval until ctx is cancelled. The final
// snapshot is left to the caller, which must write it after the scheduler has
// retired in-flight jobs.
func (m *Manager) Run(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() { _ = m.PruneAndSave() }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	s.Start()
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		m.log.WithError(err).Error("shutting down gocron has failed")
	}
	return nil
}
