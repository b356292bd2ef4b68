package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"flockd/internal/config"
	"flockd/internal/storage"
	logx "flockd/pkg/logx"
)

// maintenance runs the periodic housekeeping jobs on a cron schedule.
type maintenance struct {
	c         *cron.Cron
	store     storage.Store
	log       logx.Logger
	retention time.Duration
}

func newMaintenance(mc config.MaintenanceConfig, store storage.Store, log logx.Logger) (*maintenance, error) {
	retention, err := config.ParseDurationOrDefault("maintenance.audit_retention", mc.AuditRetention, 30*24*time.Hour)
	if err != nil {
		return nil, err
	}

	loc := time.Local
	if mc.Timezone != "" {
		loc, err = time.LoadLocation(mc.Timezone)
		if err != nil {
			return nil, err
		}
	}

	m := &maintenance{
		c:         cron.New(cron.WithLocation(loc)),
		store:     store,
		log:       log,
		retention: retention,
	}

	spec := mc.AuditPruneSpec
	if spec == "" {
		spec = "30 3 * * *"
	}
	if _, err := m.c.AddFunc(spec, m.pruneAudit); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *maintenance) Start() { m.c.Start() }

func (m *maintenance) Stop() {
	ctx := m.c.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
}

func (m *maintenance) pruneAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := m.store.PruneAudit(ctx, time.Now().Add(-m.retention))
	if err != nil {
		m.log.Warn("audit prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		m.log.Info("audit pruned", logx.Int64("rows", n))
	}
}
