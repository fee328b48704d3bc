package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"auth-core/internal/metrics"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

// Sweeper is implemented by stores that expire keys lazily.
type Sweeper interface {
	Sweep() int
}

// MaintenanceService runs the periodic cleanup sweeps. Every sweep is
// idempotent, so overlapping runs are harmless but serialised anyway.
type MaintenanceService struct {
	sessions *SessionService
	devices  *DeviceTrustService
	sweeper  Sweeper
	metrics  *metrics.Metrics

	mu sync.Mutex
}

// NewMaintenanceService accepts nil for any part that is not deployed.
func NewMaintenanceService(sessions *SessionService, devices *DeviceTrustService, sweeper Sweeper, m *metrics.Metrics) *MaintenanceService {
	return &MaintenanceService{sessions: sessions, devices: devices, sweeper: sweeper, metrics: m}
}

func (s *MaintenanceService) RunCleanup(ctx context.Context) (*model.CleanupReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	report := &model.CleanupReport{}

	g, ctx := errgroup.WithContext(ctx)
	if s.sessions != nil {
		g.Go(func() error {
			deactivated, deleted, err := s.sessions.CleanupExpiredSessions(ctx)
			report.SessionsDeactivated = deactivated
			report.SessionsDeleted = deleted
			return err
		})
	}
	if s.devices != nil {
		g.Go(func() error {
			updated, err := s.devices.CleanupExpiredDevices(ctx)
			report.DevicesUpdated = updated
			return err
		})
	}
	if s.sweeper != nil {
		g.Go(func() error {
			report.StoreKeysSwept = s.sweeper.Sweep()
			return nil
		})
	}
	err := g.Wait()

	report.Duration = time.Since(start)
	s.metrics.ObserveCleanup(report.Duration.Seconds())
	if err != nil {
		util.Error("Cleanup sweep failed", zap.Error(err))
		return report, err
	}

	util.Info("Cleanup sweep finished",
		zap.Int("sessions_deactivated", report.SessionsDeactivated),
		zap.Int("sessions_deleted", report.SessionsDeleted),
		zap.Int("devices_updated", report.DevicesUpdated),
		zap.Int("store_keys_swept", report.StoreKeysSwept),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// Start runs RunCleanup every interval until ctx is done. A non-positive
// interval disables the loop.
func (s *MaintenanceService) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunCleanup(ctx); err != nil && ctx.Err() == nil {
					util.Warn("Scheduled cleanup failed", zap.Error(err))
				}
			}
		}
	}()
}
