package service

import (
	"auth-core/internal/bucketing"
	"auth-core/internal/config"
	"auth-core/internal/encryption"
	"auth-core/internal/events"
	"auth-core/internal/hashing"
	"auth-core/internal/metrics"
	"auth-core/internal/model"
)

// Dependencies is everything the services need from the infrastructure layer.
type Dependencies struct {
	Config     *config.Config
	Store      model.Store
	Sweeper    Sweeper
	Sessions   model.SessionRepository
	Devices    model.DeviceRepository
	Users      model.UserLookup
	Delivery   DeliveryChannel
	Encryption *encryption.Manager
	Hasher     *hashing.Hasher
	Buckets    *bucketing.Manager
	Publisher  events.Publisher
	Metrics    *metrics.Metrics

	// Audit reads. Recent is also a dispatcher sink; Search and Counts are
	// optional backends named by their *Source fields.
	AuditRecent       *events.RecentEvents
	AuditSearch       events.EventSearcher
	AuditSearchSource string
	AuditCounts       events.EventCounter
	AuditCountsSource string
}

// ServiceFactory creates the service graph once and hands out the instances.
type ServiceFactory struct {
	rateLimit   *RateLimitService
	otp         *OTPService
	devices     *DeviceTrustService
	sessions    *SessionService
	passwords   *PasswordService
	maintenance *MaintenanceService
	audit       *AuditService
	issuer      *TokenIssuer
}

func NewServiceFactory(deps Dependencies) (*ServiceFactory, error) {
	cfg := deps.Config
	locker := bucketing.NewLocker(deps.Buckets, cfg.Bucketing.LockStripes)

	issuer, err := NewTokenIssuer(cfg.JWT)
	if err != nil {
		return nil, err
	}

	f := &ServiceFactory{issuer: issuer}
	f.rateLimit = NewRateLimitService(deps.Store, deps.Metrics, deps.Publisher)
	f.otp = NewOTPService(deps.Store, f.rateLimit, deps.Encryption, deps.Delivery, locker,
		deps.Publisher, deps.Metrics, OTPPolicyFromConfig(cfg.OTP))
	f.devices = NewDeviceTrustService(deps.Devices, DevicePolicyFromConfig(cfg.Device), deps.Publisher, deps.Metrics)
	f.sessions = NewSessionService(deps.Sessions, SessionPolicyFromConfig(cfg), locker, issuer,
		f.devices, deps.Publisher, deps.Metrics)
	f.passwords = NewPasswordService(deps.Hasher, deps.Store, f.rateLimit, deps.Users, deps.Delivery,
		deps.Publisher, cfg.Password.ResetTokenTTL)
	f.maintenance = NewMaintenanceService(f.sessions, f.devices, deps.Sweeper, deps.Metrics)
	f.audit = NewAuditService(deps.AuditRecent)
	if deps.AuditSearch != nil {
		f.audit.WithSearch(deps.AuditSearch, deps.AuditSearchSource)
	}
	if deps.AuditCounts != nil {
		f.audit.WithCounts(deps.AuditCounts, deps.AuditCountsSource)
	}
	return f, nil
}

func (f *ServiceFactory) RateLimitService() *RateLimitService     { return f.rateLimit }
func (f *ServiceFactory) OTPService() *OTPService                 { return f.otp }
func (f *ServiceFactory) DeviceTrustService() *DeviceTrustService { return f.devices }
func (f *ServiceFactory) SessionService() *SessionService         { return f.sessions }
func (f *ServiceFactory) PasswordService() *PasswordService       { return f.passwords }
func (f *ServiceFactory) MaintenanceService() *MaintenanceService { return f.maintenance }
func (f *ServiceFactory) AuditService() *AuditService             { return f.audit }
func (f *ServiceFactory) TokenIssuer() *TokenIssuer               { return f.issuer }
