package factory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"auth-core/internal/bucketing"
	"auth-core/internal/client"
	"auth-core/internal/config"
	"auth-core/internal/encryption"
	"auth-core/internal/events"
	"auth-core/internal/hashing"
	"auth-core/internal/metrics"
	"auth-core/internal/model"
	"auth-core/internal/repository"
	"auth-core/internal/repository/memory"
	redisstore "auth-core/internal/repository/redis"
	"auth-core/internal/repository/scylla"
	"auth-core/internal/service"
	"auth-core/internal/tls"
	"auth-core/internal/util"
)

const (
	healthy   = "healthy"
	degraded  = "degraded"
	unhealthy = "unhealthy"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	metrics           *metrics.Metrics
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager

	// Storage
	memoryStore   *memory.Store
	fallbackStore *repository.FallbackStore
	store         model.Store
	sessions      model.SessionRepository
	devices       model.DeviceRepository
	users         model.UserLookup

	dispatcher     *events.Dispatcher
	recentEvents   *events.RecentEvents
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and builds every dependency. Outside
// production a client that cannot connect is logged and skipped so the
// process runs on in-memory fallbacks.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(cfg.Server, cfg.IsProduction())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	f.initializeStorage()
	f.initializeEvents(ctx)

	if err := f.initializeServices(ctx); err != nil {
		f.Close()
		return nil, err
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", f.encryptionManager.UsesKMS()),
		util.Bool("redis_store", f.fallbackStore != nil),
		util.Bool("scylla_repositories", f.scyllaClient != nil),
	)

	return f, nil
}

// initializeClients connects every enabled external client and health-checks it.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config
	var initErrors []error

	if cfg.Redis.Enabled {
		if c, err := client.NewRedisClient(cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			// The fallback store retries it after each cooldown.
			f.redisClient = c
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	if cfg.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			f.scyllaClient = c
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	if cfg.Kafka.Enabled {
		if p, err := client.NewKafkaProducer(cfg); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = p
			util.Info("Kafka producer initialized")
		}
	}

	if cfg.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			c.Close()
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = c
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	if cfg.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(cfg); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			_ = c.Close()
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if cfg.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers builds metrics, hashing, encryption and bucketing.
func (f *Factory) initializeManagers(ctx context.Context) error {
	cfg := f.config

	f.metrics = metrics.New()
	f.hasher = hashing.NewHasher(cfg)
	f.bucketingManager = bucketing.NewManager(cfg)

	// An untyped nil keeps the manager on local data keys.
	var kmsClient encryption.KMSAPI
	if cfg.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
		if err != nil {
			if cfg.IsProduction() {
				return fmt.Errorf("failed to load AWS config: %w", err)
			}
			util.Warn("AWS config unavailable, using local data keys", util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}
	f.encryptionManager = encryption.NewManager(cfg, kmsClient)

	util.Info("Managers initialized successfully",
		util.Any("pepper_versions", f.hasher.PepperVersions()),
		util.Bool("kms", f.encryptionManager.UsesKMS()),
		util.Int("user_buckets", cfg.Bucketing.UserBuckets),
	)
	return nil
}

// initializeStorage picks Redis over memory for the key-value store and
// Scylla over memory for the session and device repositories.
func (f *Factory) initializeStorage() {
	cfg := f.config

	f.memoryStore = memory.NewStore(f.bucketingManager, cfg.Bucketing.StoreShards)
	f.store = f.memoryStore
	if f.redisClient != nil {
		f.fallbackStore = repository.NewFallbackStore(
			redisstore.NewStore(f.redisClient), f.memoryStore, cfg.Redis.FallbackCooldown, f.metrics)
		f.store = f.fallbackStore
	}

	if f.scyllaClient != nil {
		f.sessions = scylla.NewSessionRepository(f.scyllaClient, f.bucketingManager)
		f.devices = scylla.NewDeviceRepository(f.scyllaClient, f.bucketingManager)
		f.users = scylla.NewUserDirectory(f.scyllaClient)
		return
	}

	util.Warn("ScyllaDB disabled, sessions and devices are kept in memory")
	f.sessions = memory.NewSessionRepository()
	f.devices = memory.NewDeviceRepository()
	f.users = memory.NewUserDirectory()
}

// initializeEvents attaches one sink per available event backend.
func (f *Factory) initializeEvents(ctx context.Context) {
	cfg := f.config
	f.recentEvents = events.NewRecentEvents(cfg.Audit.RecentCapacity)
	sinks := []events.Sink{f.recentEvents}

	if f.kafkaProducer != nil {
		sinks = append(sinks, events.NewKafkaSink(f.kafkaProducer, cfg.Kafka.SecurityTopic))
	}
	if f.esClient != nil {
		sinks = append(sinks, events.NewElasticSink(f.esClient, cfg.Elasticsearch.Index))
	}
	if f.clickhouseClient != nil {
		sink := events.NewClickHouseSink(f.clickhouseClient, cfg.Clickhouse.Table, f.bucketingManager)
		if err := sink.EnsureTable(ctx); err != nil {
			util.Warn("ClickHouse event table unavailable, skipping sink", util.ErrorField(err))
		} else {
			sinks = append(sinks, sink)
		}
	}

	f.dispatcher = events.NewDispatcher(events.DefaultDispatcherOptions(), f.metrics, sinks...)
	util.Info("Security event dispatcher started", util.Int("sinks", len(sinks)))
}

func (f *Factory) initializeServices(ctx context.Context) error {
	cfg := f.config

	var delivery service.DeliveryChannel = service.LogDeliveryChannel{}
	if f.kafkaProducer != nil {
		delivery = service.NewKafkaDeliveryChannel(f.kafkaProducer, cfg.Kafka.DeliveryTopic, f.encryptionManager)
	}

	deps := service.Dependencies{
		Config:      cfg,
		Store:       f.store,
		Sweeper:     f.memoryStore,
		Sessions:    f.sessions,
		Devices:     f.devices,
		Users:       f.users,
		Delivery:    delivery,
		Encryption:  f.encryptionManager,
		Hasher:      f.hasher,
		Buckets:     f.bucketingManager,
		Publisher:   f.dispatcher,
		Metrics:     f.metrics,
		AuditRecent: f.recentEvents,
	}
	if f.esClient != nil {
		deps.AuditSearch = events.NewElasticSearcher(f.esClient, cfg.Elasticsearch.Index)
		deps.AuditSearchSource = "elasticsearch"
	}
	if f.clickhouseClient != nil {
		deps.AuditCounts = events.NewClickHouseCounter(f.clickhouseClient, cfg.Clickhouse.Table)
		deps.AuditCountsSource = "clickhouse"
	}

	services, err := service.NewServiceFactory(deps)
	if err != nil {
		return fmt.Errorf("failed to build services: %w", err)
	}
	f.serviceFactory = services

	rules, err := config.LoadRateLimitRules(cfg.RateLimit.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load rate limit rules: %w", err)
	}
	if err := services.RateLimitService().ApplyRules(rules); err != nil {
		return fmt.Errorf("failed to apply rate limit rules: %w", err)
	}
	if n, err := services.RateLimitService().LoadPersistedConfigs(ctx); err != nil {
		util.Warn("Failed to load persisted rate limit configs", util.ErrorField(err))
	} else if n > 0 {
		util.Info("Persisted rate limit configs loaded", util.Int("count", n))
	}
	return nil
}

// RotatePeppers re-reads HASHING_PEPPERS and registers every version newer
// than the current one. Existing hashes keep verifying with their version.
func (f *Factory) RotatePeppers() (int, error) {
	versions := f.hasher.PepperVersions()
	current := 0
	if len(versions) > 0 {
		current = versions[len(versions)-1]
	}

	peppers := config.LoadConfig().Hashing.Peppers
	newer := make([]int, 0, len(peppers))
	for v := range peppers {
		if v > current {
			newer = append(newer, v)
		}
	}
	sort.Ints(newer)

	for _, v := range newer {
		if err := f.hasher.AddPepper(v, peppers[v]); err != nil {
			return 0, fmt.Errorf("failed to rotate pepper: %w", err)
		}
	}
	return len(newer), nil
}

// Health reports one status per component. Event backends and Redis only
// degrade the service; the system of record going away makes it unhealthy.
func (f *Factory) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := map[string]string{"store": healthy}

	if f.fallbackStore != nil && f.fallbackStore.Degraded() {
		status["store"] = degraded
	}
	if f.redisClient != nil {
		status["redis"] = check(f.redisClient.HealthCheck(ctx), degraded)
	}
	if f.scyllaClient != nil {
		status["scylla"] = check(f.scyllaClient.HealthCheck(ctx), unhealthy)
	}
	if f.kafkaProducer != nil {
		status["kafka"] = check(f.kafkaProducer.HealthCheck(ctx), degraded)
	}
	if f.esClient != nil {
		status["elasticsearch"] = check(f.esClient.HealthCheck(ctx), degraded)
	}
	if f.clickhouseClient != nil {
		status["clickhouse"] = check(f.clickhouseClient.HealthCheck(ctx), degraded)
	}
	return status
}

func check(err error, onFailure string) string {
	if err != nil {
		util.Warn("Health check failed", util.ErrorField(err))
		return onFailure
	}
	return healthy
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.dispatcher != nil {
			f.dispatcher.Close()
			util.Info("Security event dispatcher drained")
		}

		f.closeClients()

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) closeClients() {
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.Close(); err != nil {
			util.Error("Failed to close ClickHouse client", util.ErrorField(err))
		}
	}
	if f.esClient != nil {
		f.esClient.Close()
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.Close(); err != nil {
			util.Error("Failed to close Kafka producer", util.ErrorField(err))
		}
	}
	if f.scyllaClient != nil {
		f.scyllaClient.Close()
	}
	if f.redisClient != nil {
		if err := f.redisClient.Close(); err != nil {
			util.Error("Failed to close Redis client", util.ErrorField(err))
		}
	}
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) Metrics() *metrics.Metrics {
	return f.metrics
}

func (f *Factory) Store() model.Store {
	return f.store
}

func (f *Factory) EncryptionManager() *encryption.Manager {
	return f.encryptionManager
}
