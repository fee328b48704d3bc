package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"auth-core/internal/config"
	"auth-core/internal/models"
	"auth-core/internal/util"
)

// PreparedStatements holds the statements the repositories run on hot paths.
type PreparedStatements struct {
	InsertSession       string
	InsertSessionByUser string
	InsertSessionToken  string
	InsertSessionJTI    string
	GetSessionByID      string
	RotateSession       string
	DeactivateSession   string
	SetSessionTrust     string
	ExtendSession       string

	InsertDevice    string
	GetDevice       string
	TouchDevice     string
	SetDeviceStatus string
	ReplaceDevice   string

	GetUserByEmail string
}

type ScyllaClient struct {
	Session      *gocql.Session
	Prepared     *PreparedStatements
	prepareMutex sync.Mutex
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.CAPath != "" {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			CertPath:               scyllaConfig.CertPath,
			KeyPath:                scyllaConfig.KeyPath,
			EnableHostVerification: !cfg.IsDevelopment(),
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{Session: session}
	if !cfg.IsProduction() {
		if err := client.EnsureSchema(context.Background()); err != nil {
			session.Close()
			return nil, err
		}
	}
	client.prepareStatements()

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.Prepared != nil {
		return
	}

	s.Prepared = &PreparedStatements{
		InsertSession: `INSERT INTO sessions_by_id (` + models.ActiveSessionColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		InsertSessionByUser: `INSERT INTO sessions_by_user (user_bucket, user_id, session_id, created_at)
			VALUES (?, ?, ?, ?)`,
		InsertSessionToken: `INSERT INTO sessions_by_token (refresh_token_hash, session_id) VALUES (?, ?)`,
		InsertSessionJTI:   `INSERT INTO sessions_by_jti (access_token_jti, session_id) VALUES (?, ?)`,
		GetSessionByID: `SELECT ` + models.ActiveSessionColumns + `
			FROM sessions_by_id WHERE session_id = ?`,
		RotateSession: `UPDATE sessions_by_id
			SET refresh_token_hash = ?, access_token_jti = ?, last_activity_at = ?
			WHERE session_id = ?
			IF refresh_token_hash = ? AND active = true`,
		DeactivateSession: `UPDATE sessions_by_id
			SET active = false, revoked_at = ?, revoked_reason = ?
			WHERE session_id = ?
			IF active = true`,
		SetSessionTrust: `UPDATE sessions_by_id
			SET trusted = ?, expires_at = ?, last_activity_at = ?
			WHERE session_id = ?
			IF active = true`,
		ExtendSession: `UPDATE sessions_by_id
			SET expires_at = ?
			WHERE session_id = ?
			IF active = true`,
		InsertDevice: `INSERT INTO devices_by_user (` + models.UserActiveDeviceColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			IF NOT EXISTS`,
		GetDevice: `SELECT ` + models.UserActiveDeviceColumns + `
			FROM devices_by_user WHERE user_bucket = ? AND user_id = ? AND fingerprint = ?`,
		TouchDevice: `UPDATE devices_by_user
			SET last_used_at = ?, usage_count = ?
			WHERE user_bucket = ? AND user_id = ? AND fingerprint = ?
			IF usage_count = ? AND trust_status = ?`,
		SetDeviceStatus: `UPDATE devices_by_user
			SET trust_status = ?
			WHERE user_bucket = ? AND user_id = ? AND fingerprint = ?
			IF trust_status = ?`,
		ReplaceDevice: `UPDATE devices_by_user
			SET device_id = ?, device_name = ?, device_type = ?, os_info = ?, browser_info = ?,
				registration_ip = ?, trust_status = ?, registered_at = ?, last_used_at = ?,
				expires_at = ?, usage_count = ?, risk_score = ?
			WHERE user_bucket = ? AND user_id = ? AND fingerprint = ?
			IF trust_status = ?`,
		GetUserByEmail: `SELECT ` + models.UserEmailColumns + `
			FROM users_by_email WHERE email_hash = ?`,
	}

	util.Debug("ScyllaDB statements prepared")
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions_by_id (
		session_id text PRIMARY KEY,
		user_bucket int,
		user_id text,
		refresh_token_hash text,
		access_token_jti text,
		device_fingerprint text,
		device_type text,
		device_name text,
		ip_address text,
		user_agent text,
		trusted boolean,
		active boolean,
		created_at timestamp,
		last_activity_at timestamp,
		expires_at timestamp,
		revoked_at timestamp,
		revoked_reason text,
		metadata map<text, text>
	)`,
	`CREATE TABLE IF NOT EXISTS sessions_by_user (
		user_bucket int,
		user_id text,
		session_id text,
		created_at timestamp,
		PRIMARY KEY ((user_bucket, user_id), session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions_by_token (
		refresh_token_hash text PRIMARY KEY,
		session_id text
	)`,
	`CREATE TABLE IF NOT EXISTS sessions_by_jti (
		access_token_jti text PRIMARY KEY,
		session_id text
	)`,
	`CREATE TABLE IF NOT EXISTS devices_by_user (
		user_bucket int,
		user_id text,
		fingerprint text,
		device_id text,
		device_name text,
		device_type text,
		os_info text,
		browser_info text,
		registration_ip text,
		trust_status text,
		registered_at timestamp,
		last_used_at timestamp,
		expires_at timestamp,
		usage_count int,
		risk_score int,
		PRIMARY KEY ((user_bucket, user_id), fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS users_by_email (
		email_hash text PRIMARY KEY,
		user_id text,
		is_blocked boolean,
		is_banned boolean,
		created_at timestamp
	)`,
}

// EnsureSchema creates the tables when missing. Production schemas are
// migrated out of band.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	if err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries transient failures with a linear backoff.
// Lightweight transactions must not go through here.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.Exec(); lastErr == nil {
			return nil
		}
		if i < maxRetries {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
