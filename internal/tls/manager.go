package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"auth-core/internal/config"
	"auth-core/internal/util"
)

var ErrNoCertificate = errors.New("no certificate source configured")

// Manager resolves the serving certificate: ACME first, then the configured
// key pair, then (outside production) a cached self-signed certificate.
type Manager struct {
	cfg        config.ServerConfig
	production bool
	autoCert   *autocert.Manager

	mu       sync.Mutex
	filePair *tls.Certificate
	devCert  *tls.Certificate
}

func NewManager(cfg config.ServerConfig, production bool) *Manager {
	m := &Manager{cfg: cfg, production: production}
	if cfg.AutoCert && cfg.EnableTLS {
		m.setupAutoCert()
	}
	return m
}

func (m *Manager) setupAutoCert() {
	if m.cfg.Domain == "" {
		util.Warn("AutoCert requested without SERVER_DOMAIN, skipping")
		return
	}
	if err := os.MkdirAll(m.cfg.AutoCertDir, 0o700); err != nil {
		util.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.cfg.Domain),
		Cache:      autocert.DirCache(m.cfg.AutoCertDir),
		Email:      m.cfg.Email,
	}

	util.Info("AutoCert configured",
		zap.String("domain", m.cfg.Domain),
		zap.String("cache_dir", m.cfg.AutoCertDir))
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		util.Warn("AutoCert lookup failed, falling back", zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		if m.filePair == nil {
			cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load key pair: %w", err)
			}
			m.filePair = &cert
		}
		return m.filePair, nil
	}

	if m.production {
		return nil, ErrNoCertificate
	}
	if m.devCert == nil {
		hosts := []string{"localhost", "127.0.0.1", "::1"}
		if m.cfg.Domain != "" {
			hosts = append(hosts, m.cfg.Domain)
		}
		cert, err := LoadOrCreateDevCert(m.cfg.DevCertDir, hosts)
		if err != nil {
			return nil, err
		}
		m.devCert = &cert
	}
	return m.devCert, nil
}

func (m *Manager) TLSConfig() *tls.Config {
	cfg := &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
	if m.autoCert != nil {
		cfg.NextProtos = append(cfg.NextProtos, "acme-tls/1")
	}
	return cfg
}

// AutocertManager is nil unless ACME is enabled; its HTTPHandler answers
// http-01 challenges on the plain listener.
func (m *Manager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
