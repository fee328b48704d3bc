package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"auth-core/internal/config"
	"auth-core/internal/factory"
	"auth-core/internal/handler"
	"auth-core/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := handler.NewRouter(
		handler.RouterOptionsFromConfig(cfg),
		f.ServiceFactory(),
		f.Health,
		f.Metrics(),
		util.Get(),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	f.ServiceFactory().MaintenanceService().Start(ctx, cfg.Server.CleanupInterval)

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
		go serve(server, false)
		waitForShutdown(f, stop, server)
		return
	}

	tlsManager := f.TLSManager()
	server.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	server.TLSConfig = tlsManager.TLSConfig()

	servers := []*http.Server{server}
	if challenge := challengeServer(cfg, tlsManager.AutocertManager()); challenge != nil {
		servers = append(servers, challenge)
		go serve(challenge, false)
	}

	util.Info("Starting HTTPS server",
		util.String("environment", cfg.Environment),
		util.Int("port", cfg.Server.TLSPort),
		util.Bool("auto_cert", cfg.Server.AutoCert),
	)
	go serve(server, true)
	waitForShutdown(f, stop, servers...)
}

// challengeServer answers ACME HTTP-01 challenges on the plain port and
// redirects everything else to HTTPS.
func challengeServer(cfg *config.Config, acme *autocert.Manager) *http.Server {
	if acme == nil || !cfg.Server.AutoCert {
		return nil
	}
	return &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           acme.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func serve(server *http.Server, withTLS bool) {
	var err error
	if withTLS {
		// Certificates come from TLSConfig.GetCertificate.
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.Fatal("Server failed to start", util.String("address", server.Addr), util.ErrorField(err))
	}
}

func waitForShutdown(f *factory.Factory, stop context.CancelFunc, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	for sig := range signalChan {
		if sig == syscall.SIGHUP {
			n, err := f.RotatePeppers()
			if err != nil {
				util.Error("Pepper rotation failed", util.ErrorField(err))
			} else {
				util.Info("Pepper rotation completed", util.Int("added", n))
			}
			continue
		}
		util.Info("Received shutdown signal", util.String("signal", sig.String()))
		break
	}
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
	_ = f.Close()
}
