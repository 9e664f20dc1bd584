package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/convoy/internal/env"
)

// MTLSConfig holds mutual TLS configuration
type MTLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

// Enabled reports whether a server certificate is configured.
func (c MTLSConfig) Enabled() bool { return c.ServerCert != "" && c.ServerKey != "" }

// LoadMTLSConfig loads mTLS configuration from environment variables
func LoadMTLSConfig() (MTLSConfig, error) {
	require, err := env.Bool("CONVOY_AGENT_REQUIRE_MTLS", false)
	if err != nil {
		return MTLSConfig{}, err
	}
	return MTLSConfig{
		ServerCert:   env.String("CONVOY_AGENT_TLS_CERT", ""),
		ServerKey:    env.String("CONVOY_AGENT_TLS_KEY", ""),
		ClientCACert: env.String("CONVOY_AGENT_CLIENT_CA", ""),
		RequireAuth:  require,
	}, nil
}

// ConfigureTLS configures TLS for the HTTP server with optional mTLS
func (s *Server) ConfigureTLS(config MTLSConfig) (*tls.Config, error) {
	if !config.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}

	cert, err := tls.LoadX509KeyPair(config.ServerCert, config.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if config.RequireAuth {
		if config.ClientCACert == "" {
			return nil, fmt.Errorf("client CA certificate required for mTLS")
		}
		caCert, err := os.ReadFile(config.ClientCACert)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}

		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert

		log.Info().
			Str("ca_cert", config.ClientCACert).
			Msg("mTLS client authentication enabled")
	}

	return tlsConfig, nil
}

// MTLSMiddleware rejects requests without a verified client certificate when
// requireAuth is set and tags the request with the client's identity.
func MTLSMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var peers []*x509.Certificate
			if r.TLS != nil {
				peers = r.TLS.PeerCertificates
			}
			if requireAuth && len(peers) == 0 {
				http.Error(w, "client certificate required", http.StatusUnauthorized)
				return
			}

			if len(peers) > 0 {
				clientCert := peers[0]
				r.Header.Set("X-Client-Subject", clientCert.Subject.String())
				r.Header.Set("X-Client-Serial", clientCert.SerialNumber.String())

				log.Debug().
					Str("subject", clientCert.Subject.String()).
					Str("serial", clientCert.SerialNumber.String()).
					Msg("mTLS client authenticated")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ListenAndServeTLS serves the agent over TLS, requiring client certificates
// when config.RequireAuth is set.
func (s *Server) ListenAndServeTLS(addr string, config MTLSConfig) error {
	tlsConfig, err := s.ConfigureTLS(config)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           MTLSMiddleware(config.RequireAuth)(s.Handler()),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !s.setServer(srv) {
		return http.ErrServerClosed
	}

	log.Info().
		Str("addr", addr).
		Bool("mtls_required", config.RequireAuth).
		Msg("Starting agent with TLS/mTLS")

	return srv.ListenAndServeTLS("", "")
}
