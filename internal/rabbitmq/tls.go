package rabbitmq

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
)

// TLSOptions describes the certificates used for an amqps connection
type TLSOptions struct {
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	VerifyPeer bool
}

// TLSConfig builds a client TLS configuration on top of the system CA pool.
func TLSConfig(opts TLSOptions) (*tls.Config, error) {
	systemCAs, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("read system CAs: %w", err)
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    systemCAs,
	}

	if opts.CACert != "" {
		pem, err := os.ReadFile(opts.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		if ok := cfg.RootCAs.AppendCertsFromPEM(pem); !ok {
			slog.Warn("no certs appended, using system certs only", "caCert", opts.CACert)
		}
	}

	// The broker may be reached through a name that differs from the one in its certificate.
	if opts.ServerName != "" {
		cfg.ServerName = opts.ServerName
	}

	if opts.VerifyPeer && opts.ClientCert != "" && opts.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCert, opts.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = append(cfg.Certificates, cert)
	}

	return cfg, nil
}
