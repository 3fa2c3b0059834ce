// Package certstore lazily generates and persists a self-signed TLS
// certificate/key pair for the server role, the way spec.md §6 calls for
// when no certificate is supplied on the command line: a self-signed pair,
// not an ACME-issued one, stored under a per-user app-data directory.
//
// Certificate generation itself is grounded on the teacher ecosystem's own
// self-signed issuer, caddytls/selfsigned.go, adapted to a narrower single
// EC256 keypair with the server's advertised hostnames as SANs.
package certstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	appDirName  = "trojanlite"
	certExpiry  = 365 * 24 * time.Hour
	certFile    = "selfsigned.crt"
	keyFile     = "selfsigned.key"
	fileMode    = 0o600
	dirMode     = 0o700
)

// AppDataDir returns the directory trojanlite persists generated
// certificates (and anything else it needs to remember across runs) under,
// analogous to certmagic.FileStorage's convention of one app-owned
// directory under the user's config home.
func AppDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("certstore: locate user config dir: %w", err)
	}
	return filepath.Join(base, appDirName), nil
}

// LoadOrGenerate returns a tls.Certificate for sans (hostnames/IPs),
// loading a cached one from dir if present and still valid, or generating
// and persisting a fresh one otherwise.
func LoadOrGenerate(dir string, sans []string) (tls.Certificate, error) {
	certPath := filepath.Join(dir, certFile)
	keyPath := filepath.Join(dir, keyFile)

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
			if time.Now().Before(leaf.NotAfter.Add(-24 * time.Hour)) {
				return cert, nil
			}
		}
	}

	cert, certPEM, keyPEM, err := generate(sans)
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return tls.Certificate{}, fmt.Errorf("certstore: mkdir %s: %w", dir, err)
	}
	if err := os.WriteFile(certPath, certPEM, fileMode); err != nil {
		return tls.Certificate{}, fmt.Errorf("certstore: write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, fileMode); err != nil {
		return tls.Certificate{}, fmt.Errorf("certstore: write key: %w", err)
	}
	return cert, nil
}

func generate(sans []string) (tls.Certificate, []byte, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("certstore: generate key: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(certExpiry)
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("certstore: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"trojanlite self-signed"}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if len(sans) == 0 {
		sans = []string{"localhost"}
	}
	for _, san := range sans {
		if ip := net.ParseIP(san); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, strings.ToLower(san))
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("certstore: create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("certstore: marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, nil, fmt.Errorf("certstore: load generated pair: %w", err)
	}
	return cert, certPEM, keyPEM, nil
}
