// Package tlsgen generates (or reuses) a self-signed TLS certificate for
// the bridge's listener, adapted from the teacher's cmd/webui/tls
// certificate generator.
package tlsgen

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Generator creates and caches self-signed certificates under certDir.
type Generator struct {
	certDir string
}

func NewGenerator(certDir string) *Generator {
	return &Generator{certDir: certDir}
}

// DefaultCertDir returns ~/.asyncbridge/certs.
func DefaultCertDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".asyncbridge", "certs"), nil
}

// LoadOrGenerate reuses an existing valid certificate covering hostnames,
// or generates a fresh self-signed one.
func (g *Generator) LoadOrGenerate(hostnames []string) (certFile, keyFile string, err error) {
	certFile = filepath.Join(g.certDir, "server.crt")
	keyFile = filepath.Join(g.certDir, "server.key")

	if g.exists(certFile, keyFile) && g.valid(certFile, keyFile, hostnames) {
		return certFile, keyFile, nil
	}
	return g.generate(hostnames)
}

func (g *Generator) exists(certFile, keyFile string) bool {
	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	return certErr == nil && keyErr == nil
}

func (g *Generator) valid(certFile, keyFile string, hostnames []string) bool {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return false
	}
	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return false
	}
	if time.Now().After(x509Cert.NotAfter) {
		return false
	}
	for _, h := range hostnames {
		if ip := net.ParseIP(h); ip != nil {
			found := false
			for _, certIP := range x509Cert.IPAddresses {
				if certIP.Equal(ip) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		found := false
		for _, dns := range x509Cert.DNSNames {
			if dns == h {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (g *Generator) generate(hostnames []string) (certFile, keyFile string, err error) {
	if err := os.MkdirAll(g.certDir, 0700); err != nil {
		return "", "", fmt.Errorf("failed to create certificate directory: %w", err)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"asyncbridge"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(3 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	for _, h := range hostnames {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	template.IPAddresses = append(template.IPAddresses, net.IPv4(127, 0, 0, 1), net.IPv6loopback)

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to create certificate: %w", err)
	}

	certFile = filepath.Join(g.certDir, "server.crt")
	keyFile = filepath.Join(g.certDir, "server.key")

	certOut, err := os.Create(certFile)
	if err != nil {
		return "", "", fmt.Errorf("failed to create certificate file: %w", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return "", "", fmt.Errorf("failed to write certificate: %w", err)
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return "", "", fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyOut.Close()
	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}); err != nil {
		return "", "", fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.Chmod(keyFile, 0600); err != nil {
		return "", "", fmt.Errorf("failed to set key file permissions: %w", err)
	}

	return certFile, keyFile, nil
}
