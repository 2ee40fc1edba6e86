// Package certs manages the OpenVPN PKI by shelling out to openssl.
package certs

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ovpn-console/internal/process"
	"ovpn-console/internal/util"
	"ovpn-console/internal/vpn"
)

var (
	ErrCANotInitialized    = errors.New("certificate authority not initialized")
	ErrCAExists            = errors.New("certificate authority already exists")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrNoTLSAuthKey        = errors.New("tls-auth key not found")
	ErrNoCRL               = errors.New("crl not found")
)

const (
	keyBits      = "2048"
	validityDays = "3650"
)

// Subject holds the distinguished name fields applied to every certificate.
type Subject struct {
	Country      string
	Province     string
	City         string
	Organization string
	Unit         string
}

// Material is the PEM content a client profile embeds.
type Material struct {
	CA   string `json:"ca"`
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

// Options configures a Service.
type Options struct {
	CADir    string
	CertsDir string
	OpenSSL  string
	OpenVPN  string
	Timeout  time.Duration
	Runner   process.CommandRunner
	Store    *Store
	Subject  Subject
	Logger   logrus.FieldLogger
}

// Service issues and revokes certificates.
type Service struct {
	caDir    string
	certsDir string
	openssl  string
	openvpn  string
	timeout  time.Duration
	runner   process.CommandRunner
	store    *Store
	subject  Subject
	log      logrus.FieldLogger
	now      func() time.Time

	// openssl ca mutates index.txt and serial files
	mu sync.Mutex
}

// NewService validates options and returns a Service.
func NewService(opts Options) (*Service, error) {
	if opts.CADir == "" || opts.CertsDir == "" {
		return nil, fmt.Errorf("ca and certs directories are required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("certificate store is required")
	}
	if opts.Runner == nil {
		opts.Runner = process.ExecRunner{}
	}
	if opts.OpenSSL == "" {
		opts.OpenSSL = "openssl"
	}
	if opts.OpenVPN == "" {
		opts.OpenVPN = "openvpn"
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Service{
		caDir:    filepath.Clean(opts.CADir),
		certsDir: filepath.Clean(opts.CertsDir),
		openssl:  opts.OpenSSL,
		openvpn:  opts.OpenVPN,
		timeout:  opts.Timeout,
		runner:   opts.Runner,
		store:    opts.Store,
		subject:  opts.Subject,
		log:      opts.Logger,
		now:      time.Now,
	}, nil
}

func (s *Service) caCert() string   { return filepath.Join(s.caDir, "ca.crt") }
func (s *Service) caKey() string    { return filepath.Join(s.caDir, "ca.key") }
func (s *Service) dhPath() string   { return filepath.Join(s.caDir, "dh.pem") }
func (s *Service) taPath() string   { return filepath.Join(s.caDir, "ta.key") }
func (s *Service) crlPath() string  { return filepath.Join(s.caDir, "crl.pem") }
func (s *Service) caConfig() string { return filepath.Join(s.caDir, "openssl.cnf") }
func (s *Service) caSerial() string { return filepath.Join(s.caDir, "ca.srl") }

// CAReady reports whether ca.crt and ca.key exist.
func (s *Service) CAReady() bool {
	return fileExists(s.caCert()) && fileExists(s.caKey())
}

// CADir returns the directory holding CA material.
func (s *Service) CADir() string { return s.caDir }

// InitCA creates the CA key pair, DH parameters, tls-auth key, the openssl ca
// database and an empty CRL.
func (s *Service) InitCA(ctx context.Context) (*Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CAReady() {
		return nil, ErrCAExists
	}
	if err := os.MkdirAll(s.caDir, 0o700); err != nil {
		return nil, fmt.Errorf("create ca dir: %w", err)
	}
	if err := os.MkdirAll(s.certsDir, 0o700); err != nil {
		return nil, fmt.Errorf("create certs dir: %w", err)
	}

	if err := s.openSSL(ctx, "genrsa", "-out", s.caKey(), keyBits); err != nil {
		return nil, err
	}
	if err := os.Chmod(s.caKey(), 0o600); err != nil {
		return nil, err
	}
	if err := s.openSSL(ctx, "req", "-new", "-x509", "-days", validityDays,
		"-key", s.caKey(), "-out", s.caCert(),
		"-subj", s.subjectFor(s.caCommonName())); err != nil {
		return nil, err
	}
	if err := s.openSSL(ctx, "dhparam", "-out", s.dhPath(), keyBits); err != nil {
		return nil, err
	}
	if _, err := process.RunWithTimeout(ctx, s.runner, s.timeout, s.openvpn, "--genkey", "secret", s.taPath()); err != nil {
		return nil, fmt.Errorf("generate tls-auth key: %w", err)
	}
	if err := s.writeCADatabase(); err != nil {
		return nil, err
	}
	if err := s.generateCRL(ctx); err != nil {
		return nil, err
	}

	cert, err := s.record(ctx, KindCA, "", s.caCommonName(), s.caCert(), s.caKey())
	if err != nil {
		return nil, err
	}
	s.log.WithField("serial", cert.Serial).Info("certificate authority initialized")
	return cert, nil
}

// IssueServer creates server.key and server.crt in the certs directory.
func (s *Service) IssueServer(ctx context.Context, commonName string) (*Certificate, error) {
	if err := vpn.ValidateName(commonName); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.CAReady() {
		return nil, ErrCANotInitialized
	}
	keyPath := filepath.Join(s.certsDir, "server.key")
	certPath := filepath.Join(s.certsDir, "server.crt")
	if err := s.issue(ctx, commonName, keyPath, certPath, "server_ext"); err != nil {
		return nil, err
	}
	return s.record(ctx, KindServer, "", commonName, certPath, keyPath)
}

// IssueClient creates a client key pair for instance and returns its PEM material.
func (s *Service) IssueClient(ctx context.Context, instance, client string) (*Material, *Certificate, error) {
	if err := vpn.ValidateName(instance); err != nil {
		return nil, nil, err
	}
	if err := vpn.ValidateName(client); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.CAReady() {
		return nil, nil, ErrCANotInitialized
	}
	keyPath, certPath, err := s.clientPaths(instance, client)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create client dir: %w", err)
	}
	if err := s.issue(ctx, client, keyPath, certPath, "client_ext"); err != nil {
		return nil, nil, err
	}
	cert, err := s.record(ctx, KindClient, instance, client, certPath, keyPath)
	if err != nil {
		return nil, nil, err
	}
	material, err := s.readMaterial(keyPath, certPath)
	if err != nil {
		return nil, nil, err
	}
	return material, cert, nil
}

// ClientMaterial reads the PEM material of an issued client certificate.
func (s *Service) ClientMaterial(instance, client string) (*Material, error) {
	if err := vpn.ValidateName(instance); err != nil {
		return nil, err
	}
	if err := vpn.ValidateName(client); err != nil {
		return nil, err
	}
	keyPath, certPath, err := s.clientPaths(instance, client)
	if err != nil {
		return nil, err
	}
	if !fileExists(certPath) || !fileExists(keyPath) {
		return nil, fmt.Errorf("%w: %s/%s", ErrCertificateNotFound, instance, client)
	}
	return s.readMaterial(keyPath, certPath)
}

// Revoke revokes a client certificate and regenerates the CRL.
func (s *Service) Revoke(ctx context.Context, instance, client string) error {
	if err := vpn.ValidateName(instance); err != nil {
		return err
	}
	if err := vpn.ValidateName(client); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.CAReady() {
		return ErrCANotInitialized
	}
	_, certPath, err := s.clientPaths(instance, client)
	if err != nil {
		return err
	}
	if !fileExists(certPath) {
		return fmt.Errorf("%w: %s/%s", ErrCertificateNotFound, instance, client)
	}
	if !fileExists(s.caConfig()) {
		if err := s.writeCADatabase(); err != nil {
			return err
		}
	}
	if !fileExists(s.crlPath()) {
		if err := s.generateCRL(ctx); err != nil {
			return err
		}
	}
	if err := s.openSSL(ctx, "ca", "-config", s.caConfig(), "-revoke", certPath,
		"-keyfile", s.caKey(), "-cert", s.caCert()); err != nil {
		return err
	}
	if err := s.generateCRL(ctx); err != nil {
		return err
	}

	row, err := s.store.FindActive(ctx, KindClient, instance, client)
	if err == nil {
		if err := s.store.MarkRevoked(ctx, row.ID, s.now()); err != nil {
			return err
		}
	} else if !errors.Is(err, ErrCertificateNotFound) {
		return err
	}
	s.log.WithFields(logrus.Fields{"instance": instance, "client": client}).Info("client certificate revoked")
	return nil
}

// CRL returns the current certificate revocation list.
func (s *Service) CRL() (string, error) {
	data, err := os.ReadFile(s.crlPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoCRL
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// TLSAuthKey returns the static key shared by server and clients.
func (s *Service) TLSAuthKey() (string, error) {
	data, err := os.ReadFile(s.taPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoTLSAuthKey
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// List returns every certificate row.
func (s *Service) List(ctx context.Context) ([]Certificate, error) {
	return s.store.List(ctx)
}

// ExpiringWithin returns unrevoked certificates that expire within d.
func (s *Service) ExpiringWithin(ctx context.Context, d time.Duration) ([]Certificate, error) {
	return s.store.ExpiringBefore(ctx, s.now().Add(d))
}

// SweepExpired returns unrevoked certificates already past their validity at now.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) ([]Certificate, error) {
	certs, err := s.store.ExpiringBefore(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, cert := range certs {
		s.log.WithFields(logrus.Fields{
			"kind":     cert.Kind,
			"cn":       cert.CommonName,
			"instance": cert.InstanceName,
			"notAfter": time.Unix(cert.NotAfter, 0).UTC().Format(time.RFC3339),
		}).Warn("certificate expired")
	}
	return certs, nil
}

func (s *Service) issue(ctx context.Context, commonName, keyPath, certPath, extensions string) error {
	csrPath := strings.TrimSuffix(certPath, filepath.Ext(certPath)) + ".csr"
	defer os.Remove(csrPath)

	if err := s.openSSL(ctx, "genrsa", "-out", keyPath, keyBits); err != nil {
		return err
	}
	if err := os.Chmod(keyPath, 0o600); err != nil {
		return err
	}
	if err := s.openSSL(ctx, "req", "-new", "-key", keyPath, "-out", csrPath,
		"-subj", s.subjectFor(commonName)); err != nil {
		return err
	}
	if !fileExists(s.caConfig()) {
		if err := s.writeCADatabase(); err != nil {
			return err
		}
	}
	return s.openSSL(ctx, "x509", "-req", "-days", validityDays, "-in", csrPath,
		"-CA", s.caCert(), "-CAkey", s.caKey(),
		"-CAcreateserial", "-CAserial", s.caSerial(),
		"-extfile", s.caConfig(), "-extensions", extensions,
		"-out", certPath)
}

func (s *Service) generateCRL(ctx context.Context) error {
	return s.openSSL(ctx, "ca", "-config", s.caConfig(), "-gencrl",
		"-keyfile", s.caKey(), "-cert", s.caCert(), "-out", s.crlPath())
}

func (s *Service) openSSL(ctx context.Context, args ...string) error {
	if _, err := process.RunWithTimeout(ctx, s.runner, s.timeout, s.openssl, args...); err != nil {
		return fmt.Errorf("openssl %s: %w", args[0], err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, kind, instance, commonName, certPath, keyPath string) (*Certificate, error) {
	parsed, err := parseCertificate(certPath)
	if err != nil {
		return nil, err
	}
	cert := Certificate{
		Kind:         kind,
		CommonName:   commonName,
		InstanceName: instance,
		Serial:       fmt.Sprintf("%X", parsed.SerialNumber),
		NotBefore:    parsed.NotBefore.Unix(),
		NotAfter:     parsed.NotAfter.Unix(),
		CertPath:     certPath,
		KeyPath:      keyPath,
	}
	id, err := s.store.Insert(ctx, cert)
	if err != nil {
		return nil, fmt.Errorf("store certificate: %w", err)
	}
	return s.store.Get(ctx, id)
}

func (s *Service) clientPaths(instance, client string) (keyPath, certPath string, err error) {
	root := filepath.Join(s.certsDir, "clients")
	dir := filepath.Join(root, instance)
	keyPath = filepath.Join(dir, client+".key")
	certPath = filepath.Join(dir, client+".crt")
	if !util.WithinDir(root, keyPath) || !util.WithinDir(root, certPath) {
		return "", "", fmt.Errorf("%w: path escapes certs directory", vpn.ErrSecurity)
	}
	return keyPath, certPath, nil
}

func (s *Service) readMaterial(keyPath, certPath string) (*Material, error) {
	ca, err := os.ReadFile(s.caCert())
	if err != nil {
		return nil, err
	}
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return &Material{CA: string(ca), Cert: string(cert), Key: string(key)}, nil
}

func (s *Service) caCommonName() string {
	org := sanitizeSubject(s.subject.Organization)
	if org == "" {
		org = "OpenVPN"
	}
	return org + " CA"
}

func (s *Service) subjectFor(commonName string) string {
	var b strings.Builder
	part := func(key, value string) {
		value = sanitizeSubject(value)
		if value == "" {
			return
		}
		b.WriteString("/" + key + "=" + value)
	}
	part("C", s.subject.Country)
	part("ST", s.subject.Province)
	part("L", s.subject.City)
	part("O", s.subject.Organization)
	part("OU", s.subject.Unit)
	part("CN", commonName)
	return b.String()
}

func sanitizeSubject(value string) string {
	return strings.TrimSpace(strings.NewReplacer("/", "", "=", "", "\n", "", "\r", "").Replace(value))
}

func (s *Service) writeCADatabase() error {
	files := map[string]string{
		"index.txt":      "",
		"index.txt.attr": "unique_subject = no\n",
		"serial":         "1000\n",
		"crlnumber":      "1000\n",
	}
	for name, content := range files {
		path := filepath.Join(s.caDir, name)
		if fileExists(path) {
			continue
		}
		if err := util.WriteFileAtomic(path, []byte(content), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return util.WriteFileAtomic(s.caConfig(), []byte(renderCAConfig(s.caDir)), 0o600)
}

func renderCAConfig(dir string) string {
	return fmt.Sprintf(`[ ca ]
default_ca = console_ca

[ console_ca ]
dir              = %s
database         = $dir/index.txt
new_certs_dir    = $dir
certificate      = $dir/ca.crt
private_key      = $dir/ca.key
serial           = $dir/serial
crlnumber        = $dir/crlnumber
crl              = $dir/crl.pem
default_md       = sha256
default_days     = %s
default_crl_days = %s
policy           = policy_any

[ policy_any ]
commonName = supplied

[ server_ext ]
basicConstraints = CA:FALSE
keyUsage         = digitalSignature, keyEncipherment
extendedKeyUsage = serverAuth

[ client_ext ]
basicConstraints = CA:FALSE
keyUsage         = digitalSignature
extendedKeyUsage = clientAuth
`, dir, validityDays, validityDays)
}

func parseCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: no PEM certificate", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
