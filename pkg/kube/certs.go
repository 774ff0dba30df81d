package kube

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/logging"
)

const (
	// DefaultTLSPort is dialed when a host has no port.
	DefaultTLSPort = "443"

	// CertExpiryWarning flags certificates that expire within this window.
	CertExpiryWarning = 30 * 24 * time.Hour
)

// ErrNoHost is returned for certificate keys without a host.
var ErrNoHost = errors.New("certificate lookup needs a host")

// Certificate describes the leaf certificate a host presents.
type Certificate struct {
	Host      string    `json:"host" yaml:"host"`
	Subject   string    `json:"subject" yaml:"subject"`
	Issuer    string    `json:"issuer" yaml:"issuer"`
	DNSNames  []string  `json:"dns_names,omitempty" yaml:"dns_names,omitempty"`
	NotBefore time.Time `json:"not_before" yaml:"not_before"`
	NotAfter  time.Time `json:"not_after" yaml:"not_after"`

	// Valid is true when the chain verifies against the trusted roots for Host
	Valid bool `json:"valid" yaml:"valid"`

	// Problem is the verification failure, if any
	Problem string `json:"problem,omitempty" yaml:"problem,omitempty"`
}

// DaysLeft returns whole days until NotAfter; negative once expired.
func (c Certificate) DaysLeft(now time.Time) int {
	return int(c.NotAfter.Sub(now).Hours() / 24)
}

// ExpiringSoon reports whether the certificate is expired or expires within window.
func (c Certificate) ExpiringSoon(now time.Time, window time.Duration) bool {
	return !c.NotAfter.After(now.Add(window))
}

// CertStatus summarizes a certificate for a table cell.
func (c Certificate) CertStatus(now time.Time) string {
	switch {
	case !c.NotAfter.After(now):
		return fmt.Sprintf("expired %dd ago", -c.DaysLeft(now))
	case !c.Valid:
		return "invalid"
	case c.ExpiringSoon(now, CertExpiryWarning):
		return fmt.Sprintf("expiring in %dd", c.DaysLeft(now))
	default:
		return "ok"
	}
}

// CertInspector reads the certificate a host serves over TLS.
type CertInspector struct {
	// Roots verifies chains (nil: system roots)
	Roots *x509.CertPool

	// DialTimeout bounds the TCP connect (the fetch context bounds the rest)
	DialTimeout time.Duration

	clock  clock.PassiveClock
	logger zerolog.Logger
}

// NewCertInspector creates an inspector that trusts the system roots.
func NewCertInspector(logger *zerolog.Logger) *CertInspector {
	p := &CertInspector{DialTimeout: 10 * time.Second, clock: clock.RealClock{}}
	if logger != nil {
		p.logger = *logger
	} else {
		p.logger = logging.NewLogger("certs")
	}
	return p
}

// ListCertificates dials key.Name and returns its leaf certificate. An
// untrusted or mismatched chain is still returned, with Valid=false.
func (p *CertInspector) ListCertificates(ctx context.Context, key cache.Key) ([]Certificate, error) {
	host := strings.TrimSpace(key.Name)
	if host == "" {
		return nil, cache.Permanent(ErrNoHost)
	}
	addr, serverName := host, host
	if h, _, err := net.SplitHostPort(host); err == nil {
		serverName = h
	} else {
		addr = net.JoinHostPort(host, DefaultTLSPort)
	}

	d := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: p.DialTimeout},
		// the chain is verified below so bad certificates are reported, not refused
		Config: &tls.Config{ServerName: serverName, InsecureSkipVerify: true},
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tls dial %s: %w", addr, err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, cache.Permanent(fmt.Errorf("%s presented no certificate", addr))
	}
	leaf := state.PeerCertificates[0]

	cert := Certificate{
		Host:      host,
		Subject:   leaf.Subject.CommonName,
		Issuer:    issuerName(leaf),
		DNSNames:  leaf.DNSNames,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
	}

	intermediates := x509.NewCertPool()
	for _, c := range state.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}
	_, verr := leaf.Verify(x509.VerifyOptions{
		DNSName:       serverName,
		Roots:         p.Roots,
		Intermediates: intermediates,
		CurrentTime:   p.clock.Now(),
	})
	cert.Valid = verr == nil
	if verr != nil {
		cert.Problem = verr.Error()
		p.logger.Debug().Str("host", host).Err(verr).Msg("Certificate does not verify")
	}
	return []Certificate{cert}, nil
}

// issuerName renders the issuer as "CN: x, O: y".
func issuerName(c *x509.Certificate) string {
	var parts []string
	if cn := c.Issuer.CommonName; cn != "" {
		parts = append(parts, "CN: "+cn)
	}
	for _, o := range c.Issuer.Organization {
		parts = append(parts, "O: "+o)
	}
	return strings.Join(parts, ", ")
}

// ClassifyDialError maps TLS dial failures to fetch error classes. Unknown
// hosts and handshake refusals are terminal; timeouts and refused
// connections are left to the generic rules.
func ClassifyDialError(err error) (cache.ErrorClass, bool) {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return cache.ClassNotFound, true
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		// the peer does not speak TLS
		return cache.ClassTerminal, true
	}
	var alert tls.AlertError
	if errors.As(err, &alert) {
		return cache.ClassTerminal, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "remote error" {
		return cache.ClassTerminal, true
	}
	return "", false
}
