package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

var (
	// ErrCertificateRevoked is returned when a responder or CRL lists the certificate
	ErrCertificateRevoked = errors.New("certificate has been revoked")
	// ErrIssuerNotFound is returned when the issuer a revocation check
	// needs cannot be determined
	ErrIssuerNotFound = errors.New("issuer certificate not found")
	// ErrInvalidCRL is returned for a CRL with a bad signature or outside
	// its validity period
	ErrInvalidCRL = errors.New("invalid CRL")
)

// RevocationChecker reports whether a signer certificate has been revoked
type RevocationChecker interface {
	// CheckRevocation returns nil for a good certificate and
	// ErrCertificateRevoked for a revoked one
	CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) error
}

// OCSPConfig configures OCSPChecker
type OCSPConfig struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// CRLFallback consults the CRL distribution points when OCSP fails
	CRLFallback bool
	// CacheTimeout bounds how long a status is reused
	CacheTimeout time.Duration
	// Strict fails when no status can be obtained
	Strict bool
}

// DefaultOCSPConfig returns the receiver defaults
func DefaultOCSPConfig() *OCSPConfig {
	return &OCSPConfig{
		Timeout:      10 * time.Second,
		CRLFallback:  true,
		CacheTimeout: time.Hour,
	}
}

// OCSPChecker queries the responder named in the certificate and falls back
// to its CRL distribution points
type OCSPChecker struct {
	config *OCSPConfig
	client *http.Client

	mu       sync.Mutex
	statuses map[string]cachedStatus
	crls     map[string]cachedCRL
}

type cachedStatus struct {
	err error
	at  time.Time
}

type cachedCRL struct {
	list *x509.RevocationList
	at   time.Time
}

// NewOCSPChecker creates a checker. A nil config uses DefaultOCSPConfig.
func NewOCSPChecker(config *OCSPConfig) *OCSPChecker {
	if config == nil {
		config = DefaultOCSPConfig()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &OCSPChecker{
		config:   config,
		client:   client,
		statuses: make(map[string]cachedStatus),
		crls:     make(map[string]cachedCRL),
	}
}

// CheckRevocation implements RevocationChecker
func (c *OCSPChecker) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) error {
	if cert == nil || issuer == nil {
		return fmt.Errorf("%w: certificate and issuer are required", ErrInvalidCertificate)
	}

	ocspErr := c.checkOCSP(ctx, cert, issuer)
	if ocspErr == nil || errors.Is(ocspErr, ErrCertificateRevoked) {
		return ocspErr
	}

	if c.config.CRLFallback {
		crlErr := c.checkCRL(ctx, cert, issuer)
		if crlErr == nil || errors.Is(crlErr, ErrCertificateRevoked) {
			return crlErr
		}
		if c.config.Strict {
			return fmt.Errorf("revocation status unavailable: OCSP: %v, CRL: %v", ocspErr, crlErr)
		}
	}
	if c.config.Strict {
		return fmt.Errorf("revocation status unavailable: %w", ocspErr)
	}
	return nil
}

func (c *OCSPChecker) checkOCSP(ctx context.Context, cert, issuer *x509.Certificate) error {
	key := issuer.Subject.String() + "/" + cert.SerialNumber.String()
	c.mu.Lock()
	cached, ok := c.statuses[key]
	c.mu.Unlock()
	if ok && time.Since(cached.at) < c.config.CacheTimeout {
		return cached.err
	}

	if len(cert.OCSPServer) == 0 {
		return errors.New("no OCSP responder in certificate")
	}
	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return fmt.Errorf("creating OCSP request: %w", err)
	}

	raw, err := c.post(ctx, cert.OCSPServer[0], req)
	if err != nil {
		return fmt.Errorf("OCSP request: %w", err)
	}
	resp, err := ocsp.ParseResponseForCert(raw, cert, issuer)
	if err != nil {
		return fmt.Errorf("parsing OCSP response: %w", err)
	}

	var status error
	switch resp.Status {
	case ocsp.Good:
	case ocsp.Revoked:
		status = ErrCertificateRevoked
	default:
		return fmt.Errorf("OCSP status %d", resp.Status)
	}

	c.mu.Lock()
	c.statuses[key] = cachedStatus{err: status, at: time.Now()}
	c.mu.Unlock()
	return status
}

func (c *OCSPChecker) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("responder returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *OCSPChecker) checkCRL(ctx context.Context, cert, issuer *x509.Certificate) error {
	if len(cert.CRLDistributionPoints) == 0 {
		return errors.New("no CRL distribution points in certificate")
	}

	var lastErr error
	for _, dp := range cert.CRLDistributionPoints {
		list, err := c.fetchCRL(ctx, dp, issuer)
		if err != nil {
			lastErr = err
			continue
		}
		if err := checkCRLValidity(list, time.Now()); err != nil {
			lastErr = err
			continue
		}
		for _, entry := range list.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return ErrCertificateRevoked
			}
		}
		return nil
	}
	return fmt.Errorf("fetching CRL: %w", lastErr)
}

// fetchCRL downloads a CRL and verifies it was signed by issuer. Only
// verified lists are cached.
func (c *OCSPChecker) fetchCRL(ctx context.Context, url string, issuer *x509.Certificate) (*x509.RevocationList, error) {
	key := issuer.Subject.String() + "|" + url
	c.mu.Lock()
	cached, ok := c.crls[key]
	c.mu.Unlock()
	if ok && time.Since(cached.at) < c.config.CacheTimeout {
		return cached.list, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("CRL server returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	list, err := x509.ParseRevocationList(body)
	if err != nil {
		return nil, fmt.Errorf("parsing CRL: %w", err)
	}
	if err := list.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCRL, url, err)
	}

	c.mu.Lock()
	c.crls[key] = cachedCRL{list: list, at: time.Now()}
	c.mu.Unlock()
	return list, nil
}

func checkCRLValidity(list *x509.RevocationList, now time.Time) error {
	if now.Before(list.ThisUpdate) {
		return fmt.Errorf("%w: issued in the future (%s)", ErrInvalidCRL, list.ThisUpdate)
	}
	if !list.NextUpdate.IsZero() && now.After(list.NextUpdate) {
		return fmt.Errorf("%w: expired at %s", ErrInvalidCRL, list.NextUpdate)
	}
	return nil
}

// RevocationValidator adds a revocation check to another validator. The
// issuer is taken from the chain the base validator verified when it is a
// ChainBuilder, otherwise from the intermediates that signed the
// certificate. A certificate without a known issuer is rejected.
type RevocationValidator struct {
	base    CertificateValidator
	checker RevocationChecker
	timeout time.Duration
}

// NewRevocationValidator wraps base with checker
func NewRevocationValidator(base CertificateValidator, checker RevocationChecker) *RevocationValidator {
	return &RevocationValidator{base: base, checker: checker, timeout: 30 * time.Second}
}

// ValidateCertificate implements CertificateValidator
func (v *RevocationValidator) ValidateCertificate(cert *x509.Certificate, intermediates []*x509.Certificate) error {
	if v.checker == nil {
		return v.base.ValidateCertificate(cert, intermediates)
	}
	issuer, err := v.issuer(cert, intermediates)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()
	return v.checker.CheckRevocation(ctx, cert, issuer)
}

func (v *RevocationValidator) issuer(cert *x509.Certificate, intermediates []*x509.Certificate) (*x509.Certificate, error) {
	if builder, ok := v.base.(ChainBuilder); ok {
		chain, err := builder.VerifiedChain(cert, intermediates)
		if err != nil {
			return nil, err
		}
		if len(chain) < 2 {
			return nil, fmt.Errorf("%w: %s is itself a trust anchor", ErrIssuerNotFound, cert.Subject)
		}
		return chain[1], nil
	}

	if err := v.base.ValidateCertificate(cert, intermediates); err != nil {
		return nil, err
	}
	for _, candidate := range intermediates {
		if cert.CheckSignatureFrom(candidate) == nil {
			return candidate, nil
		}
	}
	return nil, fmt.Errorf("%w: for %s", ErrIssuerNotFound, cert.Subject)
}
