package clientcert

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
)

// TestModeOwnerID is the owner stamped on requests when certificate checks
// are disabled.
const TestModeOwnerID = "CN=unsecure-test-client"

// Identity is the authenticated client behind a request.
type Identity struct {
	// OwnerID is the canonical subject string of the leaf certificate. It is
	// opaque to everything downstream.
	OwnerID  string
	Serial   string
	Issuer   string
	NotAfter time.Time
}

// Validator authenticates a presented certificate chain, leaf first.
type Validator interface {
	Validate(chain []*x509.Certificate) (Identity, error)
}

// ChainValidator accepts chains that verify against a TrustStore for client
// authentication at the current time.
type ChainValidator struct {
	trust *TrustStore
	now   func() time.Time
}

func NewChainValidator(trust *TrustStore) *ChainValidator {
	return &ChainValidator{trust: trust, now: time.Now}
}

func (v *ChainValidator) Validate(chain []*x509.Certificate) (Identity, error) {
	if len(chain) == 0 {
		return Identity{}, fmt.Errorf("no client certificate presented: %w", apperrors.ErrUntrustedClient)
	}
	leaf := chain[0]
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.trust.Pool(),
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return Identity{}, fmt.Errorf("certificate %q: %v: %w", leaf.Subject.String(), err, apperrors.ErrUntrustedClient)
	}
	return IdentityOf(leaf), nil
}

// IdentityOf derives the identity of a certificate without validating it.
func IdentityOf(cert *x509.Certificate) Identity {
	return Identity{
		OwnerID:  cert.Subject.String(),
		Serial:   hex.EncodeToString(cert.SerialNumber.Bytes()),
		Issuer:   cert.Issuer.String(),
		NotAfter: cert.NotAfter,
	}
}

// AllowAll skips validation and reports every client as the fixed test
// owner.
type AllowAll struct{}

func (AllowAll) Validate([]*x509.Certificate) (Identity, error) {
	return Identity{OwnerID: TestModeOwnerID}, nil
}

// FromConfig builds the validator the intake endpoint uses. The trust store
// is nil in test mode.
func FromConfig(cfg config.IntakeConfig) (Validator, *TrustStore, error) {
	if cfg.AllowAllForTests {
		return AllowAll{}, nil, nil
	}
	if cfg.TrustStoreFile == "" {
		return nil, nil, fmt.Errorf("intake.trustStoreFile is required unless intake.allowAllForTests is set")
	}
	ts, err := LoadTrustStore(cfg.TrustStoreFile)
	if err != nil {
		return nil, nil, err
	}
	return NewChainValidator(ts), ts, nil
}
