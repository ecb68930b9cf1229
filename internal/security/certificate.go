package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// emailAddressOID identifies the PKCS#9 emailAddress attribute, which
// crypto/x509/pkix.Name does not surface as a named field.
var emailAddressOID = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Name is the parsed distinguished name of a certificate's issuer or
// subject, mirroring the reference implementation's Subject breakdown.
type Name struct {
	Country            string
	State              string
	Location           string
	Organization       string
	OrganizationalUnit string
	CommonName         string
	EmailAddress       string
}

func nameFrom(n pkix.Name) Name {
	name := Name{CommonName: n.CommonName}
	if len(n.Country) > 0 {
		name.Country = n.Country[0]
	}
	if len(n.Province) > 0 {
		name.State = n.Province[0]
	}
	if len(n.Locality) > 0 {
		name.Location = n.Locality[0]
	}
	if len(n.Organization) > 0 {
		name.Organization = n.Organization[0]
	}
	if len(n.OrganizationalUnit) > 0 {
		name.OrganizationalUnit = n.OrganizationalUnit[0]
	}
	for _, atv := range n.Names {
		if atv.Type.Equal(emailAddressOID) {
			if s, ok := atv.Value.(string); ok {
				name.EmailAddress = s
			}
		}
	}
	return name
}

// Certificate is the parsed view of an X.509 certificate described by
// the Device Model's Certificate type: serial, validity window,
// issuer/subject, subject alternative names, signature/public-key
// algorithm, and the PEM chain it was extracted from.
type Certificate struct {
	SerialNumber            string
	ValidityFrom            time.Time
	ValidityTo              time.Time
	Issuer                  Name
	IssuerString            string
	Subject                 Name
	SubjectString           string
	SubjectAlternativeNames []string
	SignatureAlgorithm      string
	PublicKeyAlgorithm      string
	PEM                     string
	Chain                   []*Certificate

	raw *x509.Certificate
}

// ParseCertificate reads one or more concatenated PEM-encoded certificates
// (as installed by InstallCertificate, or carried in a
// SignedUpdateFirmware signingCertificate field) and returns the leaf
// certificate with the full chain attached.
func ParseCertificate(pemData string) (*Certificate, error) {
	rest := []byte(pemData)
	var parsed []*x509.Certificate
	var blocks []string
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("security: parsing certificate: %w", err)
		}
		parsed = append(parsed, cert)
		blocks = append(blocks, string(pem.EncodeToMemory(block)))
	}
	if len(parsed) == 0 {
		return nil, errors.New("security: no certificate found in PEM data")
	}

	leaf := certificateFromX509(parsed[0], blocks[0])
	if len(parsed) > 1 {
		for i, cert := range parsed {
			leaf.Chain = append(leaf.Chain, certificateFromX509(cert, blocks[i]))
		}
	} else {
		leaf.Chain = []*Certificate{leaf}
	}
	return leaf, nil
}

func certificateFromX509(cert *x509.Certificate, pemBlock string) *Certificate {
	c := &Certificate{
		SerialNumber:       fmt.Sprintf("%x", cert.SerialNumber),
		ValidityFrom:       cert.NotBefore,
		ValidityTo:         cert.NotAfter,
		Issuer:             nameFrom(cert.Issuer),
		IssuerString:       cert.Issuer.String(),
		Subject:            nameFrom(cert.Subject),
		SubjectString:      cert.Subject.String(),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
		PEM:                pemBlock,
		raw:                cert,
	}
	c.SubjectAlternativeNames = append(c.SubjectAlternativeNames, cert.DNSNames...)
	c.SubjectAlternativeNames = append(c.SubjectAlternativeNames, cert.EmailAddresses...)
	for _, ip := range cert.IPAddresses {
		c.SubjectAlternativeNames = append(c.SubjectAlternativeNames, ip.String())
	}
	return c
}

// IsSelfSigned reports whether the certificate was signed by its own key,
// i.e. it is a root rather than something chaining up to one.
func (c *Certificate) IsSelfSigned() bool {
	return c.raw.CheckSignatureFrom(c.raw) == nil
}

// ValidAt reports whether now falls within [ValidityFrom, ValidityTo].
func (c *Certificate) ValidAt(now time.Time) bool {
	return !now.Before(c.ValidityFrom) && !now.After(c.ValidityTo)
}

// VerifyChain checks the certificate against roots, using any other
// certificates carried alongside it in the same PEM data as intermediates.
func (c *Certificate) VerifyChain(roots *x509.CertPool, now time.Time) error {
	intermediates := x509.NewCertPool()
	for _, mid := range c.Chain {
		if mid != c {
			intermediates.AddCert(mid.raw)
		}
	}
	_, err := c.raw.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// VerifySHA256Signature verifies a base64-encoded signature over digest
// using the certificate's public key, as required for firmware image
// signature checks. RSA and ECDSA signing keys are both supported, the two
// key types the Security Extension certificate profiles allow.
func (c *Certificate) VerifySHA256Signature(digest [32]byte, signatureBase64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return fmt.Errorf("security: decoding signature: %w", err)
	}
	switch pub := c.raw.PublicKey.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return errors.New("security: ECDSA signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("security: unsupported public key type %T", pub)
	}
}
