// Package security implements the Verifier component (§4.3): a pure check
// of a module artifact's signature and certificate chain against a
// configured trust root. Adapted from the certificate-chain validation this
// codebase used for mTLS (ValidateCertChain), retargeted from peer
// authentication to artifact signing.
package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/cuemby/warrendeploy/pkg/types"
)

// VerifyResult is the outcome of a signature check (§4.3 contract).
type VerifyResult string

const (
	VerifyOk                VerifyResult = "Ok"
	VerifyBadSignature      VerifyResult = "BadSignature"
	VerifyUntrustedSigner   VerifyResult = "UntrustedSigner"
	VerifyMalformedArtifact VerifyResult = "MalformedArtifact"
)

// Mode controls how strictly the trust chain is enforced.
type Mode int

const (
	// Strict is the default for Staging/Production: any chain issue fails.
	Strict Mode = iota
	// Permissive allows self-signed signer certificates; only legal for
	// Development/QA, and only when AllowSelfSigned is explicitly set.
	Permissive
)

// Verifier checks module signatures against a fixed trust root. It holds no
// mutable state beyond the immutable trust root, so Verify is safe for
// concurrent use and performs no artifact-dependent timing shortcuts other
// than the necessary trust-chain walk.
type Verifier struct {
	roots           *x509.CertPool
	mode            Mode
	allowSelfSigned bool
}

// New builds a Verifier trusting the given root certificates.
func New(trustRoots []*x509.Certificate, mode Mode, allowSelfSigned bool) *Verifier {
	pool := x509.NewCertPool()
	for _, c := range trustRoots {
		pool.AddCert(c)
	}
	return &Verifier{roots: pool, mode: mode, allowSelfSigned: allowSelfSigned}
}

// Verify checks module.Signature over a digest of module.BinaryRef using the
// leaf certificate in module.SignerCertChain, after validating that chain
// against the configured trust root.
//
// It never includes key material in returned errors: every failure path
// returns a fixed VerifyResult plus a message built only from public,
// non-secret fields (subject/serial), satisfying the "no key material in
// error messages" requirement.
func (v *Verifier) Verify(module types.Module) (VerifyResult, error) {
	if len(module.SignerCertChain) == 0 {
		return VerifyMalformedArtifact, fmt.Errorf("module %s/%s carries no signer certificate", module.Name, module.Version)
	}
	if len(module.Signature) == 0 {
		return VerifyMalformedArtifact, fmt.Errorf("module %s/%s carries no signature", module.Name, module.Version)
	}

	leaf, intermediates, err := parseChain(module.SignerCertChain)
	if err != nil {
		return VerifyMalformedArtifact, fmt.Errorf("malformed signer chain: %w", err)
	}

	if err := v.verifyChain(leaf, intermediates); err != nil {
		return VerifyUntrustedSigner, err
	}

	digest := sha256.Sum256([]byte(module.BinaryRef))
	if err := verifySignature(leaf, digest[:], module.Signature); err != nil {
		return VerifyBadSignature, fmt.Errorf("signature check failed for %s/%s", module.Name, module.Version)
	}

	return VerifyOk, nil
}

func parseChain(der [][]byte) (*x509.Certificate, []*x509.Certificate, error) {
	if len(der) == 0 {
		return nil, nil, fmt.Errorf("empty chain")
	}
	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, nil, err
	}
	var intermediates []*x509.Certificate
	for _, raw := range der[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, nil, err
		}
		intermediates = append(intermediates, cert)
	}
	return leaf, intermediates, nil
}

func (v *Verifier) verifyChain(leaf *x509.Certificate, intermediates []*x509.Certificate) error {
	if v.mode == Permissive && v.allowSelfSigned && isSelfSigned(leaf) {
		return nil
	}

	pool := x509.NewCertPool()
	for _, c := range intermediates {
		pool.AddCert(c)
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: pool,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning, x509.ExtKeyUsageAny},
	}

	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("signer %q is not trusted", leaf.Subject.CommonName)
	}
	return nil
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.CheckSignatureFrom(cert) == nil
}

// verifySignature checks sig over digest using the leaf's public key,
// supporting the two key types the trust root may issue.
func verifySignature(leaf *x509.Certificate, digest, sig []byte) error {
	switch pub := leaf.PublicKey.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest, sig) {
			return fmt.Errorf("ecdsa signature mismatch")
		}
		return nil
	default:
		return fmt.Errorf("unsupported signer public key type")
	}
}
