package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/cuemby/warrendeploy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedModule(t *testing.T, signerKey *ecdsa.PrivateKey, signerDER []byte, binaryRef string) types.Module {
	t.Helper()
	digest := sha256.Sum256([]byte(binaryRef))
	sig, err := ecdsa.SignASN1(rand.Reader, signerKey, digest[:])
	require.NoError(t, err)
	return types.Module{
		Name:            "auth",
		Version:         "1.4.0",
		BinaryRef:       binaryRef,
		Signature:       sig,
		SignerCertChain: [][]byte{signerDER},
	}
}

func selfSignedCert(t *testing.T, cn string) (*ecdsa.PrivateKey, *x509.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,

		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert, der
}

func TestVerify_TrustedChainSucceeds(t *testing.T) {
	key, rootCert, rootDER := selfSignedCert(t, "trusted-root")
	_ = rootDER

	// leaf signed by the root
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "leaf-signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, &leafKey.PublicKey, key)
	require.NoError(t, err)

	v := New([]*x509.Certificate{rootCert}, Strict, false)
	module := signedModule(t, leafKey, leafDER, "sha256:deadbeef")

	result, err := v.Verify(module)
	assert.NoError(t, err)
	assert.Equal(t, VerifyOk, result)
}

func TestVerify_UntrustedSigner(t *testing.T) {
	_, _, untrustedDER := selfSignedCert(t, "rogue")
	key, _, _ := selfSignedCert(t, "rogue")

	otherKey, otherRoot, _ := selfSignedCert(t, "some-other-root")
	_ = otherKey

	v := New([]*x509.Certificate{otherRoot}, Strict, false)
	module := signedModule(t, key, untrustedDER, "sha256:cafef00d")

	result, err := v.Verify(module)
	assert.Error(t, err)
	assert.Equal(t, VerifyUntrustedSigner, result)
}

func TestVerify_PermissiveAllowsSelfSigned(t *testing.T) {
	key, _, der := selfSignedCert(t, "dev-signer")

	v := New(nil, Permissive, true)
	module := signedModule(t, key, der, "sha256:0123")

	result, err := v.Verify(module)
	assert.NoError(t, err)
	assert.Equal(t, VerifyOk, result)
}

func TestVerify_BadSignatureRejected(t *testing.T) {
	key, rootCert, _ := selfSignedCert(t, "root")
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, &otherKey.PublicKey, key)
	require.NoError(t, err)

	v := New([]*x509.Certificate{rootCert}, Strict, false)
	// sign with the wrong key so the signature check fails
	wrongKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	module := signedModule(t, wrongKey, leafDER, "sha256:ffff")

	result, err := v.Verify(module)
	assert.Error(t, err)
	assert.Equal(t, VerifyBadSignature, result)
}

func TestVerify_MalformedArtifactRejected(t *testing.T) {
	v := New(nil, Strict, false)
	module := types.Module{Name: "auth", Version: "1.0.0", BinaryRef: "x"}
	result, err := v.Verify(module)
	assert.Error(t, err)
	assert.Equal(t, VerifyMalformedArtifact, result)
}
