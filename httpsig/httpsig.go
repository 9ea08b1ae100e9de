// Package httpsig implements the RFC 9421 subset used to authenticate agent
// requests: a deterministic signature base built from the request authority
// and path, signed with Ed25519 or RSA-PSS and rendered as the
// Signature-Input/Signature header pair.
package httpsig

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/x402tap/agentpay"
)

// Algorithm identifies the signature algorithm.
type Algorithm string

const (
	// AlgorithmEd25519 signs with Ed25519. Deterministic: identical inputs
	// produce identical signatures.
	AlgorithmEd25519 Algorithm = "ed25519"

	// AlgorithmRSAPSSSHA256 signs with RSA-PSS over SHA-256. Probabilistic:
	// callers must not assume byte-identical signatures across runs.
	AlgorithmRSAPSSSHA256 Algorithm = "rsa-pss-sha256"
)

// Tag distinguishes the purpose of a signature.
type Tag string

const (
	// TagPayerAuth marks signatures authenticating a paying agent.
	TagPayerAuth Tag = "agent-payer-auth"

	// TagBrowserAuth marks signatures authenticating a browsing agent.
	TagBrowserAuth Tag = "agent-browser-auth"
)

// Label is the signature label used in both headers.
const Label = "sig2"

// DefaultValidityWindow is the signature lifetime applied by NewParams.
const DefaultValidityWindow = 300 * time.Second

// SignatureComponents are the covered request parts.
type SignatureComponents struct {
	// Authority is the request host (including port when non-default).
	Authority string

	// Path is the request path plus raw query.
	Path string
}

// ComponentsFromURL derives the covered components from a request URL.
func ComponentsFromURL(u *url.URL) SignatureComponents {
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return SignatureComponents{Authority: u.Host, Path: path}
}

// SignatureParams are the signing parameters covered by the signature base.
// They are not persisted beyond the single signed request.
type SignatureParams struct {
	// Created is the signing time in unix seconds.
	Created int64

	// Expires is Created plus the validity window, in unix seconds.
	Expires int64

	// KeyID identifies the signing key to the verifier.
	KeyID string

	// Algorithm tags the signature scheme.
	Algorithm Algorithm

	// Nonce is a fresh random value per signature.
	Nonce string

	// Tag distinguishes the signature purpose.
	Tag Tag
}

// NewParams returns signing parameters created now with the default
// validity window and a fresh nonce.
func NewParams(keyID string, alg Algorithm, tag Tag) SignatureParams {
	now := time.Now().Unix()
	return SignatureParams{
		Created:   now,
		Expires:   now + int64(DefaultValidityWindow/time.Second),
		KeyID:     keyID,
		Algorithm: alg,
		Nonce:     agentpay.GenerateNonce(),
		Tag:       tag,
	}
}

// Expired reports whether the parameters are outside their validity window
// at the given time.
func (p SignatureParams) Expired(now time.Time) bool {
	return now.Unix() > p.Expires
}

// paramsValue renders the ordered, semicolon-separated parameter list shared
// by the signature base and the Signature-Input header. Order is fixed:
// the signature is computed over these exact bytes.
func (p SignatureParams) paramsValue() string {
	return fmt.Sprintf(`("@authority" "@path"); created=%d; expires=%d; keyid=%q; alg=%q; nonce=%q; tag=%q`,
		p.Created, p.Expires, p.KeyID, p.Algorithm, p.Nonce, p.Tag)
}

// SignatureBase builds the canonical string the signature is computed over:
// one line per covered component followed by the @signature-params line,
// newline-joined. Byte-for-byte reproducible for identical inputs.
func SignatureBase(c SignatureComponents, p SignatureParams) string {
	lines := []string{
		fmt.Sprintf(`"@authority": %s`, c.Authority),
		fmt.Sprintf(`"@path": %s`, c.Path),
		fmt.Sprintf(`"@signature-params": %s`, p.paramsValue()),
	}
	return strings.Join(lines, "\n")
}

// Headers is the rendered Signature-Input/Signature header pair.
type Headers struct {
	SignatureInput string
	Signature      string
}

// Apply sets both headers on an outbound request header map.
func (h Headers) Apply(header map[string][]string) {
	header["Signature-Input"] = []string{h.SignatureInput}
	header["Signature"] = []string{h.Signature}
}

// Sign signs the UTF-8 bytes of the signature base with an Ed25519 private
// key and renders the header pair. The params' algorithm must be ed25519.
func Sign(c SignatureComponents, p SignatureParams, privateKey ed25519.PrivateKey) (Headers, error) {
	if p.Algorithm != AlgorithmEd25519 {
		return Headers{}, fmt.Errorf("%w: params algorithm is %q, key is ed25519", agentpay.ErrInvalidKey, p.Algorithm)
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		return Headers{}, fmt.Errorf("%w: ed25519 private key must be %d bytes", agentpay.ErrInvalidKey, ed25519.PrivateKeySize)
	}

	base := SignatureBase(c, p)
	sig := ed25519.Sign(privateKey, []byte(base))

	return renderHeaders(p, sig), nil
}

// SignRSAPSS signs the signature base with RSA-PSS over SHA-256 and renders
// the header pair. The params' algorithm must be rsa-pss-sha256.
func SignRSAPSS(c SignatureComponents, p SignatureParams, privateKey *rsa.PrivateKey) (Headers, error) {
	if p.Algorithm != AlgorithmRSAPSSSHA256 {
		return Headers{}, fmt.Errorf("%w: params algorithm is %q, key is rsa", agentpay.ErrInvalidKey, p.Algorithm)
	}
	if privateKey == nil {
		return Headers{}, agentpay.ErrInvalidKey
	}

	base := SignatureBase(c, p)
	digest := sha256.Sum256([]byte(base))

	sig, err := rsa.SignPSS(rand.Reader, privateKey, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
	})
	if err != nil {
		return Headers{}, fmt.Errorf("rsa-pss signing failed: %w", err)
	}

	return renderHeaders(p, sig), nil
}

func renderHeaders(p SignatureParams, sig []byte) Headers {
	return Headers{
		SignatureInput: fmt.Sprintf("%s=%s", Label, p.paramsValue()),
		// Structured-field byte sequence: colon-delimited base64.
		Signature: fmt.Sprintf("%s=:%s:", Label, base64.StdEncoding.EncodeToString(sig)),
	}
}

// ParseSignature extracts the raw signature bytes from a Signature header
// value of the form `sig2=:base64:`.
func ParseSignature(header string) ([]byte, error) {
	prefix := Label + "=:"
	if !strings.HasPrefix(header, prefix) || !strings.HasSuffix(header, ":") {
		return nil, fmt.Errorf("%w: malformed signature header", agentpay.ErrInvalidSignature)
	}
	encoded := strings.TrimSuffix(strings.TrimPrefix(header, prefix), ":")
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agentpay.ErrInvalidSignature, err)
	}
	return sig, nil
}

// Verify checks a Signature header against the base reconstructed from the
// given components and params. The public key type must match the params'
// algorithm: ed25519.PublicKey or *rsa.PublicKey.
func Verify(c SignatureComponents, p SignatureParams, publicKey crypto.PublicKey, signatureHeader string) error {
	sig, err := ParseSignature(signatureHeader)
	if err != nil {
		return err
	}

	base := SignatureBase(c, p)

	switch p.Algorithm {
	case AlgorithmEd25519:
		pub, ok := publicKey.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("%w: expected ed25519 public key", agentpay.ErrInvalidKey)
		}
		if !ed25519.Verify(pub, []byte(base), sig) {
			return agentpay.ErrInvalidSignature
		}
		return nil

	case AlgorithmRSAPSSSHA256:
		pub, ok := publicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: expected rsa public key", agentpay.ErrInvalidKey)
		}
		digest := sha256.Sum256([]byte(base))
		if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthAuto,
		}); err != nil {
			return fmt.Errorf("%w: %v", agentpay.ErrInvalidSignature, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: unsupported algorithm %q", agentpay.ErrInvalidSignature, p.Algorithm)
	}
}
