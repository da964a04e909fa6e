package activitypub

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/deemkeen/snacpub/domain"
)

// signedHeaders is the header list every outgoing request is signed over.
var signedHeaders = []string{httpsig.RequestTarget, "host", "digest", "date"}

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// SignRequest signs req with key. body is the exact payload, nil for GET.
// Host, Date and Digest are set on req before signing; keyID is usually
// "<actor>#main-key".
func SignRequest(req *http.Request, body []byte, key *rsa.PrivateKey, keyID string, now time.Time) error {
	if key == nil {
		return fmt.Errorf("%w: no signing key", domain.ErrProtocol)
	}
	if body == nil {
		body = []byte{}
	}

	// signers keep per-request state and are not safe for concurrent use
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Date", now.UTC().Format(http.TimeFormat))
	req.Header.Del("Digest")
	req.Header.Del("Signature")
	if err := signer.SignRequest(key, keyID, req, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// Outcome is the result of checking an inbound signature.
type Outcome int

const (
	OutcomeVerified Outcome = iota
	// OutcomeSameInstance: the key belongs to this instance and is trusted as is.
	OutcomeSameInstance
	// OutcomeGone: the signing actor no longer exists. Dropped quietly.
	OutcomeGone
	// OutcomeUnverified: the check failed but strict mode is off.
	OutcomeUnverified
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeVerified:
		return "verified"
	case OutcomeSameInstance:
		return "same-instance"
	case OutcomeGone:
		return "gone"
	case OutcomeUnverified:
		return "unverified"
	}
	return "rejected"
}

// Accepted reports whether the message may be processed.
func (o Outcome) Accepted() bool {
	return o == OutcomeVerified || o == OutcomeSameInstance || o == OutcomeUnverified
}

// KeyResolver finds the public key PEM of an actor.
type KeyResolver interface {
	PublicKeyPem(ctx context.Context, acc *domain.Account, actorID string) (string, error)
}

// Verifier checks signatures of inbound requests.
type Verifier struct {
	// BaseURL of this instance; keys under it are not checked.
	BaseURL string
	// Strict rejects messages whose signature does not verify. When false they
	// are logged and accepted.
	Strict bool
	Keys   KeyResolver
}

// Verify checks the signature of an inbound request that claims to come from
// actorID. The signing key must belong to that actor.
func (v *Verifier) Verify(ctx context.Context, acc *domain.Account, actorID string, r *http.Request, body []byte) (Outcome, error) {
	if got := r.Header.Get("Digest"); got != Digest(body) {
		return OutcomeRejected, fmt.Errorf("%w: digest mismatch", domain.ErrProtocol)
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}

	keyID := verifier.KeyId()
	owner, _, _ := strings.Cut(keyID, "#")
	if owner != actorID {
		return OutcomeRejected, fmt.Errorf("%w: activity of %s signed with key %s", domain.ErrProtocol, actorID, keyID)
	}

	if v.BaseURL != "" && strings.HasPrefix(owner, v.BaseURL+"/") {
		return OutcomeSameInstance, nil
	}

	pemString, err := v.Keys.PublicKeyPem(ctx, acc, owner)
	if errors.Is(err, domain.ErrGone) {
		return OutcomeGone, err
	}
	if err != nil {
		return v.fail(fmt.Errorf("cannot get key %s: %w", keyID, err))
	}

	pub, err := ParsePublicKey(pemString)
	if err != nil {
		return v.fail(fmt.Errorf("%w: key of %s: %v", domain.ErrProtocol, owner, err))
	}

	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return v.fail(fmt.Errorf("%w: bad signature from %s: %v", domain.ErrProtocol, owner, err))
	}
	return OutcomeVerified, nil
}

func (v *Verifier) fail(err error) (Outcome, error) {
	if v.Strict {
		return OutcomeRejected, err
	}
	return OutcomeUnverified, err
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey. Both PKIX ("PUBLIC KEY")
// and PKCS#1 ("RSA PUBLIC KEY") encodings are accepted.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return pub, nil
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
