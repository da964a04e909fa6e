package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

//go:embed version.txt
var embeddedVersion string

var debugLevel atomic.Int32

type RsaKeyPair struct {
	Private string
	Public  string
}

// IdHash is the storage key of an object or actor id.
func IdHash(id string) string {
	h := sha256.New()
	h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// UserAgent is sent with every outbound request.
func UserAgent(baseURL string) string {
	return fmt.Sprintf("%s/%s; +%s/", Name, GetVersion(), baseURL)
}

func SetDebugLevel(level int) {
	debugLevel.Store(int32(level))
}

// Debugf logs only when the configured debug level is at least level.
func Debugf(level int, format string, args ...interface{}) {
	if int(debugLevel.Load()) >= level {
		log.Printf(format, args...)
	}
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

func GeneratePemKeypair() *RsaKeyPair {
	bitSize := 4096

	key, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		panic(err)
	}
	return PemKeypair(key)
}

// PemKeypair encodes the private key as PKCS#1 and the public key as PKIX, which
// is what remote servers expect in publicKeyPem.
func PemKeypair(key *rsa.PrivateKey) *RsaKeyPair {
	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		},
	)

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		panic(err)
	}
	pubPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubBytes,
		},
	)

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}
}

// TidSource hands out strictly increasing nanosecond timestamps. They serve as
// ordering keys and as the variable part of locally minted ids.
type TidSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewTidSource(now func() time.Time) *TidSource {
	if now == nil {
		now = time.Now
	}
	return &TidSource{now: now}
}

func (s *TidSource) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.now().UnixNano()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}

// Tid renders a tid as the string used inside ids.
func Tid(n int64) string {
	return fmt.Sprintf("%d", n)
}
