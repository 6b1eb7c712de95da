package delivery

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

var (
	ErrSignatureInvalid = errors.New("download signature invalid")
	ErrLinkExpired      = errors.New("download link expired")
)

// Signer issues and verifies expiring download links. The MAC is keyed
// BLAKE3 over the artifact name, the requester, and the expiry.
type Signer struct {
	key     [32]byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewSigner derives the MAC key from secret.
func NewSigner(secret, baseURL string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{
		key:     blake3.Sum256([]byte(secret)),
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces time.Now; used by tests.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	if now != nil {
		s.now = now
	}
	return s
}

// TTL reports how long issued links stay valid.
func (s *Signer) TTL() time.Duration { return s.ttl }

// Issue returns a download URL for artifactName bound to requester.
func (s *Signer) Issue(artifactName, requester string) (string, time.Time) {
	expires := s.now().Add(s.ttl).Truncate(time.Second)
	sig := s.mac(artifactName, requester, expires.Unix())
	query := url.Values{}
	query.Set("r", requester)
	query.Set("e", strconv.FormatInt(expires.Unix(), 10))
	query.Set("s", sig)
	return s.baseURL + "/download/" + url.PathEscape(artifactName) + "?" + query.Encode(), expires
}

// Verify checks a link's signature and expiry.
func (s *Signer) Verify(artifactName, requester string, expires int64, sig string) error {
	want := s.mac(artifactName, requester, expires)
	if subtle.ConstantTimeCompare([]byte(want), []byte(sig)) != 1 {
		return ErrSignatureInvalid
	}
	if s.now().Unix() > expires {
		return ErrLinkExpired
	}
	return nil
}

func (s *Signer) mac(name, requester string, expires int64) string {
	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		panic("delivery: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.WriteString(name)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(requester)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strconv.FormatInt(expires, 10))
	return hex.EncodeToString(h.Sum(nil))
}
