package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Middle office status callbacks are signed over
// METHOD \n PATH \n TIMESTAMP \n NONCE \n hex(sha256(body)).
const (
	SignatureHeader          = "X-Signature"
	SignatureTimestampHeader = "X-Signature-Timestamp"
	SignatureNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	maxCallbackBody  = 1 << 20
)

// NonceStore remembers callback nonces so a captured callback cannot be replayed.
type NonceStore interface {
	// UseNonce reports false when nonce was already used and has not expired.
	UseNonce(ctx context.Context, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is enough for a single instance and for tests.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

type NonceStoreOption func(*InMemoryNonceStore)

// WithNonceClock sets the clock used to expire nonces. It should match the
// validator's clock, which computes the expiry.
func WithNonceClock(now func() time.Time) NonceStoreOption {
	return func(s *InMemoryNonceStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewInMemoryNonceStore(opts ...NonceStoreOption) *InMemoryNonceStore {
	s := &InMemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *InMemoryNonceStore) UseNonce(_ context.Context, nonce string, expiry time.Time) (bool, error) {
	if nonce == "" {
		return false, errors.New("auth: nonce is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, seen := s.nonces[nonce]; seen && exp.After(now) {
		return false, nil
	}
	for key, exp := range s.nonces {
		if !exp.After(now) {
			delete(s.nonces, key)
		}
	}
	s.nonces[nonce] = expiry
	return true, nil
}

// HMACValidator authenticates the middle office (Liberata) status callbacks.
type HMACValidator struct {
	secret    []byte
	nonces    NonceStore
	logger    Logger
	now       func() time.Time
	clockSkew time.Duration
}

type HMACOption func(*HMACValidator)

func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

func NewHMACValidator(secret string, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		secret:    []byte(secret),
		nonces:    nonces,
		logger:    log.Default(),
		now:       time.Now,
		clockSkew: defaultClockSkew,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

type hmacRejection struct {
	status  int
	code    string
	message string
}

// RequireHMAC admits only fresh, correctly signed callbacks whose nonce has
// not been seen. The body is restored for the handler.
func (v *HMACValidator) RequireHMAC() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rejection := v.verify(w, r); rejection != nil {
				respondAuthError(w, r, rejection.status, rejection.code, rejection.message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (v *HMACValidator) verify(w http.ResponseWriter, r *http.Request) *hmacRejection {
	if v == nil || len(v.secret) == 0 || v.nonces == nil {
		return &hmacRejection{http.StatusServiceUnavailable, "verification_unavailable", "middle office signature verification not configured"}
	}
	signature := strings.TrimSpace(r.Header.Get(SignatureHeader))
	timestamp := strings.TrimSpace(r.Header.Get(SignatureTimestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(SignatureNonceHeader))
	if signature == "" || timestamp == "" || nonce == "" {
		return &hmacRejection{http.StatusUnauthorized, "signature_missing", "signature headers missing"}
	}

	signedAt, err := parseSignatureTimestamp(timestamp)
	if err != nil {
		return &hmacRejection{http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid"}
	}
	if skew := v.now().Sub(signedAt).Abs(); skew > v.clockSkew {
		return &hmacRejection{http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window"}
	}

	body, err := readAndRestoreBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &hmacRejection{http.StatusRequestEntityTooLarge, "body_too_large", "callback body too large"}
		}
		return &hmacRejection{http.StatusBadRequest, "invalid_body", "unable to read callback body"}
	}
	given, err := decodeSignature(signature)
	if err != nil {
		return &hmacRejection{http.StatusUnauthorized, "signature_invalid", "signature encoding invalid"}
	}
	if !hmac.Equal(given, sign(v.secret, r.Method, r.URL.EscapedPath(), timestamp, nonce, body)) {
		return &hmacRejection{http.StatusUnauthorized, "signature_mismatch", "signature verification failed"}
	}

	fresh, err := v.nonces.UseNonce(r.Context(), nonce, v.now().Add(2*v.clockSkew))
	if err != nil {
		v.logger.Printf("auth: middle office nonce store error: %v", err)
		return &hmacRejection{http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error"}
	}
	if !fresh {
		return &hmacRejection{http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce"}
	}
	return nil
}

// SignRequest returns the base64 signature a caller sends in SignatureHeader.
func SignRequest(secret, method, path, timestamp, nonce string, body []byte) string {
	return base64.StdEncoding.EncodeToString(sign([]byte(secret), method, path, timestamp, nonce, body))
}

func sign(secret []byte, method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	_, _ = io.WriteString(mac, strings.Join([]string{strings.ToUpper(method), path, timestamp, nonce, hex.EncodeToString(digest[:])}, "\n"))
	return mac.Sum(nil)
}

// readAndRestoreBody buffers at most maxCallbackBody bytes; the signature is
// not yet checked, so the caller is untrusted here.
func readAndRestoreBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// decodeSignature accepts base64 or hex.
func decodeSignature(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseSignatureTimestamp accepts unix seconds or RFC3339.
func parseSignatureTimestamp(value string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
