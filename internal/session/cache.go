package session

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Cookie is a browser cookie as captured from the site
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // seconds since epoch, 0 for session cookies
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// State is the portable part of an authenticated browsing context
type State struct {
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
}

// Cache is the serialized session written after interactive login
type Cache struct {
	State
	CapturedAt time.Time `json:"capturedAt"`
}

// Expired reports whether the cache is older than maxAge at now
func (c *Cache) Expired(now time.Time, maxAge time.Duration) bool {
	return now.Sub(c.CapturedAt) > maxAge
}

func (c *Cache) validate() error {
	if c.CapturedAt.IsZero() {
		return fmt.Errorf("%w: missing capture time", ErrCacheInvalid)
	}
	if len(c.Cookies) == 0 {
		return fmt.Errorf("%w: no cookies", ErrCacheInvalid)
	}
	for i, ck := range c.Cookies {
		if ck.Name == "" || ck.Domain == "" {
			return fmt.Errorf("%w: cookie %d has no name or domain", ErrCacheInvalid, i)
		}
	}
	return nil
}

// Sealed files start with this marker, followed by salt, nonce and ciphertext
var sealMagic = []byte("STEMDL-SEALED-1\n")

const saltSize = 16

// scrypt cost parameters
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// CacheStore reads and writes the cache file. When a secret is set the file
// is sealed with XChaCha20-Poly1305 under a key derived from it with scrypt.
type CacheStore struct {
	path   string
	secret string
	maxAge time.Duration
	logger *logrus.Logger
	now    func() time.Time
	remove func(string) error
}

// NewCacheStore creates a store for the cache file at path. secret may be empty.
func NewCacheStore(path, secret string, maxAge time.Duration, logger *logrus.Logger) *CacheStore {
	return &CacheStore{
		path:   path,
		secret: secret,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
		remove: os.Remove,
	}
}

// Path returns the cache file location
func (s *CacheStore) Path() string { return s.path }

// Load reads the cache. A missing file returns ErrCacheMissing. An expired or
// unreadable cache is deleted and ErrCacheExpired or ErrCacheInvalid returned.
func (s *CacheStore) Load() (*Cache, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrCacheMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session cache: %w", err)
	}

	cache, err := s.decode(data)
	if err == nil {
		err = cache.validate()
	}
	if err == nil && cache.Expired(s.now(), s.maxAge) {
		err = fmt.Errorf("%w: captured %s", ErrCacheExpired, cache.CapturedAt.Format(time.RFC3339))
	}
	if err != nil {
		if derr := s.Discard(); derr != nil {
			s.logger.WithError(derr).WithField("cache_path", s.path).Warn("Failed to delete unusable session cache")
		}
		return nil, err
	}
	return cache, nil
}

// Save writes state as a fresh cache captured now
func (s *CacheStore) Save(state State) (*Cache, error) {
	cache := &Cache{State: state, CapturedAt: s.now().UTC()}

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode session cache: %w", err)
	}
	if s.secret != "" {
		if data, err = s.seal(data); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write session cache: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("failed to write session cache: %w", err)
	}
	return cache, nil
}

// Discard deletes the cache file. A missing file is not an error.
func (s *CacheStore) Discard() error {
	if err := s.remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *CacheStore) decode(data []byte) (*Cache, error) {
	sealed := bytes.HasPrefix(data, sealMagic)
	switch {
	case sealed && s.secret == "":
		return nil, fmt.Errorf("%w: cache is sealed but no secret is configured", ErrCacheInvalid)
	case !sealed && s.secret != "":
		return nil, fmt.Errorf("%w: cache is not sealed", ErrCacheInvalid)
	case sealed:
		var err error
		if data, err = s.open(data); err != nil {
			return nil, err
		}
	}

	var cache Cache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheInvalid, err)
	}
	return &cache, nil
}

func (s *CacheStore) seal(plain []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(sealMagic)+len(salt)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, sealMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, sealMagic), nil
}

func (s *CacheStore) open(data []byte) ([]byte, error) {
	body := data[len(sealMagic):]
	if len(body) < saltSize+chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: truncated", ErrCacheInvalid)
	}
	salt := body[:saltSize]
	nonce := body[saltSize : saltSize+chacha20poly1305.NonceSizeX]
	ciphertext := body[saltSize+chacha20poly1305.NonceSizeX:]

	aead, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ciphertext, sealMagic)
	if err != nil {
		// Wrong secret or tampered file
		return nil, fmt.Errorf("%w: cannot unseal", ErrCacheInvalid)
	}
	return plain, nil
}

func (s *CacheStore) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(s.secret), salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive cache key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}
