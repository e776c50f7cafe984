package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
)

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func sign(t *testing.T, k *rsa.PrivateKey, c jwt.StandardClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, AccessClaims{StandardClaims: c}).SignedString(k)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(now time.Time) jwt.StandardClaims {
	return jwt.StandardClaims{
		Subject:   "42",
		Issuer:    "auth-service",
		Audience:  "cwrk-planet",
		IssuedAt:  now.Unix(),
		NotBefore: now.Unix(),
		ExpiresAt: now.Add(15 * time.Minute).Unix(),
	}
}

func TestAuthenticate(t *testing.T) {
	k := genKey(t)
	v := NewVerifier(&k.PublicKey, "auth-service", "cwrk-planet", 30*time.Second)
	now := time.Now()

	uid, err := v.Authenticate(sign(t, k, validClaims(now)))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if uid != 42 {
		t.Fatalf("uid = %d", uid)
	}
}

func TestAuthenticate_Rejects(t *testing.T) {
	k := genKey(t)
	other := genKey(t)
	v := NewVerifier(&k.PublicKey, "auth-service", "cwrk-planet", 30*time.Second)
	now := time.Now()

	mut := func(f func(c *jwt.StandardClaims)) jwt.StandardClaims {
		c := validClaims(now)
		f(&c)
		return c
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"foreign key", sign(t, other, validClaims(now)), ErrInvalidToken},
		{"expired", sign(t, k, mut(func(c *jwt.StandardClaims) { c.ExpiresAt = now.Add(-time.Hour).Unix() })), ErrTokenExpired},
		{"no exp", sign(t, k, mut(func(c *jwt.StandardClaims) { c.ExpiresAt = 0 })), ErrTokenExpired},
		{"wrong issuer", sign(t, k, mut(func(c *jwt.StandardClaims) { c.Issuer = "evil" })), ErrInvalidIssuer},
		{"wrong audience", sign(t, k, mut(func(c *jwt.StandardClaims) { c.Audience = "other" })), ErrInvalidAudience},
		{"bad subject", sign(t, k, mut(func(c *jwt.StandardClaims) { c.Subject = "abc" })), ErrInvalidSubject},
		{"zero subject", sign(t, k, mut(func(c *jwt.StandardClaims) { c.Subject = "0" })), ErrInvalidSubject},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Authenticate(tc.token); !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestAuthenticate_RejectsHS256(t *testing.T) {
	k := genKey(t)
	v := NewVerifier(&k.PublicKey, "", "", 0)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(time.Now())).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Authenticate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want invalid token, got %v", err)
	}
}

func TestLoadRSAPublicKeyFromPEM(t *testing.T) {
	k := genKey(t)
	der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "jwt_public.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	pub, err := LoadRSAPublicKeyFromPEM(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if pub.N.Cmp(k.PublicKey.N) != 0 {
		t.Fatal("loaded key differs")
	}

	if _, err := LoadRSAPublicKeyFromPEM(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Fatal("missing file must fail")
	}
}
