package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef-secret"

func TestNewSigner_Disabled(t *testing.T) {
	s, err := NewSigner(Config{})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestIssueAndVerify(t *testing.T) {
	s, err := NewSigner(Config{Secret: testSecret})
	require.NoError(t, err)

	tok, err := s.Issue("ops", time.Hour)
	require.NoError(t, err)
	claims, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, DefaultIssuer, claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}

func TestVerify_Rejects(t *testing.T) {
	s, err := NewSigner(Config{Secret: testSecret})
	require.NoError(t, err)

	_, err = s.Verify("")
	assert.True(t, errors.Is(err, ErrMissingToken))

	other, err := NewSigner(Config{Secret: "another-secret-of-16b"})
	require.NoError(t, err)
	foreign, err := other.Issue("ops", time.Hour)
	require.NoError(t, err)
	_, err = s.Verify(foreign)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    DefaultIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = s.Verify(expired)
	assert.Error(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer: DefaultIssuer,
	}}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = s.Verify(noExp)
	assert.Error(t, err, "tokens without exp are rejected")

	wrongIss, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = s.Verify(wrongIss)
	assert.Error(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    DefaultIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.Verify(none)
	assert.Error(t, err)
}

func TestNewSigner_SecretFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(p, []byte(testSecret+"\n"), 0o600))
	s, err := NewSigner(Config{SecretFile: p, Issuer: "plant-7"})
	require.NoError(t, err)
	tok, err := s.Issue("ci", 0)
	require.NoError(t, err)
	claims, err := s.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "plant-7", claims.Issuer)

	_, err = NewSigner(Config{SecretFile: filepath.Join(t.TempDir(), "none")})
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Secret: "short"}.Validate())
	assert.Error(t, Config{Secret: testSecret, SecretFile: "/x"}.Validate())
	assert.Error(t, Config{Secret: testSecret, ClockSkew: -1}.Validate())
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken(""))
}

func TestGinAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, err := NewSigner(Config{Secret: testSecret})
	require.NoError(t, err)

	r := gin.New()
	r.GET("/status", GinAuth(s), func(c *gin.Context) {
		v, _ := c.Get(ClaimsKey)
		c.String(http.StatusOK, v.(*Claims).Subject)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	tok, err := s.Issue("ops", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", rec.Body.String())

	open := gin.New()
	open.GET("/status", GinAuth(nil), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
