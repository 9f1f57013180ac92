package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcore/sample-custody/internal/config"
	"github.com/labcore/sample-custody/internal/model"
	"github.com/labcore/sample-custody/internal/utils"
)

const secret = "test-secret"

func newServer() *echo.Echo {
	e := echo.New()
	g := e.Group("/v1", JWTAuth(secret))
	g.GET("/whoami", func(c echo.Context) error {
		a, ok := Actor(c)
		if !ok {
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.JSON(http.StatusOK, a)
	})
	g.GET("/supervisors", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) },
		RequireRole(model.RoleSupervisor))
	return e
}

func call(e *echo.Echo, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func token(t *testing.T, sub string, role model.Role) string {
	t.Helper()
	tok, err := utils.NewAccessToken(secret, sub, role, time.Hour)
	require.NoError(t, err)
	return tok.Token
}

func TestJWTAuthStoresActor(t *testing.T) {
	e := newServer()
	rec := call(e, "/v1/whoami", token(t, "tech-a", model.RoleTechnician))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"tech-a","role":"TECHNICIAN"}`, rec.Body.String())
}

func TestJWTAuthRejects(t *testing.T) {
	e := newServer()
	assert.Equal(t, http.StatusUnauthorized, call(e, "/v1/whoami", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(e, "/v1/whoami", "garbage").Code)

	other, err := utils.NewAccessToken("other-secret", "tech-a", model.RoleTechnician, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(e, "/v1/whoami", other.Token).Code)

	expired, err := utils.NewAccessToken(secret, "tech-a", model.RoleTechnician, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(e, "/v1/whoami", expired.Token).Code)

	unknownRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "x", "role": "OWNER", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(e, "/v1/whoami", unknownRole).Code)
}

func TestRequireRole(t *testing.T) {
	e := newServer()
	assert.Equal(t, http.StatusForbidden, call(e, "/v1/supervisors", token(t, "tech-a", model.RoleTechnician)).Code)
	assert.Equal(t, http.StatusNoContent, call(e, "/v1/supervisors", token(t, "sup-1", model.RoleSupervisor)).Code)
}

func TestPayloadRoundTrip(t *testing.T) {
	hdr := http.Header{"Content-Type": {"application/json"}}
	bs, err := encodePayload(http.StatusOK, hdr, []byte(`{"ok":true}`))
	require.NoError(t, err)

	status, got, body, ok := decodePayload(bs)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, `{"ok":true}`, string(body))

	_, _, _, ok = decodePayload(bs[:6])
	assert.False(t, ok)
}

func TestKeysFollowStrategy(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/lifecycle/stages?x=1", nil)
	req.Header.Set("X-Real-IP", "10.0.0.9")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/lifecycle/stages")
	c.Set("user_id", "tech-a")
	c.Set("role", "TECHNICIAN")

	rl := config.RateLimitConfig{Prefix: "rl", KeyStrategy: "ip_user"}
	assert.Equal(t, "rl:ip:10.0.0.9:user:tech-a", buildRateKey(rl, c))
	rl.KeyStrategy = "route"
	assert.Equal(t, "rl:route:GET /v1/lifecycle/stages", buildRateKey(rl, c))

	cc := config.CacheConfig{Prefix: "cache", KeyStrategy: "route_query"}
	withQuery := cacheKeyFrom(cc, c)
	cc.KeyStrategy = "route"
	assert.NotEqual(t, withQuery, cacheKeyFrom(cc, c))
	assert.Contains(t, withQuery, "cache:")
}

func TestDisabledMiddlewareIsPassThrough(t *testing.T) {
	e := echo.New()
	e.Use(NewTokenBucket(config.RateLimitConfig{Enabled: true}, nil, zerolog.Nop()))
	e.Use(NewRedisCache(config.CacheConfig{Enabled: true}, nil, zerolog.Nop()))
	e.GET("/x", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	rec := call(e, "/x", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Cache"))
}
