package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/noah-isme/fleet-scheduler-api/internal/models"
	"github.com/noah-isme/fleet-scheduler-api/internal/service"
	appErrors "github.com/noah-isme/fleet-scheduler-api/pkg/errors"
)

type validatorStub map[string]*models.JWTClaims

func (v validatorStub) ValidateToken(token string) (*models.JWTClaims, error) {
	if claims, ok := v[token]; ok {
		return claims, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token")
}

func newTestRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	router.GET("/runs/:id", handlers...)
	router.POST("/runs/:id", handlers...)
	return router
}

func serve(router http.Handler, req *http.Request) int {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

func TestJWT(t *testing.T) {
	router := newTestRouter(JWT(validatorStub{"good": {UserID: "u1", Role: models.RoleAdmin}}))

	req := httptest.NewRequest(http.MethodGet, "/runs/1", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(router, req))

	req = httptest.NewRequest(http.MethodGet, "/runs/1", nil)
	req.Header.Set("Authorization", "Token good")
	assert.Equal(t, http.StatusUnauthorized, serve(router, req))

	req = httptest.NewRequest(http.MethodGet, "/runs/1", nil)
	req.Header.Set("Authorization", "Bearer good")
	assert.Equal(t, http.StatusNoContent, serve(router, req))

	req = httptest.NewRequest(http.MethodGet, "/runs/1?access_token=good", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(router, req), "query tokens are only for websocket upgrades")

	req = httptest.NewRequest(http.MethodGet, "/runs/1?access_token=good", nil)
	req.Header.Set("Upgrade", "websocket")
	assert.Equal(t, http.StatusNoContent, serve(router, req))
}

func TestRequireRoles(t *testing.T) {
	withClaims := func(claims *models.JWTClaims) gin.HandlerFunc {
		return func(c *gin.Context) {
			if claims != nil {
				c.Set(ContextUserKey, claims)
			}
			c.Next()
		}
	}
	guard := RequireRoles(models.RoleAdmin, models.RoleDepotManager)

	cases := []struct {
		claims *models.JWTClaims
		want   int
	}{
		{nil, http.StatusUnauthorized},
		{&models.JWTClaims{UserID: "v", Role: models.RoleViewer}, http.StatusForbidden},
		{&models.JWTClaims{UserID: "m", Role: models.RoleDepotManager}, http.StatusNoContent},
		{&models.JWTClaims{UserID: "a", Role: models.RoleAdmin}, http.StatusNoContent},
	}
	for _, tc := range cases {
		router := newTestRouter(withClaims(tc.claims), guard)
		assert.Equal(t, tc.want, serve(router, httptest.NewRequest(http.MethodGet, "/runs/1", nil)))
	}
}

func TestClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, Claims(c))
	assert.Nil(t, Claims(nil))

	c.Set(ContextUserKey, "not claims")
	assert.Nil(t, Claims(c))

	c.Set(ContextUserKey, &models.JWTClaims{UserID: "u1"})
	assert.Equal(t, "u1", Claims(c).UserID)
}

func TestRateLimiterPerClient(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	now := time.Date(2025, time.March, 4, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	router := newTestRouter(limiter.Middleware())

	fromIP := func(ip string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/runs/1", bytes.NewReader(nil))
		req.RemoteAddr = ip + ":4000"
		return req
	}

	assert.Equal(t, http.StatusNoContent, serve(router, fromIP("10.0.0.1")))
	assert.Equal(t, http.StatusNoContent, serve(router, fromIP("10.0.0.1")))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, fromIP("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "TOO_MANY_REQUESTS")

	assert.Equal(t, http.StatusNoContent, serve(router, fromIP("10.0.0.2")))
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	now := time.Date(2025, time.March, 4, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.get("ip:a")
	limiter.get("ip:b")
	now = now.Add(limiterIdleTTL + time.Minute)
	limiter.get("ip:c")

	assert.Len(t, limiter.clients, 1)
}

func TestRateLimiterDisabled(t *testing.T) {
	router := newTestRouter(NewRateLimiter(0, 0).Middleware())
	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusNoContent, serve(router, httptest.NewRequest(http.MethodPost, "/runs/1", nil)))
	}
}

func TestAuditLogsSuccessfulActions(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	claims := func(c *gin.Context) {
		c.Set(ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
		c.Next()
	}
	router := newTestRouter(claims, Audit(zap.New(core), "scheduler.stop"))

	serve(router, httptest.NewRequest(http.MethodPost, "/runs/run-9", nil))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "scheduler.stop", fields["action"])
	assert.Equal(t, "admin-1", fields["actor"])
	assert.Equal(t, "run-9", fields["run_id"])
}

func TestMetricsUsesRouteTemplate(t *testing.T) {
	metrics := service.NewMetricsService()
	router := newTestRouter(Metrics(metrics))
	router.Use(Metrics(metrics))

	serve(router, httptest.NewRequest(http.MethodGet, "/runs/abc", nil))
	serve(router, httptest.NewRequest(http.MethodGet, "/wp-login.php", nil))
	upgrade := httptest.NewRequest(http.MethodGet, "/runs/abc", nil)
	upgrade.Header.Set("Upgrade", "websocket")
	serve(router, upgrade)

	w := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, `http_requests_total{method="GET",path="/runs/:id",status="204"} 1`)
	assert.Contains(t, body, `path="unmatched"`)
	assert.NotContains(t, body, "/runs/abc")
	assert.NotContains(t, body, "wp-login")
}

func TestResponseMeta(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	var seen map[string]interface{}
	router.GET("/", WithResponseMeta(), func(c *gin.Context) {
		SetMeta(c, "limit_capped", true)
		seen = ExtractMeta(c)
		c.Status(http.StatusOK)
	})

	serve(router, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, true, seen["limit_capped"])
	assert.Contains(t, seen, "processing_time_ms")
	assert.Nil(t, ExtractMeta(nil))
}
