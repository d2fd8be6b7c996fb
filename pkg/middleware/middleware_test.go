package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"HibiscusCrisis/pkg/i18n"
	"HibiscusCrisis/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

func perform(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiterPerClient(t *testing.T) {
	m := metrics.NewMetrics(nil)
	rl := NewRateLimiter(RateLimiterConfig{Rate: "2-M", Identifier: "client", AddHeaders: true, SkipPaths: []string{"/health"}}, nil, m)
	r := gin.New()
	r.Use(rl.Middleware())
	r.POST("/api/messages", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	u1 := map[string]string{HeaderClientRole: "user", HeaderClientID: "u1"}
	u2 := map[string]string{HeaderClientRole: "user", HeaderClientID: "u2"}
	assert.Equal(t, http.StatusOK, perform(r, "POST", "/api/messages", "", u1).Code)
	assert.Equal(t, http.StatusOK, perform(r, "POST", "/api/messages", "", u1).Code)
	w := perform(r, "POST", "/api/messages", "", u1)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, perform(r, "POST", "/api/messages", "", u2).Code)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, perform(r, "GET", "/health", "", nil).Code)
	}
}

func TestRateLimiterWhitelist(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: "1-M", WhitelistCIDRs: []string{"192.0.2.0/24"}}, nil, nil)
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	// httptest 默认来源 192.0.2.1
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, perform(r, "GET", "/x", "", nil).Code)
	}
}

func TestIdempotencyRejectsDuplicateBody(t *testing.T) {
	calls := 0
	r := gin.New()
	r.Use(IdempotencyMiddleware(IdempotencyConfig{TTL: time.Minute}))
	r.POST("/resolve", func(c *gin.Context) {
		calls++
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, perform(r, "POST", "/resolve", `{"a":1}`, nil).Code)
	assert.Equal(t, http.StatusConflict, perform(r, "POST", "/resolve", `{"a":1}`, nil).Code)
	assert.Equal(t, http.StatusOK, perform(r, "POST", "/resolve", `{"a":2}`, nil).Code)
	assert.Equal(t, 2, calls)
}

func TestIdempotencyReleasesKeyOnServerError(t *testing.T) {
	fail := true
	r := gin.New()
	r.Use(IdempotencyMiddleware(IdempotencyConfig{TTL: time.Minute}))
	r.POST("/x", func(c *gin.Context) {
		if fail {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})
	h := map[string]string{"Idempotency-Key": "k1"}
	assert.Equal(t, http.StatusInternalServerError, perform(r, "POST", "/x", "", h).Code)
	fail = false
	assert.Equal(t, http.StatusOK, perform(r, "POST", "/x", "", h).Code)
	assert.Equal(t, http.StatusConflict, perform(r, "POST", "/x", "", h).Code)
}

func TestSignVerify(t *testing.T) {
	r := gin.New()
	r.Use(SignVerifyMiddleware("s3cret"))
	r.POST("/admin/x", func(c *gin.Context) {
		b, _ := c.GetRawData()
		c.String(http.StatusOK, string(b))
	})

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	body := `{"outcome":"resolved"}`
	sig := GenerateSignature("POST", "/admin/x", []byte(body), ts, "s3cret")

	w := perform(r, "POST", "/admin/x", body, map[string]string{"Signature": sig, "Timestamp": ts})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, perform(r, "POST", "/admin/x", body, map[string]string{"Signature": "bad", "Timestamp": ts}).Code)
	old := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	assert.Equal(t, http.StatusUnauthorized, perform(r, "POST", "/admin/x", body, map[string]string{
		"Signature": GenerateSignature("POST", "/admin/x", []byte(body), old, "s3cret"), "Timestamp": old,
	}).Code)
}

func TestLanguage(t *testing.T) {
	s, err := i18n.NewI18nSupport("zh-CN")
	require.NoError(t, err)
	r := gin.New()
	r.Use(LanguageMiddleware(s))
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, Lang(c)) })

	assert.Equal(t, "en", perform(r, "GET", "/x?lang=en", "", nil).Body.String())
	assert.Equal(t, "en", perform(r, "GET", "/x", "", map[string]string{"Accept-Language": "en-GB"}).Body.String())
	assert.Equal(t, "zh-CN", perform(r, "GET", "/x", "", nil).Body.String())
}

func TestClientIdentity(t *testing.T) {
	r := gin.New()
	r.Use(OperationLogMiddleware())
	r.POST("/x", func(c *gin.Context) { c.String(http.StatusOK, ClientIdentity(c)) })
	assert.Equal(t, "responder:r1", perform(r, "POST", "/x", "", map[string]string{HeaderClientRole: "responder", HeaderClientID: "r1"}).Body.String())
	assert.Equal(t, "ip:192.0.2.1", perform(r, "POST", "/x", "", nil).Body.String())
}
