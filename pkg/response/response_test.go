package response

import (
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"HibiscusCrisis/pkg/errors"
	"HibiscusCrisis/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func run(h gin.HandlerFunc) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/", nil)
	h(c)
	return w
}

func TestSuccessAndFail(t *testing.T) {
	w := run(func(c *gin.Context) { Success(c, "ok", gin.H{"id": "a1"}) })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"code":0,"msg":"ok","data":{"id":"a1"}}`, w.Body.String())

	w = run(func(c *gin.Context) { Fail(c, "bad", nil) })
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"code":40001,"msg":"bad"}`, w.Body.String())
}

func TestErrorMapping(t *testing.T) {
	w := run(func(c *gin.Context) { Error(c, errors.NotFound("alert", "a1"), "not found") })
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"code":40400`)

	w = run(func(c *gin.Context) { Error(c, errors.AlreadyAssigned("a1", "assigned"), "conflict") })
	assert.Equal(t, http.StatusConflict, w.Code)

	w = run(func(c *gin.Context) { Error(c, stderrors.New("db down"), "internal") })
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}

func TestCollaboratorFailureHidesCauseAndLogsIt(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger.Set(zap.New(core))
	defer logger.Set(zap.NewNop())

	err := errors.CollaboratorFailure("classifier", stderrors.New("dial tcp: connection refused"))
	w := run(func(c *gin.Context) { Error(c, err, "unavailable") })
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"code":50201,"msg":"unavailable","data":{"error":"classifier failed"}}`, w.Body.String())

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "dial tcp: connection refused", fields["cause"])
	assert.NotEmpty(t, fields["stack"])

	// 4xx 不记错误日志
	run(func(c *gin.Context) { Error(c, errors.NotFound("alert", "a1"), "not found") })
	assert.Len(t, logs.All(), 1)
}
