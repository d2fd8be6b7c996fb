package response

import (
	"net/http"

	"HibiscusCrisis/pkg/errors"
	"HibiscusCrisis/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Body 统一响应结构
type Body struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Body{Code: 0, Msg: msg, Data: data})
}

// Fail 参数类错误
func Fail(c *gin.Context, msg string, data interface{}) {
	c.AbortWithStatusJSON(http.StatusBadRequest, Body{Code: errors.CodeInvalidParameter, Msg: msg, Data: data})
}

// Error 按业务错误码映射 HTTP 状态，msg 为面向调用方的本地化说明。
// 5xx 连同根因与堆栈写入日志，响应里只带错误自身的说明。
func Error(c *gin.Context, err error, msg string) {
	_ = c.Error(err)
	code := errors.GetCode(err)
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Int("code", code),
			zap.NamedError("cause", errors.Cause(err)),
			zap.String("stack", errors.GetStack(err)))
	}
	if code == 0 {
		// 内部错误不向调用方暴露细节
		c.AbortWithStatusJSON(http.StatusInternalServerError, Body{Code: http.StatusInternalServerError, Msg: msg})
		return
	}
	c.AbortWithStatusJSON(status, Body{Code: code, Msg: msg, Data: gin.H{"error": errors.GetMessage(err)}})
}
