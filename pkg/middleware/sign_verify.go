package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// 签名允许的时间偏差
const signatureSkew = 5 * time.Minute

// GenerateSignature 生成 HMAC 签名：方法 + 路径 + 请求体 + 时间戳
func GenerateSignature(method, path string, body []byte, timestamp, secretKey string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(method + path))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignVerifyMiddleware 校验管理端请求签名，secret 为空时不校验
func SignVerifyMiddleware(secretKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secretKey == "" {
			c.Next()
			return
		}
		signature := c.GetHeader("Signature")
		if signature == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "signature is missing"})
			return
		}
		timestamp := c.GetHeader("Timestamp")
		if timestamp == "" {
			timestamp = c.Query("timestamp")
		}
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "timestamp is missing"})
			return
		}
		if d := time.Since(time.Unix(ts, 0)); d > signatureSkew || d < -signatureSkew {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "timestamp expired"})
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}
		expected := GenerateSignature(c.Request.Method, c.Request.URL.Path, body, timestamp, secretKey)
		if !hmac.Equal([]byte(signature), []byte(expected)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "invalid signature"})
			return
		}
		c.Next()
	}
}
