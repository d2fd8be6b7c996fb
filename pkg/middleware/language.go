package middleware

import (
	"HibiscusCrisis/pkg/i18n"

	"github.com/gin-gonic/gin"
)

// LangField 上下文中的语言键
const LangField = "lang"

// LanguageMiddleware 按 ?lang= 优先、其次 Accept-Language 选择语言
func LanguageMiddleware(i18nSupport *i18n.I18nSupport) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(LangField, i18nSupport.Match(c.Query("lang"), c.GetHeader("Accept-Language")))
		c.Next()
	}
}

// Lang 读取当前请求的语言
func Lang(c *gin.Context) string {
	return c.GetString(LangField)
}
