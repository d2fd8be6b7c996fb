package i18n

import (
	"embed"
	"encoding/json"
	"path"

	"HibiscusCrisis/pkg/logger"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var locales embed.FS

// 语言文件与语言标签的对应
var localeFiles = map[string]string{
	"zh.json": "zh-CN",
	"en.json": "en",
}

// I18nSupport 国际化支持结构体
type I18nSupport struct {
	bundle  *i18n.Bundle
	tags    []language.Tag
	matcher language.Matcher
}

// NewI18nSupport 初始化国际化支持，语言文件随二进制一起打包
func NewI18nSupport(defaultLang string) (*I18nSupport, error) {
	def, err := language.Parse(defaultLang)
	if err != nil {
		return nil, err
	}
	bundle := i18n.NewBundle(def)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	tags := []language.Tag{def}
	for file, tag := range localeFiles {
		buf, err := locales.ReadFile(path.Join("locales", file))
		if err != nil {
			return nil, err
		}
		// 以语言标签命名，保证 bundle 能识别文件语言
		if _, err := bundle.ParseMessageFileBytes(buf, tag+".json"); err != nil {
			return nil, err
		}
		if t := language.MustParse(tag); t != def {
			tags = append(tags, t)
		}
	}
	return &I18nSupport{bundle: bundle, tags: tags, matcher: language.NewMatcher(tags)}, nil
}

// T 获取翻译文本，失败时返回键名
func (i *I18nSupport) T(languageTag, key string, templateData map[string]interface{}) string {
	localizer := i18n.NewLocalizer(i.bundle, languageTag)
	translation, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: templateData,
	})
	if err != nil {
		logger.Warn("translate failed", zap.String("key", key), zap.Error(err))
		return key
	}
	return translation
}

// TWithDefaultLang 使用默认语言获取翻译文本
func (i *I18nSupport) TWithDefaultLang(key string, templateData map[string]interface{}) string {
	return i.T(i.tags[0].String(), key, templateData)
}

// Match 从 Accept-Language 或显式语言中选出支持的语言
func (i *I18nSupport) Match(accept ...string) string {
	var wanted []language.Tag
	for _, a := range accept {
		if a == "" {
			continue
		}
		parsed, _, err := language.ParseAcceptLanguage(a)
		if err == nil {
			wanted = append(wanted, parsed...)
		}
	}
	if len(wanted) == 0 {
		return i.tags[0].String()
	}
	_, idx, _ := i.matcher.Match(wanted...)
	return i.tags[idx].String()
}

// MessageFunc 绑定语言的文案生成函数
func (i *I18nSupport) MessageFunc(languageTag string) func(id string, data map[string]interface{}) string {
	return func(id string, data map[string]interface{}) string {
		return i.T(languageTag, id, data)
	}
}
