// Package classifier 把用户消息交给外部大模型做危机分类并解析其 JSON 结果。
package classifier

import (
	"context"
	"encoding/json"
	"strings"

	"HibiscusCrisis/internal/models"
	"HibiscusCrisis/pkg/errors"
	"HibiscusCrisis/pkg/llm"
)

const systemPrompt = `You are a crisis triage assistant for a peer-support platform.
Classify the latest user message (use earlier messages only as context) and answer with one JSON object:
{"riskLevel":"low|medium|high|critical",
 "categories":{"suicide":{"score":0-1,"keywords":[]},"selfHarm":{...},"violence":{...},"substance":{...},"other":{...}},
 "matchedKeywords":[],
 "riskFactors":{"methodAvailable":bool,"immediacy":bool,"isolation":bool,"priorAttempt":bool},
 "requiresImmediateAttention":bool,
 "confidence":0-1}
Do not add any other text.`

// 历史消息最多带上几条
const historyLimit = 6

// LLMClassifier 基于对话模型的分类器
type LLMClassifier struct {
	model llm.LLM
}

func New(model llm.LLM) *LLMClassifier {
	return &LLMClassifier{model: model}
}

func (c *LLMClassifier) Classify(ctx context.Context, text string, history []string) (models.CrisisAnalysis, error) {
	if strings.TrimSpace(text) == "" {
		return models.CrisisAnalysis{}, errors.InvalidParameter("message text is empty")
	}
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	messages := []llm.Message{{Role: "system", Content: systemPrompt}}
	for _, h := range history {
		messages = append(messages, llm.Message{Role: "user", Content: h})
	}
	messages = append(messages, llm.Message{Role: "user", Content: text})

	out, err := c.model.Query(ctx, messages)
	if err != nil {
		return models.CrisisAnalysis{}, err
	}
	return Decode(out)
}

// Decode 解析模型输出，容忍 markdown 代码块包裹，并规整风险等级
func Decode(raw string) (models.CrisisAnalysis, error) {
	body := strings.TrimSpace(raw)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	if i, j := strings.Index(body, "{"), strings.LastIndex(body, "}"); i >= 0 && j > i {
		body = body[i : j+1]
	}

	var a models.CrisisAnalysis
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return models.CrisisAnalysis{}, errors.Wrap(err, "decode classifier output")
	}
	a.RiskLevel = strings.ToLower(strings.TrimSpace(a.RiskLevel))
	if models.RiskRank(a.RiskLevel) == 0 {
		a.RiskLevel = models.RiskLow
	}
	if models.RiskRank(a.RiskLevel) >= models.RiskRank(models.RiskHigh) {
		a.RequiresImmediateAttention = true
	}
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		a.Confidence = 1
	}
	return a, nil
}

// Unavailable 未配置模型时使用，所有请求都失败
type Unavailable struct{}

func (Unavailable) Classify(context.Context, string, []string) (models.CrisisAnalysis, error) {
	return models.CrisisAnalysis{}, errors.New("classifier is not configured")
}
