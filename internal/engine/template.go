package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shaiso/celerywatch/internal/domain"
)

// templateCacheSize: параметры одних и тех же workflows рендерятся на каждое
// событие, разобранные шаблоны переиспользуются.
const templateCacheSize = 1024

var parsed, _ = lru.New[string, *template.Template](templateCacheSize)

// NewContext строит данные для шаблонов параметров действий.
//
// Доступно в шаблонах:
//   - {{ .task_name }}, {{ .root_id }}, {{ .exception }} и остальные поля события
//   - {{ .workflow_name }}, {{ .workflow_id }}
//   - {{ .event }}: все присутствующие поля события (для json)
//
// Отсутствующие поля события рендерятся как пустая строка.
func NewContext(ev *domain.Event, wf *domain.WorkflowDefinition) map[string]any {
	fields := ev.Fields()

	data := make(map[string]any, len(domain.EventFields)+3)
	for _, name := range domain.EventFields {
		data[name] = ""
	}
	for name, v := range fields {
		data[name] = v
	}
	data["event"] = fields

	if wf != nil {
		data["workflow_name"] = wf.Name
		data["workflow_id"] = wf.ID.String()
	}
	return data
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"default": func(fallback, v any) any {
		if isBlank(v) {
			return fallback
		}
		return v
	},
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if !isBlank(v) {
				return v
			}
		}
		return ""
	},
	// truncate 200: для traceback в Slack/email
	"truncate": func(n int, s string) string { return truncate(s, n) },
	// firstLine: первая строка сообщения, для заголовков
	"firstLine": func(s string) string {
		line, _, _ := strings.Cut(s, "\n")
		return line
	},
	"lower":    strings.ToLower,
	"upper":    strings.ToUpper,
	"trim":     strings.TrimSpace,
	"replace":  strings.ReplaceAll,
	"contains": strings.Contains,
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// Render рендерит строковый шаблон.
//
//	"Task {{ .task_name }} failed on {{ .hostname }}"
//	"{{ .exception | truncate 200 }}"
func Render(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	t, ok := parsed.Get(text)
	if !ok {
		var err error
		t, err = template.New("param").Funcs(templateFuncs).Option("missingkey=zero").Parse(text)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
		}
		parsed.Add(text, t)
	}

	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return sb.String(), nil
}

// RenderValue рендерит строки внутри value, обходя вложенные map и slice
// из JSON. Остальные значения возвращаются как есть. Вход не изменяется.
func RenderValue(value any, data map[string]any) (any, error) {
	return renderAt("", value, data)
}

func renderAt(path string, value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		out, err := Render(v, data)
		if err != nil && path != "" {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return out, err

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			rendered, err := renderAt(join(path, key), item, data)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := renderAt(join(path, strconv.Itoa(i)), item, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil

	default:
		return value, nil
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// RenderConfig рендерит параметры действия. Ошибка содержит путь
// к параметру: "headers.X-Root: template render failed: ...".
func RenderConfig(params map[string]any, data map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	rendered, err := RenderValue(params, data)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
