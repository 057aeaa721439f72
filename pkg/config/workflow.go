package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/xpath"
	"gopkg.in/yaml.v3"

	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/utils"
)

const (
	defaultStepTimeout     = 120 * time.Second
	defaultRetryDelay      = 1 * time.Second
	defaultRequestInterval = 1 * time.Second
	defaultFollowAttribute = "href"
)

// RawWorkflow is a workflow document as written by users, before alias
// resolution and defaulting.
type RawWorkflow struct {
	TaskInfo      RawTaskInfo `yaml:"taskInfo" json:"taskInfo"`
	WorkflowSteps []RawStep   `yaml:"workflowSteps" json:"workflowSteps"`
}

type RawTaskInfo struct {
	Name            string   `yaml:"name" json:"name"`
	BaseURL         string   `yaml:"baseUrl" json:"baseUrl"`
	Concurrency     int      `yaml:"concurrency" json:"concurrency"`
	RequestInterval *float64 `yaml:"requestInterval" json:"requestInterval"` // seconds
}

type RawStep struct {
	ID         *int     `yaml:"id" json:"id"`
	Type       string   `yaml:"type" json:"type"`
	Name       string   `yaml:"name" json:"name"`
	Timeout    *float64 `yaml:"timeout" json:"timeout"`
	RetryCount int      `yaml:"retryCount" json:"retryCount"`
	RetryDelay *float64 `yaml:"retryDelay" json:"retryDelay"`

	Config RawStepConfig `yaml:"config" json:"config"`

	// Older documents put rules and code beside config
	LinkExtractionRules []RawRule `yaml:"linkExtractionRules" json:"linkExtractionRules"`
	DataExtractionRules []RawRule `yaml:"dataExtractionRules" json:"dataExtractionRules"`
	CustomCode          string    `yaml:"customCode" json:"customCode"`
}

type RawStepConfig struct {
	URL         string         `yaml:"url" json:"url"`
	Method      string         `yaml:"method" json:"method"`
	Headers     map[string]any `yaml:"headers" json:"headers"`
	HeadersJSON string         `yaml:"headersJson" json:"headersJson"`
	Params      map[string]any `yaml:"params" json:"params"`
	Body        any            `yaml:"body" json:"body"`
	Timeout     *float64       `yaml:"timeout" json:"timeout"`

	ExtractionRules     []RawRule `yaml:"extractionRules" json:"extractionRules"`
	LinkExtractionRules []RawRule `yaml:"linkExtractionRules" json:"linkExtractionRules"`
	DataExtractionRules []RawRule `yaml:"dataExtractionRules" json:"dataExtractionRules"`

	NextRequestCustomCode string     `yaml:"nextRequestCustomCode" json:"nextRequestCustomCode"`
	CustomCode            string     `yaml:"customCode" json:"customCode"`
	Follow                *RawFollow `yaml:"follow" json:"follow"`
}

type RawFollow struct {
	Selector  string `yaml:"selector" json:"selector"`
	Attribute string `yaml:"attribute" json:"attribute"`
}

// RawRule accepts both the camelCase field names and their short aliases
type RawRule struct {
	FieldName   string `yaml:"fieldName" json:"fieldName"`
	Field       string `yaml:"field" json:"field"`
	ExtractType string `yaml:"extractType" json:"extractType"`
	Type        string `yaml:"type" json:"type"`
	Expression  string `yaml:"expression" json:"expression"`
	Selector    string `yaml:"selector" json:"selector"`
	DataType    string `yaml:"dataType" json:"dataType"`
	AttrName    string `yaml:"attrName" json:"attrName"`
	Attribute   string `yaml:"attribute" json:"attribute"`
	Multiple    bool   `yaml:"multiple" json:"multiple"`
	Required    bool   `yaml:"required" json:"required"`
}

// LoadWorkflow reads a standalone workflow document (JSON or YAML) and
// normalizes it. The file's base name is used when the document has no name.
func LoadWorkflow(path string) (*models.Workflow, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read workflow: %w", err)
	}
	raw, err := ParseWorkflow(data)
	if err != nil {
		return nil, nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Normalize(*raw, name)
}

// ParseWorkflow decodes a workflow document. Input starting with '{' is
// decoded as JSON; everything else as YAML.
func ParseWorkflow(data []byte) (*RawWorkflow, error) {
	var raw RawWorkflow
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("%w: workflow JSON: %v", utils.ErrConfigValidation, err)
		}
		return &raw, nil
	}
	if err := yaml.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: workflow YAML: %v", utils.ErrConfigValidation, err)
	}
	return &raw, nil
}

// Normalize resolves aliases, applies defaults and validates a raw workflow.
// Structural problems (no steps, unknown step type, duplicate ids, bad
// headers JSON) are errors; unusable rules are skipped with a warning.
func Normalize(raw RawWorkflow, name string) (*models.Workflow, []string, error) {
	var warnings []string

	wf := &models.Workflow{
		Name:            raw.TaskInfo.Name,
		BaseURL:         strings.TrimSpace(raw.TaskInfo.BaseURL),
		Concurrency:     raw.TaskInfo.Concurrency,
		RequestInterval: defaultRequestInterval,
	}
	if wf.Name == "" {
		wf.Name = name
	}
	if wf.Concurrency <= 0 {
		if wf.Concurrency < 0 {
			warnings = append(warnings, "taskInfo.concurrency cannot be negative, defaulting to 1")
		}
		wf.Concurrency = 1
	}
	if raw.TaskInfo.RequestInterval != nil {
		wf.RequestInterval = seconds(*raw.TaskInfo.RequestInterval)
		if wf.RequestInterval < 0 {
			warnings = append(warnings, "taskInfo.requestInterval cannot be negative, using 0")
			wf.RequestInterval = 0
		}
	}

	if len(raw.WorkflowSteps) == 0 {
		return nil, warnings, fmt.Errorf("%w: workflow '%s' has no steps", utils.ErrConfigValidation, wf.Name)
	}

	seen := make(map[int]bool, len(raw.WorkflowSteps))
	for i, rs := range raw.WorkflowSteps {
		step, stepWarnings, err := normalizeStep(rs, i)
		warnings = append(warnings, stepWarnings...)
		if err != nil {
			return nil, warnings, err
		}
		if seen[step.ID] {
			return nil, warnings, fmt.Errorf("%w: duplicate step id %d", utils.ErrConfigValidation, step.ID)
		}
		seen[step.ID] = true
		wf.Steps = append(wf.Steps, step)
	}

	return wf, warnings, nil
}

func normalizeStep(rs RawStep, index int) (models.Step, []string, error) {
	var warnings []string
	step := models.Step{
		ID:         index + 1,
		Name:       rs.Name,
		Timeout:    defaultStepTimeout,
		RetryCount: rs.RetryCount,
		RetryDelay: defaultRetryDelay,
	}
	if rs.ID != nil {
		step.ID = *rs.ID
	}

	kind, ok := parseStepKind(rs.Type)
	if !ok {
		return step, nil, fmt.Errorf("%w: step %d has unknown type '%s'", utils.ErrConfigValidation, step.ID, rs.Type)
	}
	step.Kind = kind
	if step.Name == "" {
		step.Name = fmt.Sprintf("%s_%d", kind, step.ID)
	}
	prefix := fmt.Sprintf("step %d (%s)", step.ID, step.Name)

	timeout := rs.Timeout
	if rs.Config.Timeout != nil {
		timeout = rs.Config.Timeout
	}
	if timeout != nil && *timeout > 0 {
		step.Timeout = seconds(*timeout)
	}
	if step.RetryCount < 0 {
		warnings = append(warnings, prefix+": retryCount cannot be negative, using 0")
		step.RetryCount = 0
	}
	if rs.RetryDelay != nil {
		step.RetryDelay = seconds(*rs.RetryDelay)
		if step.RetryDelay < 0 {
			step.RetryDelay = 0
		}
	}

	cfg := rs.Config
	switch kind {
	case models.StepKindFetch:
		fc, err := normalizeFetchConfig(cfg)
		if err != nil {
			return step, warnings, fmt.Errorf("%w: %s: %v", utils.ErrConfigValidation, prefix, err)
		}
		step.Fetch = fc
		if len(cfg.ExtractionRules)+len(cfg.LinkExtractionRules)+len(cfg.DataExtractionRules) > 0 {
			warnings = append(warnings, prefix+": extraction rules on a fetch step are ignored")
		}
		return step, warnings, nil

	case models.StepKindLinkExtraction:
		step.Rules, warnings = normalizeRules(prefix, firstRules(cfg.LinkExtractionRules, cfg.ExtractionRules, rs.LinkExtractionRules), warnings)
	case models.StepKindDataExtraction:
		step.Rules, warnings = normalizeRules(prefix, firstRules(cfg.ExtractionRules, cfg.DataExtractionRules, rs.DataExtractionRules), warnings)
	}

	step.CustomCode = firstNonEmpty(cfg.NextRequestCustomCode, cfg.CustomCode, rs.CustomCode)
	if cfg.Follow != nil && strings.TrimSpace(cfg.Follow.Selector) != "" {
		if _, err := cascadia.Parse(cfg.Follow.Selector); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: follow selector '%s' is invalid (%v), ignoring", prefix, cfg.Follow.Selector, err))
		} else {
			step.Follow = &models.FollowConfig{
				Selector:  cfg.Follow.Selector,
				Attribute: firstNonEmpty(cfg.Follow.Attribute, defaultFollowAttribute),
			}
		}
	}

	return step, warnings, nil
}

func parseStepKind(s string) (models.StepKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "request", "fetch":
		return models.StepKindFetch, true
	case "link_extraction", "link":
		return models.StepKindLinkExtraction, true
	case "data_extraction", "data":
		return models.StepKindDataExtraction, true
	}
	return "", false
}

func normalizeFetchConfig(cfg RawStepConfig) (*models.FetchConfig, error) {
	fc := &models.FetchConfig{
		URL:    strings.TrimSpace(cfg.URL),
		Method: strings.ToUpper(strings.TrimSpace(cfg.Method)),
		Params: stringifyMap(cfg.Params),
	}
	if fc.Method == "" {
		fc.Method = "GET"
	}

	if strings.TrimSpace(cfg.HeadersJSON) != "" {
		var headers map[string]any
		if err := json.Unmarshal([]byte(cfg.HeadersJSON), &headers); err != nil {
			return nil, fmt.Errorf("headersJson is not a JSON object: %v", err)
		}
		fc.Headers = stringifyMap(headers)
	} else {
		fc.Headers = stringifyMap(cfg.Headers)
	}

	switch body := cfg.Body.(type) {
	case nil:
	case string:
		fc.Body = body
	default:
		encoded, err := json.Marshal(normalizeYAMLValue(body))
		if err != nil {
			return nil, fmt.Errorf("body cannot be encoded as JSON: %v", err)
		}
		fc.Body = string(encoded)
	}
	return fc, nil
}

// normalizeRules resolves rule aliases. Rules missing a field, method or
// expression, or naming an unknown method, are dropped with a warning; so are
// repeated field names after the first. Invalid selectors only warn.
func normalizeRules(prefix string, raws []RawRule, warnings []string) ([]models.ExtractionRule, []string) {
	var rules []models.ExtractionRule
	seen := make(map[string]bool, len(raws))
	for i, r := range raws {
		rule := models.ExtractionRule{
			Field:      strings.TrimSpace(firstNonEmpty(r.FieldName, r.Field)),
			Method:     models.ExtractMethod(strings.ToLower(strings.TrimSpace(firstNonEmpty(r.ExtractType, r.Type)))),
			Expression: firstNonEmpty(r.Expression, r.Selector),
			Multiple:   r.Multiple,
			Required:   r.Required,
		}
		if rule.Field == "" || rule.Method == "" || strings.TrimSpace(rule.Expression) == "" {
			warnings = append(warnings, fmt.Sprintf("%s: rule %d is missing field, method or expression, skipping", prefix, i))
			continue
		}
		if !rule.Method.IsValid() {
			warnings = append(warnings, fmt.Sprintf("%s: rule '%s' has unknown method '%s', skipping", prefix, rule.Field, rule.Method))
			continue
		}
		if seen[rule.Field] {
			warnings = append(warnings, fmt.Sprintf("%s: duplicate field '%s', keeping the first rule", prefix, rule.Field))
			continue
		}

		var kindWarning string
		rule.Kind, rule.Attr, kindWarning = resolveKind(r)
		if kindWarning != "" {
			warnings = append(warnings, fmt.Sprintf("%s: rule '%s': %s", prefix, rule.Field, kindWarning))
		}
		// A bad selector is kept; the field extracts as nil (or an error
		// marker in test mode) while its siblings still extract.
		switch rule.Method {
		case models.MethodCSS:
			if _, err := cascadia.Parse(rule.Expression); err != nil {
				warnings = append(warnings, fmt.Sprintf("%s: rule '%s' has invalid CSS selector (%v), field will be empty", prefix, rule.Field, err))
			}
		case models.MethodXPath:
			if _, err := xpath.Compile(rule.Expression); err != nil {
				warnings = append(warnings, fmt.Sprintf("%s: rule '%s' has invalid XPath (%v), field will be empty", prefix, rule.Field, err))
			}
		}

		seen[rule.Field] = true
		rules = append(rules, rule)
	}
	return rules, warnings
}

// resolveKind maps dataType/attrName/attribute onto a value kind. An
// attribute of "text" means the element text.
func resolveKind(r RawRule) (models.ValueKind, string, string) {
	attr := strings.TrimSpace(firstNonEmpty(r.AttrName, r.Attribute))
	if strings.EqualFold(attr, "text") {
		attr = ""
	}

	switch dt := strings.ToLower(strings.TrimSpace(r.DataType)); dt {
	case "":
		if attr != "" {
			return models.KindAttribute, attr, ""
		}
		return models.KindText, "", ""
	case "text":
		return models.KindText, "", ""
	case "attr", "attribute":
		if attr == "" {
			return models.KindAttribute, defaultFollowAttribute, "attribute kind without attrName, using 'href'"
		}
		return models.KindAttribute, attr, ""
	case "int", "integer", "float":
		return models.KindNumber, "", ""
	case "bool":
		return models.KindBoolean, "", ""
	default:
		if k := models.ValueKind(dt); k.IsValid() {
			return k, attr, ""
		}
		return models.KindText, "", fmt.Sprintf("unknown dataType '%s', using text", r.DataType)
	}
}

func firstRules(candidates ...[]RawRule) []RawRule {
	for _, c := range candidates {
		if len(c) > 0 {
			return c
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// stringifyMap flattens scalar header/param values to strings; nested values
// are JSON encoded.
func stringifyMap(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case bool:
			out[k] = strconv.FormatBool(val)
		case int:
			out[k] = strconv.Itoa(val)
		case int64:
			out[k] = strconv.FormatInt(val, 10)
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			encoded, err := json.Marshal(normalizeYAMLValue(val))
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(encoded)
		}
	}
	return out
}

// normalizeYAMLValue converts map[any]any nodes, which encoding/json rejects,
// into map[string]any.
func normalizeYAMLValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = normalizeYAMLValue(inner)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[fmt.Sprint(k)] = normalizeYAMLValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = normalizeYAMLValue(inner)
		}
		return out
	}
	return v
}
