package extract

import (
	"fmt"
	"strings"
	"sync"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/utils"
)

// Mode controls how per-field failures surface in ApplyAll
type Mode int

const (
	// ModeRun sets failed fields to nil and logs the failure
	ModeRun Mode = iota
	// ModeDiagnostic sets failed fields to "Error: <msg>"
	ModeDiagnostic
)

// Engine applies extraction rules to documents. Compiled selectors and
// patterns are cached, so one Engine should be shared per run.
type Engine struct {
	log     *logrus.Entry
	regex   *utils.RegexCache
	selMu   sync.RWMutex
	selects map[string]cascadia.Selector
}

func NewEngine(log *logrus.Entry) *Engine {
	return &Engine{
		log:     log,
		regex:   utils.NewRegexCache(),
		selects: make(map[string]cascadia.Selector),
	}
}

// ApplyAll extracts every rule into one flat mapping. A failing rule only
// affects its own field.
func (e *Engine) ApplyAll(rules []models.ExtractionRule, doc *Document, mode Mode) map[string]any {
	out := make(map[string]any, len(rules))
	for _, rule := range rules {
		value, err := e.Apply(rule, doc)
		if err != nil {
			e.log.WithFields(logrus.Fields{
				"field":    rule.Field,
				"url":      doc.URL,
				"category": utils.CategorizeError(err),
			}).Warnf("Field extraction failed: %v", err)
			if mode == ModeDiagnostic {
				out[rule.Field] = "Error: " + err.Error()
			} else {
				out[rule.Field] = nil
			}
			continue
		}
		if value == nil && rule.Required {
			e.log.WithFields(logrus.Fields{"field": rule.Field, "url": doc.URL}).Warn("Required field produced no value")
		}
		out[rule.Field] = value
	}
	return out
}

// Apply evaluates one rule. The result is a single value (or nil when nothing
// matched), or []any when the rule is multiple.
func (e *Engine) Apply(rule models.ExtractionRule, doc *Document) (any, error) {
	switch rule.Method {
	case models.MethodCSS:
		return e.applyCSS(rule, doc)
	case models.MethodXPath:
		return e.applyXPath(rule, doc)
	case models.MethodRegex:
		return e.applyRegex(rule, doc)
	}
	return nil, fmt.Errorf("%w: unknown method '%s'", utils.ErrInvalidRule, rule.Method)
}

// Selector compiles and caches a CSS selector
func (e *Engine) Selector(expr string) (cascadia.Selector, error) {
	e.selMu.RLock()
	sel, ok := e.selects[expr]
	e.selMu.RUnlock()
	if ok {
		return sel, nil
	}

	sel, err := cascadia.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: CSS selector '%s': %v", utils.ErrInvalidRule, expr, err)
	}
	e.selMu.Lock()
	e.selects[expr] = sel
	e.selMu.Unlock()
	return sel, nil
}

func (e *Engine) applyCSS(rule models.ExtractionRule, doc *Document) (any, error) {
	sel, err := e.Selector(rule.Expression)
	if err != nil {
		return nil, err
	}
	gq, err := doc.Query()
	if err != nil {
		return nil, err
	}
	matches := gq.FindMatcher(sel)

	if !rule.Multiple {
		if matches.Length() == 0 {
			return nil, nil
		}
		return selectionValue(rule, matches.First())
	}

	values := make([]any, 0, matches.Length())
	var firstErr error
	matches.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		v, err := selectionValue(rule, s)
		if err != nil {
			firstErr = err
			return false
		}
		if keep(v) {
			values = append(values, v)
		}
		return true
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return values, nil
}

func selectionValue(rule models.ExtractionRule, s *goquery.Selection) (any, error) {
	switch rule.Kind {
	case models.KindHTML:
		out, err := goquery.OuterHtml(s)
		if err != nil {
			return nil, fmt.Errorf("%w: HTML serialization: %v", utils.ErrParsing, err)
		}
		return out, nil
	case models.KindMarkdown:
		out, err := goquery.OuterHtml(s)
		if err != nil {
			return nil, fmt.Errorf("%w: HTML serialization: %v", utils.ErrParsing, err)
		}
		return toMarkdown(out)
	case models.KindAttribute:
		v, ok := s.Attr(rule.Attr)
		if !ok {
			return nil, nil
		}
		return strings.TrimSpace(v), nil
	}
	return Coerce(rule.Kind, strings.TrimSpace(s.Text())), nil
}

func (e *Engine) applyXPath(rule models.ExtractionRule, doc *Document) (any, error) {
	root, err := doc.Root()
	if err != nil {
		return nil, err
	}
	nodes, err := htmlquery.QueryAll(root, rule.Expression)
	if err != nil {
		return nil, fmt.Errorf("%w: XPath '%s': %v", utils.ErrInvalidRule, rule.Expression, err)
	}

	if !rule.Multiple {
		if len(nodes) == 0 {
			return nil, nil
		}
		return nodeValue(rule, nodes[0])
	}

	values := make([]any, 0, len(nodes))
	for _, n := range nodes {
		v, err := nodeValue(rule, n)
		if err != nil {
			return nil, err
		}
		if keep(v) {
			values = append(values, v)
		}
	}
	return values, nil
}

func nodeValue(rule models.ExtractionRule, n *html.Node) (any, error) {
	switch rule.Kind {
	case models.KindHTML:
		return htmlquery.OutputHTML(n, true), nil
	case models.KindMarkdown:
		return toMarkdown(htmlquery.OutputHTML(n, true))
	case models.KindAttribute:
		for _, a := range n.Attr {
			if a.Key == rule.Attr {
				return strings.TrimSpace(a.Val), nil
			}
		}
		return nil, nil
	}
	return Coerce(rule.Kind, strings.TrimSpace(htmlquery.InnerText(n))), nil
}

// applyRegex runs against the raw body, not the parsed tree
func (e *Engine) applyRegex(rule models.ExtractionRule, doc *Document) (any, error) {
	re, err := e.regex.Get(rule.Expression)
	if err != nil {
		return nil, err
	}

	if !rule.Multiple {
		m, ok := utils.FirstMatch(re, doc.Body)
		if !ok {
			return nil, nil
		}
		return regexValue(rule, m)
	}

	matches := utils.AllMatches(re, doc.Body)
	values := make([]any, 0, len(matches))
	for _, m := range matches {
		v, err := regexValue(rule, m)
		if err != nil {
			return nil, err
		}
		if keep(v) {
			values = append(values, v)
		}
	}
	return values, nil
}

func regexValue(rule models.ExtractionRule, m string) (any, error) {
	if rule.Kind == models.KindMarkdown {
		return toMarkdown(m)
	}
	return Coerce(rule.Kind, strings.TrimSpace(m)), nil
}

func toMarkdown(fragment string) (any, error) {
	converter := md.NewConverter("", true, nil)
	out, err := converter.ConvertString(fragment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrMarkdownConversion, err)
	}
	return strings.TrimSpace(out), nil
}

// keep drops nil values and empty strings from multiple-value results
func keep(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok && s == "" {
		return false
	}
	return true
}

// SelectStrings returns the trimmed text, or the named attribute when attr is
// set, of every node matching a CSS selector. Empty values are skipped.
func (e *Engine) SelectStrings(doc *Document, selector, attr string) ([]string, error) {
	rule := models.ExtractionRule{Method: models.MethodCSS, Expression: selector, Kind: models.KindText, Multiple: true}
	if attr != "" {
		rule.Kind, rule.Attr = models.KindAttribute, attr
	}
	return e.collectStrings(rule, doc)
}

// XPathStrings is SelectStrings for an XPath expression
func (e *Engine) XPathStrings(doc *Document, expr, attr string) ([]string, error) {
	rule := models.ExtractionRule{Method: models.MethodXPath, Expression: expr, Kind: models.KindText, Multiple: true}
	if attr != "" {
		rule.Kind, rule.Attr = models.KindAttribute, attr
	}
	return e.collectStrings(rule, doc)
}

func (e *Engine) collectStrings(rule models.ExtractionRule, doc *Document) ([]string, error) {
	v, err := e.Apply(rule, doc)
	if err != nil {
		return nil, err
	}
	values, _ := v.([]any)
	out := make([]string, 0, len(values))
	for _, item := range values {
		out = append(out, fmt.Sprint(item))
	}
	return out, nil
}

// Regex exposes the engine's pattern cache to hooks
func (e *Engine) Regex() *utils.RegexCache {
	return e.regex
}
