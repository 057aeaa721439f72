// Package hook binds user-supplied extraction and link-generation logic to
// workflow steps. Custom code is Lua run in a sandbox whose only capabilities
// are HTTP through the engine's fetcher, HTML selection, regex, JSON, time
// and URL joining. A declarative follow selector is available as a built-in
// link generator.
package hook

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scrabg/scra/pkg/extract"
	"github.com/scrabg/scra/pkg/models"
	"github.com/scrabg/scra/pkg/utils"
)

// DataExtractor produces fields for the current page
type DataExtractor interface {
	ExtractData(ctx context.Context, content, pageURL string) (map[string]any, error)
}

// LinkGenerator produces follow-up requests for the current page. data holds
// fields already extracted from the page, or nil.
type LinkGenerator interface {
	NextRequests(ctx context.Context, content, pageURL string, data map[string]any) ([]models.RequestDescriptor, error)
}

// Fetcher is the HTTP capability exposed to scripts
type Fetcher interface {
	Do(ctx context.Context, req models.FetchRequest) models.FetchResponse
}

type Options struct {
	Fetcher Fetcher         // nil disables http.get/http.post
	Extract *extract.Engine // shared selector and regex caches
	Timeout time.Duration   // per call
	Log     *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = defaultHookTimeout
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if o.Extract == nil {
		o.Extract = extract.NewEngine(o.Log)
	}
	return o
}

// Binding is what a step ends up with after compilation. Either entry point
// may be nil. CompileErr is kept for diagnostics; a failed compile leaves
// only the built-in follow generator, if configured.
type Binding struct {
	Data       DataExtractor
	Links      LinkGenerator
	CompileErr error

	script *Script
}

// Bind compiles a step's custom code and follow selector. It never fails:
// compile errors are logged and disable the script for this step only.
func Bind(step models.Step, opts Options) *Binding {
	opts = opts.withDefaults()
	b := &Binding{}
	log := opts.Log.WithFields(logrus.Fields{"step_id": step.ID, "step": step.Name})

	var follow LinkGenerator
	if step.Follow != nil {
		follow = &SelectorLinks{Selector: step.Follow.Selector, Attribute: step.Follow.Attribute, Engine: opts.Extract}
	}

	if step.CustomCode != "" {
		script, err := Compile(step.ID, step.CustomCode, opts)
		if err != nil {
			log.WithField("category", utils.CategorizeError(err)).Errorf("Custom code disabled for step: %v", err)
			b.CompileErr = err
		} else {
			b.script = script
			if script.HasDataExtractor() {
				b.Data = script
			}
			if script.HasLinkGenerator() {
				b.Links = script
			}
		}
	}

	switch {
	case b.Links != nil && follow != nil:
		b.Links = chain{follow, b.Links}
	case follow != nil:
		b.Links = follow
	}
	return b
}

// Close releases the compiled script, if any
func (b *Binding) Close() {
	if b != nil && b.script != nil {
		b.script.Close()
	}
}

// SelectorLinks follows every value selected by a CSS selector
type SelectorLinks struct {
	Selector  string
	Attribute string
	Engine    *extract.Engine
}

func (g *SelectorLinks) NextRequests(_ context.Context, content, pageURL string, _ map[string]any) ([]models.RequestDescriptor, error) {
	values, err := g.Engine.SelectStrings(extract.NewDocument(pageURL, content), g.Selector, g.Attribute)
	if err != nil {
		return nil, err
	}
	reqs := make([]models.RequestDescriptor, 0, len(values))
	for _, v := range values {
		reqs = append(reqs, models.RequestDescriptor{URL: v})
	}
	return reqs, nil
}

// chain concatenates the output of several generators. The first error
// stops the chain but keeps what was already produced.
type chain []LinkGenerator

func (c chain) NextRequests(ctx context.Context, content, pageURL string, data map[string]any) ([]models.RequestDescriptor, error) {
	var out []models.RequestDescriptor
	for _, g := range c {
		reqs, err := g.NextRequests(ctx, content, pageURL, data)
		out = append(out, reqs...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
