package extract

import (
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/scrabg/scra/pkg/utils"
)

// Document is one response body. The HTML tree is parsed at most once, on
// first use, and shared by the CSS and XPath evaluators.
type Document struct {
	URL  string
	Body string

	once  sync.Once
	root  *html.Node
	query *goquery.Document
	err   error
}

// NewDocument wraps a body without parsing it
func NewDocument(url, body string) *Document {
	return &Document{URL: url, Body: body}
}

func (d *Document) parse() {
	d.once.Do(func() {
		root, err := htmlquery.Parse(strings.NewReader(d.Body))
		if err != nil {
			d.err = fmt.Errorf("%w: HTML for %s: %v", utils.ErrParsing, d.URL, err)
			return
		}
		d.root = root
		d.query = goquery.NewDocumentFromNode(root)
	})
}

// Query returns the goquery view of the document
func (d *Document) Query() (*goquery.Document, error) {
	d.parse()
	return d.query, d.err
}

// Root returns the parsed node tree used for XPath
func (d *Document) Root() (*html.Node, error) {
	d.parse()
	return d.root, d.err
}
