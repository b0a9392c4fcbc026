package session

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"

	"golang.org/x/net/html"
)

// Selector is a chainable extraction cursor over parsed HTML. XPath and CSS
// steps narrow the node set; Re switches to plain string matches.
type Selector struct {
	nodes []*html.Node
	texts []string
}

// NewSelector parses an HTML fragment into a selector rooted at the
// document.
func NewSelector(text string) *Selector {
	doc, err := htmlquery.Parse(strings.NewReader(text))
	if err != nil {
		return &Selector{}
	}
	return &Selector{nodes: []*html.Node{doc}}
}

func selectorFromNode(node *html.Node) *Selector {
	if node == nil {
		return &Selector{}
	}
	return &Selector{nodes: []*html.Node{node}}
}

// XPath narrows the selection with an XPath expression. An invalid
// expression selects nothing.
func (s *Selector) XPath(expr string) *Selector {
	out := &Selector{}
	for _, node := range s.nodes {
		found, err := htmlquery.QueryAll(node, expr)
		if err != nil {
			return &Selector{}
		}
		out.nodes = append(out.nodes, found...)
	}
	return out
}

// CSS narrows the selection with a CSS selector.
func (s *Selector) CSS(sel string) *Selector {
	out := &Selector{}
	for _, node := range s.nodes {
		doc := goquery.NewDocumentFromNode(node)
		doc.Find(sel).Each(func(_ int, match *goquery.Selection) {
			out.nodes = append(out.nodes, match.Nodes...)
		})
	}
	return out
}

// Re matches a regular expression against each selected value. With a
// capture group the group is kept, otherwise the whole match.
func (s *Selector) Re(pattern string) *Selector {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return &Selector{}
	}
	return &Selector{texts: applyRegexp(re, s.GetAll())}
}

// Get returns the first selected value: text content for elements,
// attribute value for attribute selections, the match for Re. Empty
// selection gives "".
func (s *Selector) Get() string {
	all := s.GetAll()
	if len(all) == 0 {
		return ""
	}
	return all[0]
}

// GetAll returns every selected value.
func (s *Selector) GetAll() []string {
	if s.texts != nil {
		return append([]string(nil), s.texts...)
	}
	out := make([]string, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, htmlquery.InnerText(node))
	}
	return out
}

// Text returns the trimmed text content of the first selected node.
func (s *Selector) Text() string {
	return strings.TrimSpace(s.Get())
}

// Attr returns the named attribute of the first selected node.
func (s *Selector) Attr(name string) string {
	for _, node := range s.nodes {
		if node.Type == html.ElementNode {
			return htmlquery.SelectAttr(node, name)
		}
	}
	return ""
}

// HTML renders the first selected node as outer HTML.
func (s *Selector) HTML() string {
	for _, node := range s.nodes {
		return htmlquery.OutputHTML(node, true)
	}
	return ""
}

// Nodes exposes the underlying node set.
func (s *Selector) Nodes() []*html.Node { return s.nodes }

// Len reports how many values are selected.
func (s *Selector) Len() int {
	if s.texts != nil {
		return len(s.texts)
	}
	return len(s.nodes)
}

func applyRegexp(re *regexp.Regexp, inputs []string) []string {
	out := []string{}
	for _, input := range inputs {
		for _, match := range re.FindAllStringSubmatch(input, -1) {
			if len(match) > 1 {
				out = append(out, match[1])
			} else {
				out = append(out, match[0])
			}
		}
	}
	return out
}
