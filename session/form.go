package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/antchfx/htmlquery"

	"golang.org/x/net/html"
)

// FormOptions selects a form inside a response and overrides its fields.
type FormOptions struct {
	// FormID, FormName and FormXPath pick the form; FormNumber is the
	// zero-based fallback when none of them is set.
	FormID     string
	FormName   string
	FormXPath  string
	FormNumber int

	// Data overrides or adds form fields.
	Data map[string]string

	// Submit names the submit control to include. Empty includes the first
	// one.
	Submit string
}

// Form is a parsed HTML form ready to submit.
type Form struct {
	Action string
	Method string
	Fields url.Values
}

// FindForm locates a form in the response document and harvests its default
// field values: named inputs, checked checkboxes and radios, selected
// options, textarea bodies, and the chosen submit control.
func (r *Response) FindForm(opt *FormOptions) (*Form, error) {
	if opt == nil {
		opt = &FormOptions{}
	}
	doc := r.document()
	if doc == nil {
		return nil, fmt.Errorf("no document to find a form in")
	}
	expr := opt.FormXPath
	switch {
	case expr != "":
	case opt.FormID != "":
		expr = fmt.Sprintf("//form[@id=%q]", opt.FormID)
	case opt.FormName != "":
		expr = fmt.Sprintf("//form[@name=%q]", opt.FormName)
	default:
		expr = "//form"
	}
	forms, err := htmlquery.QueryAll(doc, expr)
	if err != nil {
		return nil, fmt.Errorf("form selector %q: %w", expr, err)
	}
	idx := opt.FormNumber
	if idx < 0 || idx >= len(forms) {
		return nil, fmt.Errorf("form %d of %d not found", idx, len(forms))
	}
	node := forms[idx]

	form := &Form{
		Action: r.URLJoin(htmlquery.SelectAttr(node, "action")),
		Method: strings.ToUpper(htmlquery.SelectAttr(node, "method")),
		Fields: url.Values{},
	}
	if form.Method == "" {
		form.Method = http.MethodGet
	}
	harvestFields(node, form.Fields, opt.Submit)
	for name, value := range opt.Data {
		form.Fields.Set(name, value)
	}
	return form, nil
}

// SubmitForm finds a form in the response and submits it through the
// session, GET forms as query parameters and everything else as a form body.
func (s *Session) SubmitForm(r *Response, opt *FormOptions) (*Response, error) {
	form, err := r.FindForm(opt)
	if err != nil {
		return nil, err
	}
	call := &Options{}
	if form.Method == http.MethodGet {
		call.Params = form.Fields.Encode()
	} else {
		call.Data = form.Fields
	}
	return s.Do(context.Background(), form.Method, form.Action, call)
}

func harvestFields(form *html.Node, fields url.Values, submit string) {
	submitTaken := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "input":
				name := htmlquery.SelectAttr(n, "name")
				if name == "" {
					break
				}
				typ := strings.ToLower(htmlquery.SelectAttr(n, "type"))
				value := htmlquery.SelectAttr(n, "value")
				switch typ {
				case "checkbox", "radio":
					if hasAttr(n, "checked") {
						if value == "" {
							value = "on"
						}
						fields.Add(name, value)
					}
				case "submit", "image":
					if submit != "" && name != submit {
						break
					}
					if !submitTaken {
						fields.Set(name, value)
						submitTaken = true
					}
				case "button", "reset", "file":
				default:
					fields.Set(name, value)
				}
			case "select":
				name := htmlquery.SelectAttr(n, "name")
				if name == "" {
					break
				}
				if value, ok := selectedOption(n); ok {
					fields.Set(name, value)
				}
			case "textarea":
				name := htmlquery.SelectAttr(n, "name")
				if name != "" {
					fields.Set(name, htmlquery.InnerText(n))
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(form)
}

// selectedOption returns the value of the selected option, or the first
// option when none is marked.
func selectedOption(sel *html.Node) (string, bool) {
	options, err := htmlquery.QueryAll(sel, ".//option")
	if err != nil || len(options) == 0 {
		return "", false
	}
	pick := options[0]
	for _, o := range options {
		if hasAttr(o, "selected") {
			pick = o
			break
		}
	}
	if value := htmlquery.SelectAttr(pick, "value"); value != "" {
		return value, true
	}
	return strings.TrimSpace(htmlquery.InnerText(pick)), true
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}
