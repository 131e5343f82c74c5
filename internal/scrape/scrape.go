// Package scrape turns upstream JSON and HTML documents into lists of flat
// items according to declarative extraction rules.
package scrape

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned when a JSON upstream answers with something else.
var ErrInvalidJSON = errors.New("upstream body is not valid JSON")

// Item is one extracted record, keyed by field name.
type Item map[string]any

// Field describes how to obtain one value from an item.
type Field struct {
	Name string
	// Path is a gjson path relative to the item. Empty selects the item itself.
	Path string
	// Selector is a CSS selector relative to the item. Empty selects the item itself.
	Selector string
	// Attr reads an attribute instead of the element text.
	Attr string
	// Absolute resolves the value as a URL against the page URL.
	Absolute bool
	// All collects every match into a list instead of taking the first.
	All bool
}

// Rule selects the repeated items of a document and the fields of each.
type Rule struct {
	// Items is a gjson path or CSS selector. Empty treats the whole document
	// as a single item.
	Items  string
	Fields []Field
}

// JSON applies rule to a JSON body using gjson paths.
func JSON(body []byte, rule Rule) ([]Item, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidJSON
	}

	var nodes []gjson.Result
	if rule.Items == "" {
		nodes = []gjson.Result{gjson.ParseBytes(body)}
	} else {
		res := gjson.GetBytes(body, rule.Items)
		switch {
		case res.IsArray():
			nodes = res.Array()
		case res.Exists():
			nodes = []gjson.Result{res}
		}
	}

	items := make([]Item, 0, len(nodes))
	for _, node := range nodes {
		item := make(Item, len(rule.Fields))
		for _, f := range rule.Fields {
			v := node
			if f.Path != "" {
				v = node.Get(f.Path)
			}
			if v.Exists() {
				item[f.Name] = v.Value()
			} else {
				item[f.Name] = nil
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// HTML applies rule to an HTML body using CSS selectors. pageURL is used to
// resolve fields marked Absolute and may be nil.
func HTML(r io.Reader, pageURL *url.URL, rule Rule) ([]Item, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	nodes := doc.Selection
	if rule.Items != "" {
		nodes = doc.Find(rule.Items)
	}

	items := make([]Item, 0, nodes.Length())
	nodes.Each(func(_ int, s *goquery.Selection) {
		item := make(Item, len(rule.Fields))
		for _, f := range rule.Fields {
			target := s
			if f.Selector != "" {
				target = s.Find(f.Selector)
			}

			if f.All {
				values := make([]string, 0, target.Length())
				target.Each(func(_ int, el *goquery.Selection) {
					if v, ok := nodeValue(el, f, pageURL); ok {
						values = append(values, v)
					}
				})
				item[f.Name] = values
				continue
			}

			if v, ok := nodeValue(target.First(), f, pageURL); ok {
				item[f.Name] = v
			} else {
				item[f.Name] = nil
			}
		}
		items = append(items, item)
	})

	return items, nil
}

func nodeValue(s *goquery.Selection, f Field, pageURL *url.URL) (string, bool) {
	if s.Length() == 0 {
		return "", false
	}

	var v string
	if f.Attr != "" {
		attr, ok := s.Attr(f.Attr)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(attr)
	} else {
		v = strings.Join(strings.Fields(s.Text()), " ")
	}

	if f.Absolute && pageURL != nil && v != "" {
		if ref, err := url.Parse(v); err == nil {
			v = pageURL.ResolveReference(ref).String()
		}
	}
	return v, true
}
