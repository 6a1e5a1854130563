// Package parse extracts entity fields and evolution links from wiki pages.
// Parsing is pure: it never touches the network or the store, so it can be
// re-run over cached page bodies.
package parse

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/alvmarrod/lineage-weaver/internal/storage"
)

// DefaultCategory marks a page as an entity page.
const DefaultCategory = "Category:Digimon"

// ParseError reports a page whose content could not be turned into fields.
type ParseError struct {
	Locator string
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.Locator, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.Locator, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parser turns a raw page body into entity fields.
type Parser interface {
	Parse(locator, raw string) (storage.Fields, error)
}

// Resolver maps an href to a locator; false drops the link.
type Resolver interface {
	Article(href string) (string, bool)
}

// WikiParser understands MediaWiki entity pages with "Evolves From" and
// "Evolves To" sections.
type WikiParser struct {
	links    Resolver
	category string
}

// NewWikiParser builds a parser. An empty category falls back to DefaultCategory.
func NewWikiParser(links Resolver, category string) *WikiParser {
	if category == "" {
		category = DefaultCategory
	}
	return &WikiParser{links: links, category: category}
}

// Parse extracts name, info-box fields and evolution links.
func (p *WikiParser) Parse(locator, raw string) (storage.Fields, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return storage.Fields{}, &ParseError{Locator: locator, Reason: "malformed html", Err: err}
	}

	if doc.Find(fmt.Sprintf("#catlinks a[title=%q]", p.category)).Length() == 0 {
		return storage.Fields{}, &ParseError{Locator: locator, Reason: "not an entity page"}
	}

	name := strings.TrimSpace(doc.Find("#firstHeading").First().Text())
	name = strings.TrimSpace(strings.TrimSuffix(name, "/"))
	if name == "" {
		return storage.Fields{}, &ParseError{Locator: locator, Reason: "missing page heading"}
	}

	preds, succs := p.evolutions(doc)
	return storage.Fields{
		Name:         name,
		Attribute:    infoCell(doc, "Attribute"),
		Stage:        infoCell(doc, "Evolution Stage"),
		Type:         infoCell(doc, "Type"),
		Predecessors: preds,
		Successors:   succs,
	}, nil
}

type section int

const (
	sectionNone section = iota
	sectionFrom
	sectionTo
)

// evolutions walks headings and first list links in document order. The
// "evolves from" heading opens the predecessor list, "evolves to" opens the
// successor list and the next heading after that ends the scan.
func (p *WikiParser) evolutions(doc *goquery.Document) ([]string, []string) {
	preds := []string{}
	succs := []string{}
	current := sectionNone

	doc.Find("li a[title]:first-of-type, h2").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(s.Text()))

		if goquery.NodeName(s) == "h2" {
			switch {
			case strings.Contains(text, "evolves from"):
				current = sectionFrom
			case strings.Contains(text, "evolves to"):
				current = sectionTo
			case current == sectionTo:
				return false
			}
			return true
		}

		if current == sectionNone || strings.Contains(text, "card game") {
			return true
		}

		href, _ := s.Attr("href")
		loc, ok := p.links.Article(href)
		if !ok {
			return true
		}
		if current == sectionFrom {
			preds = append(preds, loc)
		} else {
			succs = append(succs, loc)
		}
		return true
	})

	return preds, succs
}

// infoCell returns the text of the table cell next to the one holding the
// info-box label link, or "" when the label is absent.
func infoCell(doc *goquery.Document, label string) string {
	link := doc.Find(fmt.Sprintf("a[title=%q]", label)).First()
	if link.Length() == 0 {
		return ""
	}
	cell := link.Closest("td")
	if cell.Length() == 0 {
		return ""
	}
	return strings.TrimSpace(cell.NextAllFiltered("td").First().Text())
}
