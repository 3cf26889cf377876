package emr

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SkipPolicy selects how the reader finds the closing tag of an element it
// does not consume.
type SkipPolicy uint8

const (
	// SkipByName stops at the first closing tag carrying the element's
	// name. A nested element with the same name ends the skip early.
	SkipByName SkipPolicy = iota

	// SkipByDepth stops at the element's own closing tag.
	SkipByDepth
)

// String returns the policy name.
func (p SkipPolicy) String() string {
	switch p {
	case SkipByName:
		return "BY_NAME"
	case SkipByDepth:
		return "BY_DEPTH"
	default:
		return "UNKNOWN"
	}
}

// element is a start element together with the depth it was opened at.
// The root element has depth 1.
type element struct {
	name  string
	attr  []xml.Attr
	depth int
}

func (e element) attrValue(name string) string {
	for _, a := range e.attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// cursor is the reader's position in a document's token stream. It is
// owned by a single Read call and handed to every parse function.
type cursor struct {
	dec    *xml.Decoder
	tok    xml.Token
	depth  int
	policy SkipPolicy
}

func newCursor(r io.Reader, policy SkipPolicy) *cursor {
	return &cursor{dec: xml.NewDecoder(r), policy: policy}
}

// readNext advances to the next token. It returns io.EOF only at the clean
// end of the document.
func (c *cursor) readNext() error {
	tok, err := c.dec.Token()
	if errors.Is(err, io.EOF) {
		c.tok = nil
		return io.EOF
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch tok.(type) {
	case xml.StartElement:
		c.depth++
	case xml.EndElement:
		c.depth--
	}
	c.tok = xml.CopyToken(tok)
	return nil
}

// mustReadNext is readNext inside an element, where the end of the
// document is an error.
func (c *cursor) mustReadNext() error {
	err := c.readNext()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected end of document", ErrMalformed)
	}
	return err
}

// readNextStartElement advances to the next start element. It reports
// false when a closing tag comes first; the cursor is then on that tag.
func (c *cursor) readNextStartElement() (element, bool, error) {
	for {
		if err := c.mustReadNext(); err != nil {
			return element{}, false, err
		}
		switch t := c.tok.(type) {
		case xml.StartElement:
			return element{name: t.Name.Local, attr: t.Attr, depth: c.depth}, true, nil
		case xml.EndElement:
			return element{}, false, nil
		}
	}
}

// readElementText reads the text of the current element and leaves the
// cursor on its closing tag. A child element is an error.
func (c *cursor) readElementText() (string, error) {
	var b strings.Builder
	for {
		if err := c.mustReadNext(); err != nil {
			return "", err
		}
		switch t := c.tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.StartElement:
			return "", fmt.Errorf("%w: element %s inside text", ErrMalformed, t.Name.Local)
		case xml.EndElement:
			return b.String(), nil
		}
	}
}

// atEnd reports whether the cursor is on the closing tag of e.
func (c *cursor) atEnd(e element) bool {
	t, ok := c.tok.(xml.EndElement)
	if !ok || t.Name.Local != e.name {
		return false
	}
	return c.policy == SkipByName || c.depth == e.depth-1
}

// skipToEnd advances to the closing tag of e according to the skip policy.
func (c *cursor) skipToEnd(e element) error {
	for !c.atEnd(e) {
		if err := c.mustReadNext(); err != nil {
			return err
		}
	}
	return nil
}

// readChildren calls visit for each child element of parent. Each visit
// must leave the cursor on the child's closing tag. On return the cursor
// is on the closing tag of parent.
func (c *cursor) readChildren(parent element, visit func(e element) error) error {
	for {
		e, ok, err := c.readNextStartElement()
		if err != nil {
			return err
		}
		if !ok {
			return c.skipToEnd(parent)
		}
		if err := visit(e); err != nil {
			return err
		}
	}
}
