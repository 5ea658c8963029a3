package invoice

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

var (
	utf8BOM       = []byte{0xEF, 0xBB, 0xBF}
	reControlChar = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
	reEntity      = regexp.MustCompile(`^(?:[a-zA-Z]+|#\d+|#x[0-9A-Fa-f]+);`)
)

type node struct {
	XMLName xml.Name
	Text    string  `xml:",chardata"`
	Nodes   []*node `xml:",any"`
}

func (n *node) local() string {
	if n == nil {
		return ""
	}
	return n.XMLName.Local
}

func (n *node) text() string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.Text)
}

func (n *node) child(local string) *node {
	if n == nil {
		return nil
	}
	for _, c := range n.Nodes {
		if c.XMLName.Local == local {
			return c
		}
	}
	return nil
}

func (n *node) children(local string) []*node {
	if n == nil {
		return nil
	}
	out := []*node{}
	for _, c := range n.Nodes {
		if c.XMLName.Local == local {
			out = append(out, c)
		}
	}
	return out
}

// find resolves each step as a descendant of the previous one, in document order.
func (n *node) find(steps ...string) *node {
	if n == nil {
		return nil
	}
	if len(steps) == 0 {
		return n
	}
	for _, c := range n.Nodes {
		if c.XMLName.Local == steps[0] {
			if r := c.find(steps[1:]...); r != nil {
				return r
			}
		}
		if r := c.find(steps...); r != nil {
			return r
		}
	}
	return nil
}

func (n *node) findAll(local string) []*node {
	if n == nil {
		return nil
	}
	out := []*node{}
	for _, c := range n.Nodes {
		if c.XMLName.Local == local {
			out = append(out, c)
		}
		out = append(out, c.findAll(local)...)
	}
	return out
}

// parseTree decodes data, retrying once after stripping control characters
// and escaping bare ampersands.
func parseTree(data []byte) (*node, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	root, err := decodeTree(data)
	if err == nil {
		return root, nil
	}
	root, retryErr := decodeTree(cleanXML(data))
	if retryErr != nil {
		return nil, fmt.Errorf("malformed xml: %w", err)
	}
	return root, nil
}

func decodeTree(data []byte) (*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charsetReader
	var root node
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}
	return &root, nil
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return input, nil
	}
	return enc.NewDecoder().Reader(input), nil
}

func cleanXML(data []byte) []byte {
	data = reControlChar.ReplaceAll(data, nil)

	var out bytes.Buffer
	out.Grow(len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '&' && !reEntity.Match(data[i+1:min(len(data), i+34)]) {
			out.WriteString("&amp;")
			continue
		}
		out.WriteByte(data[i])
	}
	return out.Bytes()
}
