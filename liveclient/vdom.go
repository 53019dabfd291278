package liveclient

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// server-computed virtual node. a node is either an element or a text
// node (Tag == TextTag). whitespace-only text nodes are dropped at parse
// time so structural indices line up with the server's.

const TextTag = "#text"

// attribute names beginning with this sigil are event bindings,
// not literal attributes
const EventSigil = "@"

type Attr struct {
	Key   string
	Value string
}

type VirtualNode struct {
	Tag      string
	Attrs    []Attr
	Children []*VirtualNode
	Text     string
	Key      string
}

func NewVirtualElement(tag string) *VirtualNode {
	return &VirtualNode{
		Tag: tag,
	}
}

func NewVirtualText(text string) *VirtualNode {
	return &VirtualNode{
		Tag:  TextTag,
		Text: text,
	}
}

func (self *VirtualNode) IsText() bool {
	return self.Tag == TextTag
}

func (self *VirtualNode) Attr(key string) (string, bool) {
	for _, attr := range self.Attrs {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

func (self *VirtualNode) SetAttr(key string, value string) {
	for i, attr := range self.Attrs {
		if attr.Key == key {
			self.Attrs[i].Value = value
			return
		}
	}
	self.Attrs = append(self.Attrs, Attr{Key: key, Value: value})
}

// the identity used for patch recovery: an explicit id attribute,
// else the list key
func (self *VirtualNode) Identity() string {
	if id, ok := self.Attr("id"); ok && id != "" {
		return id
	}
	return self.Key
}

type virtualNodeJson struct {
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Children []*VirtualNode    `json:"children,omitempty"`
	Text     *string           `json:"text,omitempty"`
	Key      *string           `json:"key,omitempty"`
}

func (self *VirtualNode) MarshalJSON() ([]byte, error) {
	out := &virtualNodeJson{
		Tag:      self.Tag,
		Children: self.Children,
	}
	if len(self.Attrs) > 0 {
		out.Attrs = map[string]string{}
		for _, attr := range self.Attrs {
			out.Attrs[attr.Key] = attr.Value
		}
	}
	if self.IsText() {
		text := self.Text
		out.Text = &text
	}
	if self.Key != "" {
		key := self.Key
		out.Key = &key
	}
	return json.Marshal(out)
}

func (self *VirtualNode) UnmarshalJSON(src []byte) error {
	in := &virtualNodeJson{}
	if err := json.Unmarshal(src, in); err != nil {
		return err
	}
	if in.Tag == "" {
		return fmt.Errorf("virtual node missing tag")
	}
	self.Tag = in.Tag
	self.Children = in.Children
	self.Attrs = nil
	if len(in.Attrs) > 0 {
		// json objects do not carry order. sort by name so identical
		// nodes always decode identically.
		keys := make([]string, 0, len(in.Attrs))
		for key := range in.Attrs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			self.Attrs = append(self.Attrs, Attr{Key: key, Value: in.Attrs[key]})
		}
	}
	if in.Text != nil {
		self.Text = *in.Text
	}
	if in.Key != nil {
		self.Key = *in.Key
	}
	return nil
}

// ParseHtml parses a server-rendered fragment into virtual nodes.
// Comments and whitespace-only text are dropped.
func ParseHtml(src string) ([]*VirtualNode, error) {
	context := &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	}
	parsed, err := html.ParseFragment(strings.NewReader(src), context)
	if err != nil {
		return nil, err
	}
	nodes := []*VirtualNode{}
	for _, node := range parsed {
		if virtualNode := convertHtmlNode(node); virtualNode != nil {
			nodes = append(nodes, virtualNode)
		}
	}
	return nodes, nil
}

func convertHtmlNode(node *html.Node) *VirtualNode {
	switch node.Type {
	case html.TextNode:
		if strings.TrimSpace(node.Data) == "" {
			return nil
		}
		return NewVirtualText(node.Data)
	case html.ElementNode:
		virtualNode := NewVirtualElement(node.Data)
		for _, attr := range node.Attr {
			if attr.Key == "key" || attr.Key == "data-key" {
				virtualNode.Key = attr.Val
			}
			virtualNode.Attrs = append(virtualNode.Attrs, Attr{Key: attr.Key, Value: attr.Val})
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			if virtualChild := convertHtmlNode(child); virtualChild != nil {
				virtualNode.Children = append(virtualNode.Children, virtualChild)
			}
		}
		return virtualNode
	default:
		// comments, doctypes
		return nil
	}
}

var voidTags = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"source": true, "track": true, "wbr": true,
}

// RenderHtml renders a virtual node back to html. Used for diagnostics
// and the ctl display, not for correctness.
func (self *VirtualNode) RenderHtml(out *strings.Builder) {
	if self.IsText() {
		out.WriteString(html.EscapeString(self.Text))
		return
	}
	out.WriteString("<")
	out.WriteString(self.Tag)
	for _, attr := range self.Attrs {
		fmt.Fprintf(out, " %s=\"%s\"", attr.Key, html.EscapeString(attr.Value))
	}
	out.WriteString(">")
	if voidTags[self.Tag] {
		return
	}
	for _, child := range self.Children {
		child.RenderHtml(out)
	}
	fmt.Fprintf(out, "</%s>", self.Tag)
}

func (self *VirtualNode) String() string {
	out := &strings.Builder{}
	self.RenderHtml(out)
	return out.String()
}
