// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rewrite transforms response bodies before they are delivered to clients.
package rewrite

import (
	"bytes"
	"io"
	"mime"
	"strings"

	"golang.org/x/net/html"
)

// Rewriter transforms a fully reassembled response body. Implementations must not keep state
// between calls and must not fail: on input they cannot handle they return it unchanged.
type Rewriter interface {
	Rewrite(body []byte, contentType string) []byte
}

// FuncRewriter is a [Rewriter] that uses the given function.
type FuncRewriter func(body []byte, contentType string) []byte

var _ Rewriter = (FuncRewriter)(nil)

// Rewrite implements [Rewriter].Rewrite.
func (f FuncRewriter) Rewrite(body []byte, contentType string) []byte {
	return f(body, contentType)
}

// Replacement substitutes New for every occurrence of Old.
type Replacement struct {
	Old string `yaml:"old"`
	New string `yaml:"new"`
}

// DefaultReplacements is the substitution list used when none is configured.
func DefaultReplacements() []Replacement {
	return []Replacement{
		{Old: "Smiley", New: "Trolly"},
		{Old: "smiley.jpg", New: "trolly.jpg"},
		{Old: "Stockholm", New: "Linköping"},
	}
}

// IsHTML reports whether contentType names an HTML document.
func IsHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	return strings.EqualFold(strings.TrimSpace(mediaType), "text/html")
}

type htmlReplacer struct {
	olds     []string
	replacer *strings.Replacer
}

// NewHTMLReplacer creates a [Rewriter] that applies replacements to the text and attribute values
// of HTML documents. Markup outside of attribute values, comments and bodies of other content types
// are left untouched. When several replacements match at the same position, the earliest in the
// list wins.
func NewHTMLReplacer(replacements []Replacement) Rewriter {
	r := &htmlReplacer{}
	oldnew := make([]string, 0, 2*len(replacements))
	for _, rep := range replacements {
		if rep.Old == "" {
			continue
		}
		r.olds = append(r.olds, rep.Old)
		oldnew = append(oldnew, rep.Old, rep.New)
	}
	r.replacer = strings.NewReplacer(oldnew...)
	return r
}

func (r *htmlReplacer) Rewrite(body []byte, contentType string) []byte {
	if len(r.olds) == 0 || !IsHTML(contentType) || !r.mentions(body) {
		return body
	}
	out := make([]byte, 0, len(body))
	consumed := 0
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				return body
			}
			// A truncated trailing token is passed through as is.
			return append(out, body[consumed:]...)
		}
		raw := string(z.Raw())
		consumed += len(raw)
		switch tt {
		case html.TextToken:
			out = append(out, r.replacer.Replace(raw)...)
		case html.StartTagToken, html.SelfClosingTagToken:
			out = append(out, r.rewriteTag(z, raw)...)
		default:
			out = append(out, raw...)
		}
	}
}

// rewriteTag applies the replacements to the part of the tag after its name, if any attribute
// value mentions one of them.
func (r *htmlReplacer) rewriteTag(z *html.Tokenizer, raw string) string {
	name, hasAttr := z.TagName()
	matched := false
	for hasAttr {
		var val []byte
		_, val, hasAttr = z.TagAttr()
		if r.mentions(val) {
			matched = true
		}
	}
	if !matched {
		return raw
	}
	nameEnd := 1 + len(name)
	if nameEnd > len(raw) {
		return raw
	}
	return raw[:nameEnd] + r.replacer.Replace(raw[nameEnd:])
}

func (r *htmlReplacer) mentions(b []byte) bool {
	for _, old := range r.olds {
		if bytes.Contains(b, []byte(old)) {
			return true
		}
	}
	return false
}
