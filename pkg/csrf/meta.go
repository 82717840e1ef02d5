package csrf

import (
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/d-kuro/authkit/pkg/constants"
)

// ErrNoMetaToken is returned when a page carries no csrf meta tag.
var ErrNoMetaToken = errors.New("no csrf meta tag found")

// ExtractMetaToken reads the content of <meta name="csrf-token"> from an HTML page.
func ExtractMetaToken(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	if token := findMeta(doc); token != "" {
		return token, nil
	}
	return "", ErrNoMetaToken
}

func findMeta(node *html.Node) string {
	if node == nil {
		return ""
	}
	if node.Type == html.ElementNode && strings.EqualFold(node.Data, "meta") {
		var name, content string
		for _, attr := range node.Attr {
			switch strings.ToLower(attr.Key) {
			case "name":
				name = attr.Val
			case "content":
				content = attr.Val
			}
		}
		if strings.EqualFold(name, constants.CSRFMetaName) {
			return strings.TrimSpace(content)
		}
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if token := findMeta(child); token != "" {
			return token
		}
	}
	return ""
}
