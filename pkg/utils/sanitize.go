package utils

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var plainText = bluemonday.StrictPolicy()

// PlainText strips all markup from user-entered text and trims it.
// Entities are decoded again so stored values stay readable plain text.
func PlainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(plainText.Sanitize(s)))
}
