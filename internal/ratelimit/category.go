package ratelimit

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Category is the data category an item is counted under, both for rate
// limits and for client report outcomes. The set is open: values received from
// the server or from other SDKs are carried verbatim.
type Category string

// Known categories. The empty string applies to all categories.
const (
	CategoryAll         Category = ""
	CategoryDefault     Category = "default"
	CategoryError       Category = "error"
	CategoryTransaction Category = "transaction"
	CategorySpan        Category = "span"
	CategorySession     Category = "session"
	CategoryAttachment  Category = "attachment"
	CategoryLog         Category = "log_item"
	CategoryLogByte     Category = "log_byte"
	CategoryMonitor     Category = "monitor"
)

var knownCategories = map[Category]struct{}{
	CategoryAll:         {},
	CategoryDefault:     {},
	CategoryError:       {},
	CategoryTransaction: {},
	CategorySpan:        {},
	CategorySession:     {},
	CategoryAttachment:  {},
	CategoryLog:         {},
	CategoryLogByte:     {},
	CategoryMonitor:     {},
}

// IsKnown reports whether c is one of the categories this package names.
func (c Category) IsKnown() bool {
	_, ok := knownCategories[c]
	return ok
}

// String returns the category formatted for debugging.
func (c Category) String() string {
	if c == CategoryAll {
		return "CategoryAll"
	}

	caser := cases.Title(language.English)
	rv := "Category"
	for _, w := range strings.Fields(strings.ReplaceAll(string(c), "_", " ")) {
		rv += caser.String(w)
	}
	return rv
}
