package tree

import (
	"regexp"
	"strings"
	"sync"
)

// placeholderRegex matches the name placeholders of table driven tests:
// printf verbs (%s, %d, %i, %f, %j, %o, %O, %#, %$) and $variable
// interpolations ($a, $0, $user.name).
var placeholderRegex = regexp.MustCompile(`%[sdifjoO#$]|\$[A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)*`)

var templates sync.Map // template -> *regexp.Regexp

// templateRegex compiles a test name template into a regexp matching its
// rendered names.
func templateRegex(template string) *regexp.Regexp {
	if re, ok := templates.Load(template); ok {
		return re.(*regexp.Regexp)
	}

	var b strings.Builder
	b.WriteString("^")
	last := 0
	for _, loc := range placeholderRegex.FindAllStringIndex(template, -1) {
		b.WriteString(regexp.QuoteMeta(literal(template[last:loc[0]])))
		b.WriteString("(.*?)")
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(literal(template[last:])))
	b.WriteString("$")

	re := regexp.MustCompile(b.String())
	templates.Store(template, re)
	return re
}

// literal unescapes %% in the literal parts of a template.
func literal(s string) string {
	return strings.ReplaceAll(s, "%%", "%")
}

// Expands reports whether name is a rendering of template. A template
// without placeholders only matches itself, so it never claims siblings.
func Expands(template, name string) bool {
	if !placeholderRegex.MatchString(template) {
		return false
	}
	return templateRegex(template).MatchString(name)
}

// templateBody is the unanchored form of templateRegex.
func templateBody(template string) string {
	body := templateRegex(template).String()
	return strings.TrimSuffix(strings.TrimPrefix(body, "^"), "$")
}
