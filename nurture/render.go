package nurture

import (
	"regexp"
	"strings"
)

// Template variables understood in step messages
const (
	VarName    = "nombre"
	VarProduct = "producto"
	VarPrice   = "precio"
)

var (
	// a token together with the blanks on either side of it
	tokenPattern      = regexp.MustCompile(`([ \t]*)\{([a-z_]+)\}([ \t]*)`)
	knownTemplateVars = map[string]struct{}{VarName: {}, VarProduct: {}, VarPrice: {}}
)

// Render substitutes {nombre}, {producto} and {precio} from vars. A known
// variable without a value renders empty and only the whitespace around it is
// tidied; unknown tokens are left as written.
func Render(template string, vars map[string]string) string {
	var b strings.Builder
	last := 0
	for _, m := range tokenPattern.FindAllStringSubmatchIndex(template, -1) {
		lead, name, trail := template[m[2]:m[3]], template[m[4]:m[5]], template[m[6]:m[7]]
		b.WriteString(template[last:m[0]])
		last = m[1]

		if _, ok := knownTemplateVars[name]; !ok {
			b.WriteString(template[m[0]:m[1]])
			continue
		}
		if v := strings.TrimSpace(vars[name]); v != "" {
			b.WriteString(lead + v + trail)
			continue
		}
		b.WriteString(blankGap(b.String(), template[m[1]:], lead, trail))
	}
	b.WriteString(template[last:])
	return b.String()
}

// blankGap is what replaces a token that rendered empty, given the text
// already written and the text still to come.
func blankGap(before, after, lead, trail string) string {
	if before == "" || strings.HasSuffix(before, "\n") {
		return ""
	}
	if after == "" || strings.ContainsRune(",.!?;:\n", rune(after[0])) {
		return ""
	}
	if lead != "" && trail != "" {
		return " "
	}
	return lead + trail
}
