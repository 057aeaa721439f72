package extract

import (
	"strconv"
	"strings"

	"github.com/scrabg/scra/pkg/models"
)

// Coerce converts extracted text to the rule's value kind. Kinds other than
// number and boolean pass the string through.
func Coerce(kind models.ValueKind, s string) any {
	switch kind {
	case models.KindNumber:
		return ToNumber(s)
	case models.KindBoolean:
		return ToBool(s)
	}
	return s
}

// ToNumber parses an int, or a float64 when the text contains a decimal
// point. Unparseable text yields 0.
func ToNumber(s string) any {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ".") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return f
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// ToBool is true unless the text is one of false, 0, no, off or empty
func ToBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "false", "0", "no", "off", "":
		return false
	}
	return true
}
