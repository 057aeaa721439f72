package utils

import (
	"regexp"
	"strings"
)

var (
	invalidNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F\s]`)
	repeatedUnder    = regexp.MustCompile(`_+`)
)

const maxNameLength = 100

// SanitizeName turns a workflow key or run label into a safe file/directory name component.
func SanitizeName(name string) string {
	s := invalidNameChars.ReplaceAllString(name, "_")
	s = repeatedUnder.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_. ")
	if len(s) > maxNameLength {
		s = strings.Trim(s[:maxNameLength], "_. ")
	}
	if s == "" {
		return "workflow"
	}
	return s
}
