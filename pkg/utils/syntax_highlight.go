// Package utils provides utility functions for the stubdbg project.
package utils

import (
	"regexp"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/exp/slices"
)

// Assembly listing highlighting colors
var (
	asmLabelColor    = color.New(color.FgHiBlue, color.Bold)
	asmMnemonicColor = color.New(color.FgYellow, color.Bold)
	asmRegisterColor = color.New(color.FgGreen)
	asmNumberColor   = color.New(color.FgCyan)
	asmCommentColor  = color.New(color.FgHiBlack)
	asmSizeColor     = color.New(color.FgMagenta)
)

// x86 registers, 8 to 32 bits plus segments
var asmRegisters = map[string]bool{
	"eax": true, "ebx": true, "ecx": true, "edx": true,
	"esi": true, "edi": true, "ebp": true, "esp": true, "eip": true,
	"ax": true, "bx": true, "cx": true, "dx": true,
	"si": true, "di": true, "bp": true, "sp": true,
	"al": true, "ah": true, "bl": true, "bh": true,
	"cl": true, "ch": true, "dl": true, "dh": true,
	"cs": true, "ds": true, "es": true, "fs": true, "gs": true, "ss": true,
}

// Operand size keywords
var asmSizes = map[string]bool{
	"byte": true, "word": true, "dword": true, "qword": true, "ptr": true,
}

// Patterns for syntax elements
var (
	asmCommentPattern    = regexp.MustCompile(`;.*$`)
	asmLabelPattern      = regexp.MustCompile(`^\s*[A-Za-z_.$@?][\w.$@?]*:`)
	asmMnemonicPattern   = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9]*)\b`)
	asmNumberPattern     = regexp.MustCompile(`\b(?:0[xX][0-9a-fA-F]+|[0-9][0-9a-fA-F]*[hH]|[0-9]+)\b`)
	asmIdentifierPattern = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\b`)
)

// token represents a syntax-highlighted token
type token struct {
	color *color.Color
	start int
	end   int
}

// HighlightAsmLine applies syntax highlighting to one assembly listing line
func HighlightAsmLine(line string) string {
	if line == "" {
		return ""
	}

	var tokens []token
	add := func(c *color.Color, start, end int) {
		if !overlapsAny(start, end, tokens) {
			tokens = append(tokens, token{color: c, start: start, end: end})
		}
	}

	// comments first: nothing inside them is highlighted
	if match := asmCommentPattern.FindStringIndex(line); match != nil {
		add(asmCommentColor, match[0], match[1])
	}

	if match := asmLabelPattern.FindStringIndex(line); match != nil {
		add(asmLabelColor, match[0], match[1])
	} else if match := asmMnemonicPattern.FindStringSubmatchIndex(line); match != nil {
		add(asmMnemonicColor, match[2], match[3])
	}

	for _, match := range asmNumberPattern.FindAllStringIndex(line, -1) {
		add(asmNumberColor, match[0], match[1])
	}

	for _, match := range asmIdentifierPattern.FindAllStringIndex(line, -1) {
		word := strings.ToLower(line[match[0]:match[1]])
		switch {
		case asmRegisters[word]:
			add(asmRegisterColor, match[0], match[1])
		case asmSizes[word]:
			add(asmSizeColor, match[0], match[1])
		}
	}

	return buildHighlightedString(line, tokens)
}

// HighlightAsm highlights every line of a listing fragment
func HighlightAsm(code string) string {
	lines := strings.Split(code, "\n")
	for i := range lines {
		lines[i] = HighlightAsmLine(lines[i])
	}
	return strings.Join(lines, "\n")
}

// overlapsAny checks if a range overlaps with any existing token
func overlapsAny(start, end int, tokens []token) bool {
	for _, t := range tokens {
		if start < t.end && end > t.start {
			return true
		}
	}
	return false
}

// buildHighlightedString constructs the final string with color codes
func buildHighlightedString(code string, tokens []token) string {
	if len(tokens) == 0 {
		return code
	}

	slices.SortFunc(tokens, func(a, b token) int { return a.start - b.start })

	var result strings.Builder
	pos := 0

	for _, t := range tokens {
		if t.start > pos {
			result.WriteString(code[pos:t.start])
		}
		result.WriteString(t.color.Sprint(code[t.start:t.end]))
		pos = t.end
	}

	if pos < len(code) {
		result.WriteString(code[pos:])
	}

	return result.String()
}
