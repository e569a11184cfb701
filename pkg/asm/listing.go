// Package asm reconstructs the generated assembly backing one source line.
//
// The compiler writes a listing next to the image, one label or instruction
// per line. Labels end with ':' and may carry a tag comment:
//
//	Method_Main:                 plain label
//	Method_Main.L0001: ;IL       exact label, emitted for one source position
//	Method_Main.A0001: ;Asm      assembly label, internal to a block
//	  mov eax, 1                 instruction
//
// A source line is backed by the contiguous run of exact labels that share its
// source position. Reconstruction scans the listing from the first of those
// labels and stops at the first exact label that belongs to another position.
package asm

import (
	"bufio"
	"io"
	"strings"
)

const (
	asmTag   = ";Asm"
	exactTag = ";IL"
)

// LineKind classifies one listing line
type LineKind int

const (
	// LineInstruction is anything that is not a label
	LineInstruction LineKind = iota
	// LinePlainLabel is a label with no tag
	LinePlainLabel
	// LineAsmLabel is a label tagged as internal assembly
	LineAsmLabel
	// LineExactLabel is a label tagged as the start of a source position
	LineExactLabel
	// LineUnknownLabel is a label with an unrecognized tag
	LineUnknownLabel
)

// String returns the string representation of a LineKind
func (k LineKind) String() string {
	switch k {
	case LineInstruction:
		return "instruction"
	case LinePlainLabel:
		return "plain_label"
	case LineAsmLabel:
		return "asm_label"
	case LineExactLabel:
		return "exact_label"
	case LineUnknownLabel:
		return "unknown_label"
	default:
		return "unknown"
	}
}

// ClassifyLine returns the kind of a listing line and, for labels, the label
// name without the trailing ':'
func ClassifyLine(line string) (LineKind, string) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasSuffix(fields[0], ":") {
		return LineInstruction, ""
	}

	label := strings.TrimSuffix(fields[0], ":")
	if len(fields) == 1 {
		return LinePlainLabel, label
	}

	switch fields[1] {
	case asmTag:
		return LineAsmLabel, label
	case exactTag:
		return LineExactLabel, label
	default:
		return LineUnknownLabel, label
	}
}

type scanState int

const (
	stateSeeking scanState = iota
	stateEmitting
	stateDone
)

// Reconstruct scans a listing and returns the lines of the block that starts
// at the first label in labels. Lines keep their original indentation.
func Reconstruct(r io.Reader, labels map[string]struct{}) (string, error) {
	var out strings.Builder
	state := stateSeeking

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for state != stateDone && scanner.Scan() {
		line := scanner.Text()
		kind, label := ClassifyLine(line)
		_, inBlock := labels[label]

		switch state {
		case stateSeeking:
			if kind == LineInstruction || !inBlock {
				continue
			}
			state = stateEmitting
			out.WriteString(line)
			out.WriteByte('\n')

		case stateEmitting:
			switch {
			case kind == LineInstruction, kind == LinePlainLabel, kind == LineAsmLabel:
			case kind == LineExactLabel && inBlock:
			default:
				state = stateDone
				continue
			}
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}

	if err := scanner.Err(); err != nil {
		return "", err
	}
	return out.String(), nil
}
