// Gcode block parsing
//
// Splits a gcode line into words. Letters with fractional numbers (G92.1,
// M50.1) are kept as scaled integers so dispatch can switch on them.
// Comments are stripped; MSG comments are surfaced on the block.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"tinyg-go-migration/pkg/errors"
)

// Block is one parsed gcode line.
type Block struct {
	LineNumber    int
	HasLineNumber bool

	// GWords and MWords hold the block's command words scaled by ten,
	// so G92.1 is 921 and M50.1 is 501.
	GWords []int
	MWords []int

	// Values holds parameter words (X, Y, Z, A, B, C, F, S, T, P, L,
	// R, I, J, K) keyed by letter.
	Values map[byte]float64

	// Message is the text of an inline (MSG ...) comment, if any.
	Message string

	Raw string
}

// Has reports whether a parameter word appeared in the block.
func (b *Block) Has(letter byte) bool {
	_, ok := b.Values[letter]
	return ok
}

// Value returns a parameter word's value, or zero when absent.
func (b *Block) Value(letter byte) float64 { return b.Values[letter] }

var reParenComment = regexp.MustCompile(`\(([^)]*)\)`)

// ParseLine parses a single gcode line into a block. Returns a nil
// block for empty lines and comment-only lines.
func ParseLine(line string) (*Block, error) {
	ln := strings.TrimSpace(line)
	if ln == "" {
		return nil, nil
	}

	b := &Block{Values: map[byte]float64{}, Raw: line}

	// semicolon comments run to end of line
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = strings.TrimSpace(ln[:idx])
	}

	// paren comments are inline; a MSG comment is kept
	ln = reParenComment.ReplaceAllStringFunc(ln, func(s string) string {
		text := strings.TrimSpace(s[1 : len(s)-1])
		if rest, ok := strings.CutPrefix(strings.ToUpper(text), "MSG"); ok {
			b.Message = strings.TrimSpace(text[len(text)-len(rest):])
		}
		return " "
	})

	ln = strings.ToUpper(strings.TrimSpace(ln))
	if ln == "" {
		if b.Message != "" {
			return b, nil
		}
		return nil, nil
	}

	// block delete
	if ln[0] == '/' {
		return nil, nil
	}

	for i := 0; i < len(ln); {
		c := ln[i]
		if c == ' ' || c == '\t' {
			i++
			continue
		}
		if c < 'A' || c > 'Z' {
			return nil, errors.GCodeParseError(line, "expected a word letter")
		}
		i++
		start := i
		for i < len(ln) && (ln[i] == '+' || ln[i] == '-' || ln[i] == '.' ||
			(ln[i] >= '0' && ln[i] <= '9')) {
			i++
		}
		if start == i {
			return nil, errors.GCodeParseError(line, "word letter with no value")
		}
		value, err := strconv.ParseFloat(ln[start:i], 64)
		if err != nil {
			return nil, errors.GCodeParseError(line, "malformed number")
		}

		switch c {
		case 'N':
			b.LineNumber = int(value)
			b.HasLineNumber = true
		case 'G':
			b.GWords = append(b.GWords, int(math.Round(value*10)))
		case 'M':
			b.MWords = append(b.MWords, int(math.Round(value*10)))
		default:
			b.Values[c] = value
		}
	}

	if len(b.GWords) == 0 && len(b.MWords) == 0 && len(b.Values) == 0 {
		if b.Message != "" {
			return b, nil
		}
		return nil, nil
	}
	return b, nil
}
