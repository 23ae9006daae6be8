// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

// Package zfs parses `zpool iostat -v` style output into typed records.
package zfs

import (
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

// headerLinesPerCycle is the number of label lines zpool iostat prints at the
// top of every polling cycle (two label rows plus one separator row).
const headerLinesPerCycle = 3

// iostatFieldCount is the fixed column count of a stats row:
// name, alloc, free, read ops, write ops, read bandwidth, write bandwidth.
const iostatFieldCount = 7

// unitMultipliers maps binary magnitude suffixes to byte multipliers.
// zpool prints human-readable values with single-letter suffixes.
var unitMultipliers = map[byte]float64{
	'K': 1 << 10,
	'M': 1 << 20,
	'G': 1 << 30,
	'T': 1 << 40,
	'P': 1 << 50,
	'E': 1 << 60,
}

// Record is one parsed iostat row. Depth is derived from the row's leading
// indentation: pools print flush left, vdevs indented one level, disks two.
type Record struct {
	Name     string
	Depth    int
	Alloc    float64
	Free     float64
	ReadOps  float64
	WriteOps float64
	ReadBW   float64
	WriteBW  float64
}

// Parser turns iostat text lines into Records. It is stateful only in a
// header-skip counter: vendor tools repeat the header block every polling
// cycle, so ResetCycle must be called at each cycle boundary.
type Parser struct {
	logger      logr.Logger
	headersLeft int
}

func NewParser(logger logr.Logger) *Parser {
	return &Parser{
		logger:      logger.WithName("iostat"),
		headersLeft: headerLinesPerCycle,
	}
}

// ResetCycle re-arms the header skip for the next polling cycle.
func (p *Parser) ResetCycle() {
	p.headersLeft = headerLinesPerCycle
}

// ParseLine parses one line of iostat output. It returns (nil, false) for
// header lines, separator rows, and blank lines. A malformed numeric token
// parses to zero rather than discarding the whole row, so one bad column
// does not drop an otherwise useful record.
func (p *Parser) ParseLine(line string) (*Record, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, false
	}

	// The header block repeats every polling cycle; discriminate rather
	// than blind-count so scripted output with no header still parses.
	if isSeparator(trimmed) || isHeader(trimmed) {
		if p.headersLeft > 0 {
			p.headersLeft--
		} else {
			p.logger.V(2).Info("header line outside expected header block", "line", trimmed)
		}
		return nil, false
	}

	fields := strings.Fields(trimmed)
	if len(fields) != iostatFieldCount {
		p.logger.V(2).Info("unexpected iostat column count, skipping line",
			"fields", len(fields), "line", trimmed)
		return nil, false
	}

	rec := &Record{
		Name:  fields[0],
		Depth: indentDepth(line),
	}
	rec.Alloc = p.parseValue(fields[1], trimmed)
	rec.Free = p.parseValue(fields[2], trimmed)
	rec.ReadOps = p.parseValue(fields[3], trimmed)
	rec.WriteOps = p.parseValue(fields[4], trimmed)
	rec.ReadBW = p.parseValue(fields[5], trimmed)
	rec.WriteBW = p.parseValue(fields[6], trimmed)

	return rec, true
}

// parseValue converts a single iostat token to a raw numeric value. The "-"
// placeholder means the statistic does not apply and is treated as zero.
func (p *Parser) parseValue(token, line string) float64 {
	if token == "-" {
		return 0
	}

	mult := 1.0
	if len(token) > 1 {
		suffix := token[len(token)-1]
		if suffix >= 'a' && suffix <= 'z' {
			suffix -= 'a' - 'A'
		}
		if m, ok := unitMultipliers[suffix]; ok {
			mult = m
			token = token[:len(token)-1]
		}
	}

	v, err := strconv.ParseFloat(token, 64)
	if err != nil {
		p.logger.V(2).Info("malformed iostat value, using zero",
			"token", token, "line", line)
		return 0
	}
	return v * mult
}

// indentDepth counts leading-whitespace pairs. zpool indents each hierarchy
// level by two spaces.
func indentDepth(line string) int {
	spaces := 0
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			spaces++
			continue
		}
		if line[i] == '\t' {
			spaces += 2
			continue
		}
		break
	}
	return spaces / 2
}

// isSeparator reports whether the line is a pure dash/space divider row.
func isSeparator(trimmed string) bool {
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] != '-' && trimmed[i] != ' ' {
			return false
		}
	}
	return true
}

// isHeader matches the two label rows zpool prints per cycle.
func isHeader(trimmed string) bool {
	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "capacity") &&
		strings.Contains(lower, "operations") &&
		strings.Contains(lower, "bandwidth") {
		return true
	}
	return strings.Contains(lower, "alloc") && strings.Contains(lower, "free")
}
