// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package source

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/go-logr/logr"
)

// maxLineBytes bounds a single framed line. Vendor text and NDJSON stat
// records stay far below this; anything larger is corrupt input.
const maxLineBytes = 1 << 20

// LineHandler consumes one complete framed line. Returning an error marks
// the line unparseable; the framer logs it and continues with the next line.
type LineHandler func(line string) error

// ScanLines frames a byte stream into newline-delimited records. Partial
// lines are buffered across read boundaries, blank lines between records are
// tolerated, and a line the handler rejects is skipped with a logged error
// rather than terminating the stream. The scan stops when the reader ends,
// the context is cancelled, or the underlying read fails.
func ScanLines(ctx context.Context, r io.Reader, logger logr.Logger, handle LineHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := handle(line); err != nil {
			logger.Error(err, "skipping unparseable line", "line", truncate(line, 200))
		}
	}
	return scanner.Err()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
