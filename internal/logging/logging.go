// Package logging builds the process logger.
package logging

import (
	"io"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// New returns a go-kit logger writing json or logfmt records to w,
// filtered to lvl (debug, info, warn or error; anything else is debug).
func New(lvl, format string, w io.Writer) log.Logger {
	var logger log.Logger
	if strings.EqualFold(format, "logfmt") {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	}
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch strings.ToLower(lvl) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}
	return logger
}

// maxTrafficLine bounds how much of a protocol line is logged.
const maxTrafficLine = 2000

// Traffic shortens a protocol line for debug logging. Literal payloads are
// replaced by their size so message bodies and passwords never reach the log.
func Traffic(line string) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(line, '{')
		if open < 0 {
			b.WriteString(line)
			break
		}
		end := strings.IndexByte(line[open:], '}')
		if end < 0 {
			b.WriteString(line)
			break
		}
		end += open
		size := strings.TrimSuffix(line[open+1:end], "+")
		if size == "" || strings.Trim(size, "0123456789") != "" {
			b.WriteString(line[:end+1])
			line = line[end+1:]
			continue
		}

		b.WriteString(line[:end+1])
		b.WriteString(" [" + size + " bytes omitted]")
		rest := line[end+1:]
		if strings.HasPrefix(rest, "\r\n") {
			rest = rest[2:]
		}
		n := 0
		for _, c := range size {
			n = n*10 + int(c-'0')
			if n > len(rest) {
				n = len(rest)
				break
			}
		}
		line = rest[n:]
	}

	out := b.String()
	if len(out) > maxTrafficLine {
		return out[:maxTrafficLine] + "... [truncated]"
	}
	return out
}
