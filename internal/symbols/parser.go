package symbols

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// Symbol files regularly carry very long FUNC lines (templated C++
	// signatures), so the scanner needs room beyond the bufio default.
	scannerInitialBuffer = 64 * 1024
	scannerMaxLine       = 1024 * 1024
)

// ParseResult is the outcome of parsing one symbol file.
type ParseResult struct {
	Map *Map

	// BytesRead is the amount of content consumed from the stream.
	BytesRead int64

	// Elapsed is the wall-clock time of the parse, download included when
	// the reader streams from the network.
	Elapsed time.Duration

	// SkippedLines counts PUBLIC/FUNC lines with too few fields or an
	// unparsable address.
	SkippedLines int
}

// ParseSym consumes a Breakpad .sym text stream and produces the offset
// table. Only PUBLIC and FUNC records contribute:
//
//	PUBLIC <addr-hex> <param-size-hex> <name>
//	FUNC <addr-hex> <size-hex> <param-size-hex> <name>
//
// Both record kinds share the offset space; PUBLIC wins when both name the
// same offset. Malformed lines are skipped with a warning. Memory is
// proportional to the number of symbols, not the file size.
func ParseSym(r io.Reader, url string, logger *zap.Logger) (ParseResult, error) {
	var res ParseResult
	t0 := time.Now()

	publicSymbols := map[uint64]string{}
	funcSymbols := map[uint64]string{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxLine)

	lineNumber := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNumber++
		res.BytesRead += int64(len(line)) + 1

		switch {
		case strings.HasPrefix(line, "PUBLIC "):
			fields := splitFields(line, 4)
			if len(fields) < 4 {
				res.SkippedLines++
				logger.Warn("PUBLIC line has too few fields",
					zap.Int("line", lineNumber), zap.String("url", url))
				continue
			}
			addr, err := strconv.ParseUint(fields[1], 16, 64)
			if err != nil {
				res.SkippedLines++
				logger.Warn("PUBLIC line has a bad address",
					zap.Int("line", lineNumber), zap.String("url", url))
				continue
			}
			publicSymbols[addr] = fields[3]
		case strings.HasPrefix(line, "FUNC "):
			fields := splitFields(line, 5)
			if len(fields) < 5 {
				res.SkippedLines++
				logger.Warn("FUNC line has too few fields",
					zap.Int("line", lineNumber), zap.String("url", url))
				continue
			}
			addr, err := strconv.ParseUint(fields[1], 16, 64)
			if err != nil {
				res.SkippedLines++
				logger.Warn("FUNC line has a bad address",
					zap.Int("line", lineNumber), zap.String("url", url))
				continue
			}
			funcSymbols[addr] = fields[4]
		}
	}
	if err := scanner.Err(); err != nil {
		return res, err
	}

	// PUBLIC entries take precedence over FUNC entries at the same offset.
	for addr, name := range publicSymbols {
		funcSymbols[addr] = name
	}

	res.Map = NewMap(funcSymbols)
	res.Elapsed = time.Since(t0)
	return res, nil
}

// splitFields splits on runs of whitespace into at most n fields; the last
// field is the untouched remainder (symbol names contain spaces).
func splitFields(s string, n int) []string {
	fields := make([]string, 0, n)
	s = strings.TrimSpace(s)
	for len(fields) < n-1 {
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			break
		}
		fields = append(fields, s[:i])
		s = strings.TrimLeft(s[i:], " \t")
	}
	if s != "" {
		fields = append(fields, s)
	}
	return fields
}
