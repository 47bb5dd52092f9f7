package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

const (
	defaultLogWidth = 100
	minLogWidth     = 40

	segmentSep   = "  "
	continuation = "    ↳ "
	ellipsis     = "…"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// prettyHandler renders one record per line (wrapped to the terminal width) for
// local development. Production runs use the JSON handler.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	head := h.paint(ansiDim, ts.Format("15:04:05.000")) + " " +
		levelTag(r.Level, h.color) + " " +
		h.paint(ansiBright, r.Message)
	segments := []string{head}

	for _, a := range h.attrs {
		segments = h.appendAttr(segments, a, "")
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		segments = h.appendAttr(segments, a, prefix)
		return true
	})

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			segments = append(segments, h.paint(ansiDim, fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)))
		}
	}

	lines := wrapSegments(segments, segmentSep, h.terminalWidth(), continuation)
	out := strings.Join(lines, "\n") + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, out)
	return err
}

// WithAttrs qualifies attrs with the groups open at this point, so later groups
// do not rename them.
func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append([]slog.Attr{}, h.attrs...)
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		if prefix != "" {
			a.Key = prefix + "." + a.Key
		}
		cp.attrs = append(cp.attrs, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(segments []string, a slog.Attr, parent string) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return segments
	}
	key := strings.TrimSpace(a.Key)
	if key == "" {
		return segments
	}

	if parent != "" {
		key = parent + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			segments = h.appendAttr(segments, ga, key)
		}
		return segments
	}

	return append(segments, h.paint(ansiDim, remapPrettyKey(key)+"=")+h.prettyValue(key, a.Value))
}

// terminalWidth prefers CHANLAYER_LOG_WIDTH, then COLUMNS. Values below
// minLogWidth are ignored.
func (h *prettyHandler) terminalWidth() int {
	for _, name := range []string{"CHANLAYER_LOG_WIDTH", "COLUMNS"} {
		raw := strings.TrimSpace(os.Getenv(name))
		if raw == "" {
			continue
		}
		if n, err := strconv.Atoi(raw); err == nil && n >= minLogWidth {
			return n
		}
	}
	return defaultLogWidth
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path", "channel", "group", "reply_channel":
		return h.paint(ansiCyan, quoteIfNeeded(v.String()))
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	case "err":
		return h.paint(ansiRed, quoteIfNeeded(valueToString(v)))
	}
	return quoteIfNeeded(valueToString(v))
}

func (h *prettyHandler) paint(code, s string) string {
	return paint(code, s, h.color)
}

func paint(code, s string, color bool) string {
	if !color || s == "" {
		return s
	}
	return code + s + ansiReset
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindDuration:
		return v.Duration().Milliseconds(), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint(ansiRed, "[ERROR]", color)
	case level >= slog.LevelWarn:
		return paint(ansiYellow, "[WARN]", color)
	case level < slog.LevelInfo:
		return paint(ansiMagenta, "[DEBUG]", color)
	default:
		return paint(ansiBlue, "[INFO]", color)
	}
}

func colorizeHTTPMethod(method string, color bool) string {
	switch method {
	case "GET", "HEAD":
		return paint(ansiGreen, method, color)
	case "POST", "PUT", "PATCH":
		return paint(ansiYellow, method, color)
	case "DELETE":
		return paint(ansiRed, method, color)
	default:
		return paint(ansiMagenta, method, color)
	}
}

func colorizeStatusCode(code int, color bool) string {
	return paint(statusColor(code), strconv.Itoa(code), color)
}

func colorizeStatusClass(class string, color bool) string {
	switch class {
	case "2xx":
		return paint(ansiGreen, class, color)
	case "3xx":
		return paint(ansiCyan, class, color)
	case "4xx":
		return paint(ansiYellow, class, color)
	case "5xx":
		return paint(ansiRed, class, color)
	default:
		return class
	}
}

func statusColor(code int) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	case code >= 300:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(ansiRed, s, color)
	case ms >= 250:
		return paint(ansiYellow, s, color)
	default:
		return paint(ansiGreen, s, color)
	}
}

// colorizeResult covers both HTTP results and channel layer op results.
func colorizeResult(result string, color bool) string {
	switch result {
	case "success", "ok", "redirect":
		return paint(ansiGreen, result, color)
	case "empty", "canceled":
		return paint(ansiDim, result, color)
	case "client_error", "channel_full", "message_too_large", "invalid_name", "not_implemented":
		return paint(ansiYellow, result, color)
	case "server_error", "error":
		return paint(ansiRed, result, color)
	default:
		return result
	}
}

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// visualLen is the printed width of s in runes, ignoring color codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

// wrapSegments joins segments with sep, starting a new line (prefixed with indent)
// whenever the next segment would overflow width. A segment wider than a line on
// its own is truncated with an ellipsis.
func wrapSegments(segments []string, sep string, width int, indent string) []string {
	var (
		lines []string
		cur   strings.Builder
		used  int
	)

	for _, seg := range segments {
		prefixLen := 0
		if len(lines) > 0 || cur.Len() > 0 {
			prefixLen = visualLen(indent)
		}
		seg = truncateVisual(seg, width-prefixLen)
		segLen := visualLen(seg)

		switch {
		case cur.Len() == 0 && len(lines) == 0:
			cur.WriteString(seg)
			used = segLen
		case used+visualLen(sep)+segLen <= width:
			cur.WriteString(sep)
			cur.WriteString(seg)
			used += visualLen(sep) + segLen
		default:
			lines = append(lines, cur.String())
			cur.Reset()
			cur.WriteString(indent)
			cur.WriteString(seg)
			used = visualLen(indent) + segLen
		}
	}
	if cur.Len() > 0 {
		lines = append(lines, cur.String())
	}
	return lines
}

func truncateVisual(s string, limit int) string {
	if limit <= 0 || visualLen(s) <= limit {
		return s
	}
	plain := []rune(stripANSI(s))
	return string(plain[:limit-1]) + ellipsis
}
