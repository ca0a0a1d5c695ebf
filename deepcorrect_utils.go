// deepcorrect/deepcorrect_utils.go
package deepcorrect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ============================================================================
// Terminal Colors
// ============================================================================
var (
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[38;5;119m"
	ColorYellow = "\033[38;5;220m"
	ColorBlue   = "\033[38;5;153m"
	ColorRed    = "\033[38;5;203m"
	ColorCyan   = "\033[38;5;141m"
)

// ============================================================================
// Exported Helper Functions
// ============================================================================

// PrettyPrint prints colored text to stderr.
func PrettyPrint(color, text string) {
	fmt.Fprint(os.Stderr, color, text, ColorReset)
}

// ParseLogLevel converts a level name (debug, info, warn, error) to a slog.Level.
func ParseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level string: %q (expected debug, info, warn, or error)", levelStr)
	}
}

// ParseRange parses "L:C-L:C" (zero-based line and byte character) into a Range.
func ParseRange(s string) (Range, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Range{}, fmt.Errorf("%w: range %q must look like L:C-L:C", ErrInvalidPositionInput, s)
	}
	start, err := parsePosition(startStr)
	if err != nil {
		return Range{}, fmt.Errorf("range %q: %w", s, err)
	}
	end, err := parsePosition(endStr)
	if err != nil {
		return Range{}, fmt.Errorf("range %q: %w", s, err)
	}
	r := Range{Start: start, End: end}
	if !isOrdered(r) {
		return Range{}, fmt.Errorf("%w: range %q starts after it ends", ErrInvalidSelection, s)
	}
	return r, nil
}

func parsePosition(s string) (Position, error) {
	lineStr, charStr, ok := strings.Cut(s, ":")
	if !ok {
		return Position{}, fmt.Errorf("%w: position %q must look like L:C", ErrInvalidPositionInput, s)
	}
	line, err := strconv.Atoi(lineStr)
	if err != nil || line < 0 {
		return Position{}, fmt.Errorf("%w: invalid line %q", ErrInvalidPositionInput, lineStr)
	}
	char, err := strconv.Atoi(charStr)
	if err != nil || char < 0 {
		return Position{}, fmt.Errorf("%w: invalid character %q", ErrInvalidPositionInput, charStr)
	}
	return Position{Line: line, Character: char}, nil
}

// ============================================================================
// Path and URI Helpers
// ============================================================================

// ValidateAndGetFilePath cleans path and makes it absolute.
func ValidateAndGetFilePath(path string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(path) == "" {
		return "", errors.New("file path cannot be empty")
	}
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		logger.Error("Failed to resolve absolute path", "path", path, "error", err)
		return "", fmt.Errorf("resolving absolute path for %q: %w", path, err)
	}
	return absPath, nil
}

// PathToURI converts a filesystem path to a file:// URI.
func PathToURI(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(absPath)}
	return u.String(), nil
}

// URIToPath converts a file:// URI to a filesystem path.
func URIToPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}
	return filepath.FromSlash(u.Path), nil
}

// ============================================================================
// Config File Helpers
// ============================================================================

// errConfigParse marks a config file that exists but is not valid JSON.
var errConfigParse = errors.New("parsing config file JSON")

// GetConfigPaths returns the primary ($XDG_CONFIG_HOME) and secondary (~/.config)
// config file locations. Either may be empty.
func GetConfigPaths(logger *slog.Logger) (primary, secondary string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		primary = filepath.Join(xdg, configDirName, defaultConfigFileName)
	}
	home, homeErr := os.UserHomeDir()
	if homeErr == nil {
		secondary = filepath.Join(home, ".config", configDirName, defaultConfigFileName)
	} else {
		logger.Debug("Could not determine home directory", "error", homeErr)
	}
	if primary == "" && secondary == "" {
		return "", "", fmt.Errorf("%w: cannot determine config directory: %w", ErrConfig, homeErr)
	}
	if primary == secondary {
		secondary = ""
	}
	return primary, secondary, nil
}

// LoadAndMergeConfig merges the JSON file at path onto cfg. It reports false without
// error when the file does not exist.
func LoadAndMergeConfig(path string, cfg *Config, logger *slog.Logger) (bool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("Config file not found", "path", path)
			return false, nil
		}
		return false, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		logger.Debug("Config file is empty, using defaults", "path", path)
		return true, nil
	}
	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return false, fmt.Errorf("%w %s: %w", errConfigParse, path, err)
	}
	merged := mergeFileConfig(cfg, fc)
	logger.Debug("Merged config file", "path", path, "fields", merged)
	return true, nil
}

// WriteDefaultConfig writes cfg as JSON to path unless a file already exists there.
func WriteDefaultConfig(path string, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(path); err == nil {
		logger.Debug("Config file already exists, not overwriting", "path", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0640); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	logger.Info("Wrote default config", "path", path)
	return nil
}

// ============================================================================
// LSP Position Conversion Helpers
// ============================================================================

// LSPPositionToPosition converts an LSP position (UTF-16 character offset) to a byte
// Position in content. A character past the end of its line is clamped to the line end.
func LSPPositionToPosition(content string, lspPos LSPPosition) (Position, error) {
	lines := strings.Split(content, "\n")
	line := int(lspPos.Line)
	if line >= len(lines) {
		return Position{}, fmt.Errorf("%w: LSP line %d not found (document has %d lines)", ErrPositionOutOfRange, line, len(lines))
	}
	byteOffset, err := Utf16OffsetToBytes([]byte(lines[line]), int(lspPos.Character))
	if err != nil {
		if !errors.Is(err, ErrPositionOutOfRange) {
			return Position{}, fmt.Errorf("%w: line %d: %w", ErrPositionConversion, line, err)
		}
		byteOffset = len(lines[line])
	}
	return Position{Line: line, Character: byteOffset}, nil
}

// PositionToLSPPosition converts a byte Position in content to an LSP position.
func PositionToLSPPosition(content string, pos Position) (LSPPosition, error) {
	lines := strings.Split(content, "\n")
	if pos.Line < 0 || pos.Line >= len(lines) {
		return LSPPosition{}, fmt.Errorf("%w: line %d (document has %d lines)", ErrPositionOutOfRange, pos.Line, len(lines))
	}
	units, err := BytesToUtf16Offset([]byte(lines[pos.Line]), pos.Character)
	if err != nil {
		return LSPPosition{}, err
	}
	return LSPPosition{Line: uint32(pos.Line), Character: uint32(units)}, nil
}

// Utf16OffsetToBytes converts a 0-based UTF-16 offset within a line to a 0-based byte offset.
func Utf16OffsetToBytes(line []byte, utf16Offset int) (int, error) {
	if utf16Offset < 0 {
		return 0, fmt.Errorf("%w: invalid utf16Offset: %d (must be >= 0)", ErrInvalidPositionInput, utf16Offset)
	}
	if utf16Offset == 0 {
		return 0, nil
	}

	byteOffset := 0
	currentUTF16Offset := 0
	for byteOffset < len(line) {
		if currentUTF16Offset >= utf16Offset {
			break
		}
		r, size := utf8.DecodeRune(line[byteOffset:])
		if r == utf8.RuneError && size <= 1 {
			return byteOffset, fmt.Errorf("%w at byte offset %d", ErrInvalidUTF8, byteOffset)
		}
		utf16Units := 1
		if r > 0xFFFF {
			utf16Units = 2 // Surrogate pair.
		}
		// Landing inside a surrogate pair resolves to the start of the rune.
		if currentUTF16Offset+utf16Units > utf16Offset {
			break
		}
		currentUTF16Offset += utf16Units
		byteOffset += size
	}
	if currentUTF16Offset < utf16Offset && byteOffset >= len(line) {
		return len(line), fmt.Errorf("%w: utf16Offset %d is beyond the line length in UTF-16 units (%d)", ErrPositionOutOfRange, utf16Offset, currentUTF16Offset)
	}
	return byteOffset, nil
}

// BytesToUtf16Offset converts a 0-based byte offset within a line to UTF-16 code units.
func BytesToUtf16Offset(line []byte, byteOffset int) (int, error) {
	if byteOffset < 0 || byteOffset > len(line) {
		return 0, fmt.Errorf("%w: byte offset %d outside line of length %d", ErrPositionOutOfRange, byteOffset, len(line))
	}
	units := 0
	for i := 0; i < byteOffset; {
		r, size := utf8.DecodeRune(line[i:])
		if r == utf8.RuneError && size <= 1 {
			return units, fmt.Errorf("%w at byte offset %d", ErrInvalidUTF8, i)
		}
		if i+size > byteOffset {
			break
		}
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
		i += size
	}
	return units, nil
}

// ============================================================================
// Retry Helper
// ============================================================================

// retry executes an operation function with backoff and retry logic.
func retry(ctx context.Context, operation func() error, maxRetries int, initialDelay time.Duration, logger *slog.Logger) error {
	var lastErr error
	if logger == nil {
		logger = slog.Default()
	}

	currentDelay := initialDelay
	for i := 0; i < maxRetries; i++ {
		attemptLogger := logger.With("attempt", i+1, "max_attempts", maxRetries)
		select {
		case <-ctx.Done():
			attemptLogger.Warn("Context cancelled before attempt", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		// Don't retry context errors.
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			attemptLogger.Warn("Attempt failed due to context error. Not retrying.", "error", lastErr)
			return lastErr
		}

		var ollamaErr *OllamaError
		isRetryable := errors.As(lastErr, &ollamaErr) && (ollamaErr.Status == http.StatusServiceUnavailable || ollamaErr.Status == http.StatusTooManyRequests)
		isRetryable = isRetryable || errors.Is(lastErr, ErrOllamaUnavailable)

		if !isRetryable {
			attemptLogger.Warn("Attempt failed with non-retryable error.", "error", lastErr)
			return lastErr
		}
		if i == maxRetries-1 {
			break
		}

		attemptLogger.Warn("Attempt failed with retryable error. Retrying...", "error", lastErr, "delay", currentDelay)
		select {
		case <-ctx.Done():
			attemptLogger.Warn("Context cancelled during retry wait", "error", ctx.Err())
			return ctx.Err()
		case <-time.After(currentDelay):
		}
		currentDelay *= 2
	}
	logger.Error("Operation failed after all retries.", "retries", maxRetries, "final_error", lastErr)
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, lastErr)
}

// ============================================================================
// Spinner
// ============================================================================

// Spinner provides simple terminal spinner feedback.
type Spinner struct {
	chars    []string
	message  string
	index    int
	mu       sync.Mutex
	stopChan chan struct{}
	doneChan chan struct{}
	running  bool
}

func NewSpinner() *Spinner {
	return &Spinner{chars: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}}
}

// Start begins the spinner animation in a separate goroutine.
func (s *Spinner) Start(initialMessage string) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.stopChan = make(chan struct{})
	s.doneChan = make(chan struct{})
	s.message = initialMessage
	s.running = true
	stop, done := s.stopChan, s.doneChan
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				char := s.chars[s.index]
				msg := s.message
				s.index = (s.index + 1) % len(s.chars)
				s.mu.Unlock()
				fmt.Fprintf(os.Stderr, "\r\033[K%s%s%s %s", ColorCyan, char, ColorReset, msg)
			}
		}
	}()
}

// Stop halts the spinner animation and clears the line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.doneChan
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		slog.Warn("Timeout waiting for spinner goroutine cleanup")
	}
	fmt.Fprintf(os.Stderr, "\r\033[K")
}

// ============================================================================
// Stream Processing Helpers (Used by Ollama Client)
// ============================================================================

// streamCorrection reads the Ollama NDJSON stream and writes the generated text to w.
func streamCorrection(ctx context.Context, r io.ReadCloser, w io.Writer, logger *slog.Logger) error {
	defer r.Close()
	if logger == nil {
		logger = slog.Default()
	}
	reader := bufio.NewReader(r)
	lineCount := 0
	for {
		select {
		case <-ctx.Done():
			logger.Warn("Context cancelled during streaming", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(line) > 0 {
					if _, procErr := processLine(line, w, logger); procErr != nil {
						return procErr
					}
				}
				logger.Debug("Stream processing finished (EOF)", "lines_processed", lineCount)
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("%w: error reading from Ollama stream: %w", ErrStreamProcessing, err)
			}
		}
		lineCount++
		done, procErr := processLine(line, w, logger)
		if procErr != nil {
			return procErr
		}
		if done {
			logger.Debug("Stream processing finished (done)", "lines_processed", lineCount)
			return nil
		}
	}
}

// processLine decodes a single line from the Ollama stream, writes its content and
// reports whether the stream signalled completion.
func processLine(line []byte, w io.Writer, logger *slog.Logger) (bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false, nil
	}
	var resp OllamaResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		logger.Debug("Ignoring non-JSON line from Ollama stream", "line", string(line))
		return false, nil
	}
	if resp.Error != "" {
		logger.Error("Ollama stream reported an error", "error", resp.Error)
		return false, fmt.Errorf("%w: ollama stream error: %s", ErrStreamProcessing, resp.Error)
	}
	if _, err := io.WriteString(w, resp.Response); err != nil {
		return false, fmt.Errorf("%w: error writing to output: %w", ErrStreamProcessing, err)
	}
	return resp.Done, nil
}

// ============================================================================
// Output Cleanup
// ============================================================================

// cleanCorrection strips a markdown fence the model may have wrapped its answer in and
// gives the result the same leading and trailing whitespace as original. Blank model
// output yields original unchanged.
func cleanCorrection(original, raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return original
	}
	const ws = " \t\r\n"
	core := strings.Trim(original, ws)
	if core == "" {
		return s
	}
	lead := original[:strings.Index(original, core)]
	trail := original[len(lead)+len(core):]
	return lead + s + trail
}
