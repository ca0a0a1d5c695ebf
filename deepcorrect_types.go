// deepcorrect/types.go
// Contains core type definitions used throughout the deepcorrect package.
package deepcorrect

import (
	"errors"
	"fmt"
	stdslog "log/slog"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// Configuration Types & Constants
// =============================================================================

const (
	defaultOllamaURL = "http://localhost:11434"
	defaultModel     = "llama3.1"

	// Wraps the prompt template text and the span to rewrite.
	correctionPromptTemplate = `%s

Rewrite ONLY the text between the markers. Output ONLY the rewritten text, without any
markdown, explanations, quotes, or introductory text.

<<<TEXT
%s
TEXT>>>`

	defaultPromptID              = "proofread"
	defaultMaxTokens             = 2048          // Default maximum tokens for LLM response.
	defaultTemperature           = 0.2           // Default sampling temperature for LLM.
	defaultLogLevel              = "info"        // Default log level.
	defaultRequestTimeoutSecs    = 120           // Default timeout for one correction round trip.
	defaultMaxSelectionLen       = 32 * 1024     // Default max bytes sent to the model per selection.
	defaultMemoryCacheTTLSecs    = 600           // Default TTL for memory cache items (10 minutes).
	defaultConfigFileName        = "config.json" // Default config file name.
	defaultPromptDBFileName      = "prompts.db"  // Default prompt store file name.
	configDirName                = "deepcorrect" // Subdirectory name for config/data.
	promptSchemaVersion          = 1             // Used to invalidate stored prompts if the format changes.
	defaultBatchConcurrencyLimit = 4             // Max parallel model calls in CorrectMany.

	// Retry constants
	maxRetries = 3
	retryDelay = 500 * time.Millisecond
)

// Config holds the active configuration for the correction service.
type Config struct {
	OllamaURL             string        `json:"ollama_url"`
	Model                 string        `json:"model"`
	PromptTemplate        string        `json:"-"` // Loaded internally, not from config file.
	MaxTokens             int           `json:"max_tokens"`
	Temperature           float64       `json:"temperature"`
	LogLevel              string        `json:"log_level"`                // Log level (debug, info, warn, error).
	DefaultPromptID       string        `json:"default_prompt_id"`        // Prompt used when a request names none.
	RequestTimeoutSeconds int           `json:"request_timeout_seconds"`  // Timeout for one model round trip.
	MaxSelectionLen       int           `json:"max_selection_len"`        // Max bytes per selection.
	MemoryCacheTTLSeconds int           `json:"memory_cache_ttl_seconds"` // TTL for memory cache items.
	PromptDBPath          string        `json:"prompt_db_path"`           // Empty means user config dir.
	MemoryCacheTTL        time.Duration `json:"-"`                        // Derived duration, not from file.
	RequestTimeout        time.Duration `json:"-"`                        // Derived duration, not from file.
}

// FileConfig represents the structure of the JSON config file for unmarshalling.
// Uses pointers to distinguish between unset fields and zero-value fields.
type FileConfig struct {
	OllamaURL             *string  `json:"ollama_url"`
	Model                 *string  `json:"model"`
	MaxTokens             *int     `json:"max_tokens"`
	Temperature           *float64 `json:"temperature"`
	LogLevel              *string  `json:"log_level"`
	DefaultPromptID       *string  `json:"default_prompt_id"`
	RequestTimeoutSeconds *int     `json:"request_timeout_seconds"`
	MaxSelectionLen       *int     `json:"max_selection_len"`
	MemoryCacheTTLSeconds *int     `json:"memory_cache_ttl_seconds"`
	PromptDBPath          *string  `json:"prompt_db_path"`
}

// DefaultConfig is the configuration used when no config file is found.
var DefaultConfig = getDefaultConfig()

// getDefaultConfig returns a new instance of the default configuration.
func getDefaultConfig() Config {
	return Config{
		OllamaURL:             defaultOllamaURL,
		Model:                 defaultModel,
		PromptTemplate:        correctionPromptTemplate,
		MaxTokens:             defaultMaxTokens,
		Temperature:           defaultTemperature,
		LogLevel:              defaultLogLevel,
		DefaultPromptID:       defaultPromptID,
		RequestTimeoutSeconds: defaultRequestTimeoutSecs,
		MaxSelectionLen:       defaultMaxSelectionLen,
		MemoryCacheTTLSeconds: defaultMemoryCacheTTLSecs,
		MemoryCacheTTL:        time.Duration(defaultMemoryCacheTTLSecs) * time.Second,
		RequestTimeout:        time.Duration(defaultRequestTimeoutSecs) * time.Second,
	}
}

// Validate checks if configuration values are valid, applying defaults for some fields.
func (c *Config) Validate(logger *stdslog.Logger) error {
	var validationErrors []error
	if logger == nil {
		logger = stdslog.Default()
	}
	tempDefault := getDefaultConfig()

	if strings.TrimSpace(c.OllamaURL) == "" {
		validationErrors = append(validationErrors, errors.New("ollama_url cannot be empty"))
	} else {
		parsedURL, err := url.ParseRequestURI(c.OllamaURL)
		if err != nil {
			validationErrors = append(validationErrors, fmt.Errorf("invalid ollama_url format: %w", err))
		} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			validationErrors = append(validationErrors, fmt.Errorf("invalid ollama_url scheme '%s', must be http or https", parsedURL.Scheme))
		}
	}
	if strings.TrimSpace(c.Model) == "" {
		validationErrors = append(validationErrors, errors.New("model cannot be empty"))
	}
	if c.MaxTokens <= 0 {
		logger.Warn("Config validation: max_tokens is not positive, applying default.", "configured_value", c.MaxTokens, "default", tempDefault.MaxTokens)
		c.MaxTokens = tempDefault.MaxTokens
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		logger.Warn("Config validation: temperature is outside reasonable range [0.0, 2.0], applying default.", "configured_value", c.Temperature, "default", tempDefault.Temperature)
		validationErrors = append(validationErrors, fmt.Errorf("temperature %f is outside valid range [0.0, 2.0]", c.Temperature))
		c.Temperature = tempDefault.Temperature
	}
	if strings.TrimSpace(c.DefaultPromptID) == "" {
		logger.Warn("Config validation: default_prompt_id is empty, applying default.", "default", tempDefault.DefaultPromptID)
		c.DefaultPromptID = tempDefault.DefaultPromptID
	}
	if c.RequestTimeoutSeconds <= 0 {
		logger.Warn("Config validation: request_timeout_seconds is not positive, applying default.", "configured_value", c.RequestTimeoutSeconds, "default", tempDefault.RequestTimeoutSeconds)
		c.RequestTimeoutSeconds = tempDefault.RequestTimeoutSeconds
	}
	if c.MaxSelectionLen <= 0 {
		logger.Warn("Config validation: max_selection_len is not positive, applying default.", "configured_value", c.MaxSelectionLen, "default", tempDefault.MaxSelectionLen)
		c.MaxSelectionLen = tempDefault.MaxSelectionLen
	}
	if c.MemoryCacheTTLSeconds <= 0 {
		logger.Warn("Config validation: memory_cache_ttl_seconds is not positive, applying default.", "configured_value", c.MemoryCacheTTLSeconds, "default", tempDefault.MemoryCacheTTLSeconds)
		c.MemoryCacheTTLSeconds = tempDefault.MemoryCacheTTLSeconds
	}
	c.MemoryCacheTTL = time.Duration(c.MemoryCacheTTLSeconds) * time.Second
	c.RequestTimeout = time.Duration(c.RequestTimeoutSeconds) * time.Second

	if c.LogLevel == "" {
		logger.Warn("Config validation: log_level is empty, applying default.", "default", defaultLogLevel)
		c.LogLevel = defaultLogLevel
	} else if _, err := ParseLogLevel(c.LogLevel); err != nil {
		logger.Warn("Config validation: Invalid log_level found, applying default.", "configured_value", c.LogLevel, "default", defaultLogLevel, "error", err)
		validationErrors = append(validationErrors, fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err))
		c.LogLevel = defaultLogLevel
	}

	if c.PromptTemplate == "" {
		c.PromptTemplate = correctionPromptTemplate
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(validationErrors...))
	}
	return nil
}

// mergeFileConfig copies every field set in fc onto cfg and returns how many were set.
func mergeFileConfig(cfg *Config, fc FileConfig) int {
	merged := 0
	if fc.OllamaURL != nil {
		cfg.OllamaURL = *fc.OllamaURL
		merged++
	}
	if fc.Model != nil {
		cfg.Model = *fc.Model
		merged++
	}
	if fc.MaxTokens != nil {
		cfg.MaxTokens = *fc.MaxTokens
		merged++
	}
	if fc.Temperature != nil {
		cfg.Temperature = *fc.Temperature
		merged++
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
		merged++
	}
	if fc.DefaultPromptID != nil {
		cfg.DefaultPromptID = *fc.DefaultPromptID
		merged++
	}
	if fc.RequestTimeoutSeconds != nil {
		cfg.RequestTimeoutSeconds = *fc.RequestTimeoutSeconds
		merged++
	}
	if fc.MaxSelectionLen != nil {
		cfg.MaxSelectionLen = *fc.MaxSelectionLen
		merged++
	}
	if fc.MemoryCacheTTLSeconds != nil {
		cfg.MemoryCacheTTLSeconds = *fc.MemoryCacheTTLSeconds
		merged++
	}
	if fc.PromptDBPath != nil {
		cfg.PromptDBPath = *fc.PromptDBPath
		merged++
	}
	return merged
}

// =============================================================================
// Document Coordinate Types
// =============================================================================

// Position is a zero-based line/character coordinate. Character is a byte offset
// within the line.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Character)
}

// Range is an ordered pair of positions. Start == End denotes an empty span.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

func (r Range) String() string {
	return r.Start.String() + "-" + r.End.String()
}

// IsEmpty reports whether the range is a zero-width insertion point.
func (r Range) IsEmpty() bool {
	return ComparePositions(r.Start, r.End) == 0
}

// TextSelection is a Range scoped to one document.
type TextSelection struct {
	DocumentURI string `json:"documentUri"`
	Range
}

// NewTextSelection builds a selection from raw coordinates.
func NewTextSelection(uri string, startLine, startChar, endLine, endChar int) TextSelection {
	return TextSelection{
		DocumentURI: uri,
		Range: Range{
			Start: Position{Line: startLine, Character: startChar},
			End:   Position{Line: endLine, Character: endChar},
		},
	}
}

// ActiveTask is a selection currently undergoing an external correction.
type ActiveTask struct {
	ID        string        `json:"id"`
	Selection TextSelection `json:"selection"`
	StartTime time.Time     `json:"startTime"`
}

// =============================================================================
// Correction Types
// =============================================================================

// CorrectionRequest asks the Corrector to rewrite one selection of a document snapshot.
type CorrectionRequest struct {
	Selection    TextSelection
	DocumentText string
	PromptID     string // Empty means Config.DefaultPromptID.
}

// CorrectionResult is the outcome of a successful correction.
type CorrectionResult struct {
	TaskID        string
	Selection     TextSelection
	PromptID      string
	OriginalText  string // Text of the span before correction.
	CorrectedText string // Replacement spliced into the span.
	DocumentText  string // Full document after the splice.
	CacheHit      bool
}

// BatchItemResult is the per-range outcome of Corrector.CorrectMany.
type BatchItemResult struct {
	Range  Range
	Result *CorrectionResult
	Err    error
}

// BatchResult is the outcome of Corrector.CorrectMany.
type BatchResult struct {
	DocumentText string // Snapshot with every successful correction applied.
	Items        []BatchItemResult
	Applied      int
}

// =============================================================================
// Ollama Types
// =============================================================================

type OllamaError struct {
	Message string
	Status  int // HTTP status code, if available
}

func (e *OllamaError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("Ollama error: %s (Status: %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("Ollama error: %s", e.Message)
}

type OllamaResponse struct {
	Response string `json:"response"`        // The generated text chunk.
	Done     bool   `json:"done"`            // Indicates if the stream is complete.
	Error    string `json:"error,omitempty"` // Error message from Ollama, if any.
}

// =============================================================================
// Prompt Types
// =============================================================================

// Prompt is a named instruction template sent ahead of the selected text.
type Prompt struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Text        string    `json:"text" yaml:"text"`
	BuiltIn     bool      `json:"builtIn" yaml:"-"`
	UpdatedTime time.Time `json:"updatedTime" yaml:"-"`
}

// storedPrompt is the gob-encoded record kept in bbolt.
type storedPrompt struct {
	SchemaVersion int
	Prompt        Prompt
}
