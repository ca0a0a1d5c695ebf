// deepcorrect/deepcorrect.go
// Package deepcorrect rewrites selected spans of text documents with a local LLM while
// keeping overlapping in-flight rewrites of the same document mutually exclusive.
package deepcorrect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/errgroup"
)

// Core type definitions are in deepcorrect_types.go.
// Exported error variables are in deepcorrect_errors.go.

// =============================================================================
// Interfaces for Components
// =============================================================================

// LLMClient defines the interface for interacting with the language model backend.
type LLMClient interface {
	// RequestCorrection asks the model to rewrite sourceText following promptText and
	// returns the raw model output.
	RequestCorrection(ctx context.Context, promptText, sourceText string, config Config, logger *slog.Logger) (string, error)
	// CheckAvailability checks if the LLM backend is reachable.
	CheckAvailability(ctx context.Context, config Config, logger *slog.Logger) error
}

// =============================================================================
// Configuration Loading
// =============================================================================

// LoadConfig loads configuration from standard locations, merges with defaults,
// validates, and attempts to write a default config if needed. Non-fatal problems are
// reported as an error wrapping ErrConfig alongside a usable Config.
func LoadConfig(logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := getDefaultConfig()
	var loadedFromFile bool
	var loadErrors []error
	var configParseError error

	primaryPath, secondaryPath, pathErr := GetConfigPaths(logger)
	if pathErr != nil {
		loadErrors = append(loadErrors, pathErr)
		logger.Warn("Could not determine config paths, using defaults", "error", pathErr)
	}

	for _, path := range []string{primaryPath, secondaryPath} {
		if path == "" || (loadedFromFile && configParseError == nil) {
			continue
		}
		logger.Debug("Attempting to load config", "path", path)
		loaded, loadErr := LoadAndMergeConfig(path, &cfg, logger)
		if loadErr != nil {
			if configParseError == nil && errors.Is(loadErr, errConfigParse) {
				configParseError = loadErr
			}
			loadErrors = append(loadErrors, fmt.Errorf("loading %s failed: %w", path, loadErr))
			logger.Warn("Failed to load or merge config", "path", path, "error", loadErr)
			continue
		}
		if loaded {
			loadedFromFile = true
			configParseError = nil
			logger.Info("Loaded config", "path", path)
		}
	}

	if !loadedFromFile {
		writePath := primaryPath
		if writePath == "" {
			writePath = secondaryPath
		}
		if writePath != "" && configParseError == nil {
			logger.Info("No valid config file found. Attempting to write default.", "path", writePath)
			if err := WriteDefaultConfig(writePath, getDefaultConfig(), logger); err != nil {
				logger.Warn("Failed to write default config", "path", writePath, "error", err)
				loadErrors = append(loadErrors, fmt.Errorf("writing default config failed: %w", err))
			}
		} else if writePath == "" {
			logger.Warn("Cannot determine path to write default config.")
			loadErrors = append(loadErrors, errors.New("cannot determine default config path"))
		}
		cfg = getDefaultConfig()
		logger.Info("Using default configuration values.")
	}

	finalCfg := cfg
	if err := finalCfg.Validate(logger); err != nil {
		logger.Error("Final configuration is invalid, falling back to pure defaults.", "error", err)
		loadErrors = append(loadErrors, fmt.Errorf("post-load config validation failed: %w", err))
		pureDefault := getDefaultConfig()
		if valErr := pureDefault.Validate(logger); valErr != nil {
			return pureDefault, fmt.Errorf("default config definition is invalid: %w", valErr)
		}
		finalCfg = pureDefault
	}

	if len(loadErrors) > 0 {
		return finalCfg, fmt.Errorf("%w: %w", ErrConfig, errors.Join(loadErrors...))
	}
	return finalCfg, nil
}

// LoadConfigFromPath loads a single config file over the defaults and validates it.
// Unlike LoadConfig it never writes a default file and fails on any problem.
func LoadConfigFromPath(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := getDefaultConfig()
	loaded, err := LoadAndMergeConfig(path, &cfg, logger)
	if err != nil {
		return getDefaultConfig(), fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if !loaded {
		return getDefaultConfig(), fmt.Errorf("%w: config file %s not found", ErrConfig, path)
	}
	if err := cfg.Validate(logger); err != nil {
		return getDefaultConfig(), err
	}
	return cfg, nil
}

// =============================================================================
// Default Component Implementations
// =============================================================================

// --- Default LLM Client ---

// httpOllamaClient implements the LLMClient interface using HTTP requests to an Ollama server.
type httpOllamaClient struct {
	httpClient *http.Client
}

// newHttpOllamaClient creates a new Ollama client. The overall deadline comes from the
// request context, so only connection-level timeouts are set here.
func newHttpOllamaClient() *httpOllamaClient {
	return &httpOllamaClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				MaxIdleConns:          10,
				IdleConnTimeout:       30 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
	}
}

// CheckAvailability sends a simple request to the Ollama base URL to check reachability.
func (c *httpOllamaClient) CheckAvailability(ctx context.Context, config Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	checkLogger := logger.With("operation", "CheckAvailability", "url", config.OllamaURL)
	checkLogger.Debug("Checking Ollama availability")

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, config.OllamaURL, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to create check request: %w", ErrOllamaUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		checkLogger.Error("Failed to connect to Ollama for availability check", "error", err)
		return fmt.Errorf("%w: availability check failed: %w", ErrOllamaUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %w", ErrOllamaUnavailable, &OllamaError{Message: "availability check failed", Status: resp.StatusCode})
	}
	checkLogger.Debug("Ollama availability check successful", "status", resp.StatusCode)
	return nil
}

// RequestCorrection formats the correction prompt, streams the model output and returns it.
func (c *httpOllamaClient) RequestCorrection(ctx context.Context, promptText, sourceText string, config Config, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prompt := formatCorrectionPrompt(config, promptText, sourceText)
	reader, err := c.generateStream(ctx, prompt, config, logger)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := streamCorrection(ctx, reader, &buf, logger); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// generateStream sends a request to Ollama's /api/generate endpoint and returns the streaming response body.
func (c *httpOllamaClient) generateStream(ctx context.Context, prompt string, config Config, logger *slog.Logger) (io.ReadCloser, error) {
	opLogger := logger.With("operation", "GenerateStream", "model", config.Model)

	endpointURL := strings.TrimSuffix(config.OllamaURL, "/") + "/api/generate"
	u, err := url.Parse(endpointURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing Ollama URL '%s': %w", endpointURL, err)
	}

	payload := map[string]any{
		"model":  config.Model,
		"prompt": prompt,
		"stream": true,
		"options": map[string]any{
			"temperature": config.Temperature,
			"num_ctx":     8192,
			"top_p":       0.9,
			"num_predict": config.MaxTokens,
		},
	}
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshaling JSON payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(jsonPayload))
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	opLogger.Debug("Sending generate request to Ollama", "url", endpointURL)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			opLogger.Warn("Ollama generate request context cancelled", "url", endpointURL)
			return nil, context.Canceled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			opLogger.Error("Ollama generate request context deadline exceeded", "url", endpointURL)
			return nil, fmt.Errorf("%w: context deadline exceeded: %w", ErrOllamaUnavailable, context.DeadlineExceeded)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			opLogger.Error("Network timeout during Ollama generate request", "host", u.Host, "error", netErr)
			return nil, fmt.Errorf("%w: network timeout: %w", ErrOllamaUnavailable, netErr)
		}
		opLogger.Error("HTTP request to Ollama generate failed", "url", endpointURL, "error", err)
		return nil, fmt.Errorf("%w: http request failed: %w", ErrOllamaUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, readErr := io.ReadAll(resp.Body)
		bodyString := "(failed to read error response body)"
		if readErr == nil {
			bodyString = string(bodyBytes)
			var ollamaErrResp struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(bodyBytes, &ollamaErrResp) == nil && ollamaErrResp.Error != "" {
				bodyString = ollamaErrResp.Error
			}
		}
		apiErr := &OllamaError{Message: fmt.Sprintf("Ollama API request failed: %s", bodyString), Status: resp.StatusCode}
		opLogger.Error("Ollama API returned non-OK status", "status", resp.Status, "response_body", bodyString)
		if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %w", ErrOllamaUnavailable, apiErr)
		}
		return nil, apiErr
	}

	return resp.Body, nil
}

// formatCorrectionPrompt places the instruction and the source text into the template.
func formatCorrectionPrompt(config Config, promptText, sourceText string) string {
	tmpl := config.PromptTemplate
	if tmpl == "" {
		tmpl = correctionPromptTemplate
	}
	return fmt.Sprintf(tmpl, promptText, sourceText)
}

// =============================================================================
// Corrector Service
// =============================================================================

// Corrector orchestrates selection locking, prompt lookup, the LLM call and the splice
// of the result back into the document snapshot.
type Corrector struct {
	client      LLMClient    // Interface for interacting with the LLM backend.
	prompts     PromptSource // Resolves prompt ids to instruction text.
	promptStore *PromptStore // Owned store, closed by Close. Nil when prompts were injected.
	tasks       *TaskManager
	cache       *correctionCache
	config      Config       // Current active configuration
	configMu    sync.RWMutex // Protects config.
	logger      *slog.Logger
}

// CorrectorOption customizes a Corrector built by NewCorrectorWithConfig.
type CorrectorOption func(*Corrector)

// WithLLMClient replaces the default Ollama client.
func WithLLMClient(client LLMClient) CorrectorOption {
	return func(c *Corrector) { c.client = client }
}

// WithPromptSource replaces the default bbolt prompt store.
func WithPromptSource(src PromptSource) CorrectorOption {
	return func(c *Corrector) { c.prompts = src }
}

// WithTaskManager shares an existing TaskManager.
func WithTaskManager(tm *TaskManager) CorrectorOption {
	return func(c *Corrector) { c.tasks = tm }
}

// WithoutCache disables the in-memory correction cache.
func WithoutCache() CorrectorOption {
	return func(c *Corrector) {
		c.cache.Close()
		c.cache = nil
	}
}

// NewCorrector loads configuration from the standard locations and creates a Corrector.
// A non-fatal config problem is returned as an ErrConfig error alongside a usable Corrector.
func NewCorrector(logger *slog.Logger, opts ...CorrectorOption) (*Corrector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, configErr := LoadConfig(logger.With("service", "Corrector"))
	if configErr != nil && !errors.Is(configErr, ErrConfig) {
		return nil, configErr
	}
	c, err := NewCorrectorWithConfig(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	return c, configErr
}

// NewCorrectorWithConfig creates a Corrector with a specific config.
func NewCorrectorWithConfig(config Config, logger *slog.Logger, opts ...CorrectorOption) (*Corrector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	serviceLogger := logger.With("service", "Corrector")

	if err := config.Validate(serviceLogger); err != nil {
		return nil, fmt.Errorf("provided config validation failed: %w", err)
	}

	c := &Corrector{
		client: newHttpOllamaClient(),
		cache:  newCorrectionCache(serviceLogger),
		config: config,
		logger: serviceLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tasks == nil {
		c.tasks = NewTaskManager(WithTaskLogger(serviceLogger))
	}
	if c.prompts == nil {
		store, err := OpenPromptStore(config.PromptDBPath, serviceLogger)
		if err != nil {
			serviceLogger.Warn("Prompt store unavailable, using built-in prompts", "error", err)
		}
		c.promptStore = store
		c.prompts = store
	} else if store, ok := c.prompts.(*PromptStore); ok {
		c.promptStore = store
	}
	return c, nil
}

// Close releases the prompt store and the memory cache.
func (c *Corrector) Close() error {
	c.logger.Info("Closing Corrector service")
	c.cache.Close()
	if c.promptStore != nil {
		return c.promptStore.Close()
	}
	return nil
}

// UpdateConfig validates newConfig and swaps it in. An invalid config leaves the
// current one in place.
func (c *Corrector) UpdateConfig(newConfig Config) error {
	if err := newConfig.Validate(c.logger); err != nil {
		c.logger.Error("Invalid configuration provided for update", "error", err)
		return fmt.Errorf("invalid configuration update: %w", err)
	}

	c.configMu.Lock()
	c.config = newConfig
	c.configMu.Unlock()

	c.logger.Info("Corrector configuration updated",
		slog.Group("new_config",
			slog.String("ollama_url", newConfig.OllamaURL),
			slog.String("model", newConfig.Model),
			slog.Int("max_tokens", newConfig.MaxTokens),
			slog.Float64("temperature", newConfig.Temperature),
			slog.String("log_level", newConfig.LogLevel),
			slog.String("default_prompt_id", newConfig.DefaultPromptID),
			slog.Int("request_timeout_seconds", newConfig.RequestTimeoutSeconds),
			slog.Int("max_selection_len", newConfig.MaxSelectionLen),
			slog.Int("memory_cache_ttl_seconds", newConfig.MemoryCacheTTLSeconds),
		),
	)
	return nil
}

// GetCurrentConfig returns a copy of the current configuration.
func (c *Corrector) GetCurrentConfig() Config {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	return c.config
}

// Tasks returns the TaskManager guarding in-flight corrections.
func (c *Corrector) Tasks() *TaskManager { return c.tasks }

// Prompts returns the prompt source.
func (c *Corrector) Prompts() PromptSource { return c.prompts }

// PromptStore returns the bbolt prompt store, or nil when a custom source was injected.
func (c *Corrector) PromptStore() *PromptStore { return c.promptStore }

// CacheMetrics returns the correction cache counters, or nil when caching is disabled.
func (c *Corrector) CacheMetrics() *ristretto.Metrics { return c.cache.Metrics() }

// CheckAvailability reports whether the model backend is reachable.
func (c *Corrector) CheckAvailability(ctx context.Context) error {
	return c.client.CheckAvailability(ctx, c.GetCurrentConfig(), c.logger)
}

// Correct rewrites req.Selection in req.DocumentText. The selection is held as an active
// task for the whole round trip, so a concurrent Correct on an overlapping selection of
// the same document fails with ErrOverlappingSelection.
func (c *Corrector) Correct(ctx context.Context, req CorrectionRequest) (*CorrectionResult, error) {
	cfg := c.GetCurrentConfig()
	sel := req.Selection
	promptID := req.PromptID
	if promptID == "" {
		promptID = cfg.DefaultPromptID
	}
	opLogger := c.logger.With("operation", "Correct", "uri", sel.DocumentURI, "range", sel.Range.String(), "prompt", promptID)

	if !ValidateSelection(req.DocumentText, sel) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSelection, sel.Range)
	}
	if !SelectionOnRuneBoundaries(req.DocumentText, sel) {
		return nil, fmt.Errorf("%w: %s splits a multi-byte character", ErrInvalidSelection, sel.Range)
	}

	taskID, err := c.tasks.StartTask(sel)
	if err != nil {
		opLogger.Debug("Correction rejected", "error", err)
		return nil, err
	}
	completed := false
	defer func() {
		if completed {
			c.tasks.CompleteTask(taskID)
		} else {
			c.tasks.CancelTask(taskID)
		}
	}()
	opLogger = opLogger.With("task_id", taskID)

	original, err := ExtractSelectedText(req.DocumentText, sel)
	if err != nil {
		return nil, err
	}
	if err := checkSelectedText(original, cfg); err != nil {
		return nil, err
	}
	promptText, err := c.prompts.GetPrompt(promptID)
	if err != nil {
		return nil, err
	}

	corrected, hit, err := c.correctSpan(ctx, cfg, promptText, original, opLogger)
	if err != nil {
		return nil, err
	}
	newText, err := ReplaceTextInSelection(req.DocumentText, sel, corrected)
	if err != nil {
		return nil, err
	}

	completed = true
	opLogger.Info("Correction successful", "cache_hit", hit, "original_len", len(original), "corrected_len", len(corrected))
	return &CorrectionResult{
		TaskID:        taskID,
		Selection:     sel,
		PromptID:      promptID,
		OriginalText:  original,
		CorrectedText: corrected,
		DocumentText:  newText,
		CacheHit:      hit,
	}, nil
}

// CorrectMany rewrites several ranges of one document snapshot. Every range is
// registered as a task first, in input order, so a range overlapping an earlier one (or
// any other in-flight correction) fails individually with ErrOverlappingSelection. The
// model calls then run in parallel and the successful results are spliced from the last
// range to the first so earlier coordinates stay valid.
func (c *Corrector) CorrectMany(ctx context.Context, uri, documentText string, ranges []Range, promptID string) (*BatchResult, error) {
	cfg := c.GetCurrentConfig()
	if promptID == "" {
		promptID = cfg.DefaultPromptID
	}
	opLogger := c.logger.With("operation", "CorrectMany", "uri", uri, "ranges", len(ranges), "prompt", promptID)

	promptText, err := c.prompts.GetPrompt(promptID)
	if err != nil {
		return nil, err
	}

	items := make([]BatchItemResult, len(ranges))
	taskIDs := make([]string, len(ranges))
	originals := make([]string, len(ranges))
	for i, r := range ranges {
		items[i].Range = r
		sel := TextSelection{DocumentURI: uri, Range: r}
		original, err := ExtractSelectedText(documentText, sel)
		if err != nil {
			items[i].Err = err
			continue
		}
		if !SelectionOnRuneBoundaries(documentText, sel) {
			items[i].Err = fmt.Errorf("%w: %s splits a multi-byte character", ErrInvalidSelection, r)
			continue
		}
		if err := checkSelectedText(original, cfg); err != nil {
			items[i].Err = err
			continue
		}
		id, err := c.tasks.StartTask(sel)
		if err != nil {
			items[i].Err = err
			continue
		}
		taskIDs[i] = id
		originals[i] = original
	}
	defer func() {
		for i, id := range taskIDs {
			if id == "" {
				continue
			}
			if items[i].Err == nil {
				c.tasks.CompleteTask(id)
			} else {
				c.tasks.CancelTask(id)
			}
		}
	}()

	var g errgroup.Group
	g.SetLimit(defaultBatchConcurrencyLimit)
	for i := range ranges {
		if taskIDs[i] == "" {
			continue
		}
		i := i
		g.Go(func() error {
			itemLogger := opLogger.With("task_id", taskIDs[i], "range", ranges[i].String())
			corrected, hit, err := c.correctSpan(ctx, cfg, promptText, originals[i], itemLogger)
			if err != nil {
				items[i].Err = err
				return nil
			}
			items[i].Result = &CorrectionResult{
				TaskID:        taskIDs[i],
				Selection:     TextSelection{DocumentURI: uri, Range: ranges[i]},
				PromptID:      promptID,
				OriginalText:  originals[i],
				CorrectedText: corrected,
				CacheHit:      hit,
			}
			return nil
		})
	}
	_ = g.Wait()

	order := make([]int, 0, len(ranges))
	for i := range items {
		if items[i].Err == nil && items[i].Result != nil {
			order = append(order, i)
		}
	}
	sort.Slice(order, func(a, b int) bool {
		return ComparePositions(ranges[order[a]].Start, ranges[order[b]].Start) > 0
	})

	text := documentText
	applied := 0
	for _, i := range order {
		next, err := ReplaceTextInSelection(text, items[i].Result.Selection, items[i].Result.CorrectedText)
		if err != nil {
			items[i].Err = err
			items[i].Result = nil
			continue
		}
		text = next
		applied++
	}
	for i := range items {
		if items[i].Result != nil {
			items[i].Result.DocumentText = text
		}
	}

	opLogger.Info("Batch correction finished", "applied", applied)
	return &BatchResult{DocumentText: text, Items: items, Applied: applied}, ctx.Err()
}

// correctSpan returns the cleaned model rewrite of original, consulting the cache first.
func (c *Corrector) correctSpan(ctx context.Context, cfg Config, promptText, original string, logger *slog.Logger) (string, bool, error) {
	key := generateCacheKey(cfg, promptText, original)
	raw, hit, err := withMemoryCache(c.cache, key, cfg.MemoryCacheTTL, func() (string, error) {
		var out string
		apiCallFunc := func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			apiCtx, cancelApi := context.WithTimeout(ctx, cfg.RequestTimeout)
			defer cancelApi()
			logger.Debug("Requesting correction from LLM")
			res, apiErr := c.client.RequestCorrection(apiCtx, promptText, original, cfg, logger)
			if apiErr != nil {
				return apiErr
			}
			out = res
			return nil
		}
		if err := retry(ctx, apiCallFunc, maxRetries, retryDelay, logger); err != nil {
			return "", err
		}
		return out, nil
	})
	if err != nil {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		default:
		}
		logger.Error("Correction request failed", "error", err)
		return "", false, err
	}
	return cleanCorrection(original, raw), hit, nil
}

// checkSelectedText enforces the per-selection size limit and rejects blank spans.
func checkSelectedText(original string, cfg Config) error {
	if cfg.MaxSelectionLen > 0 && len(original) > cfg.MaxSelectionLen {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrSelectionTooLarge, len(original), cfg.MaxSelectionLen)
	}
	if strings.TrimSpace(original) == "" {
		return ErrEmptySelection
	}
	return nil
}
