// deepcorrect/helpers_prompts.go
// Prompt template lookup backed by a bbolt store, with built-in fallbacks.
package deepcorrect

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"
)

var promptBucketName = []byte("Prompts")

// PromptSource resolves a prompt id to its instruction text.
type PromptSource interface {
	GetPrompt(id string) (string, error)
}

// builtInPrompts are always available, even without a prompt database.
var builtInPrompts = []Prompt{
	{
		ID:   "proofread",
		Name: "Proofread",
		Text: "Fix spelling, grammar and punctuation in the following text. Keep the meaning, tone and formatting unchanged.",
	},
	{
		ID:   "formal",
		Name: "Make formal",
		Text: "Rewrite the following text in a formal, professional register. Keep the meaning unchanged.",
	},
	{
		ID:   "concise",
		Name: "Make concise",
		Text: "Rewrite the following text to be shorter and clearer without losing information.",
	},
	{
		ID:   "translate-en",
		Name: "Translate to English",
		Text: "Translate the following text into natural English. If it is already English, return it unchanged.",
	},
}

// PromptStore persists prompt templates in bbolt. A store without a database serves
// only the built-in prompts and rejects writes with ErrPromptStore.
type PromptStore struct {
	mu     sync.RWMutex
	db     *bbolt.DB
	logger *slog.Logger
}

// defaultPromptDBPath returns the prompt database location under the user config dir.
func defaultPromptDBPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, configDirName, defaultPromptDBFileName), nil
}

// OpenPromptStore opens (creating if needed) the prompt database at path and seeds the
// built-in prompts. An empty path selects the default location. If the database cannot
// be opened the returned store still serves built-ins and the error is wrapped in
// ErrPromptStore.
func OpenPromptStore(path string, logger *slog.Logger) (*PromptStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	storeLogger := logger.With("component", "PromptStore")
	store := &PromptStore{logger: storeLogger}

	if path == "" {
		p, err := defaultPromptDBPath()
		if err != nil {
			storeLogger.Warn("Prompt database disabled, serving built-in prompts only.", "error", err)
			return store, fmt.Errorf("%w: %w", ErrPromptStore, err)
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		storeLogger.Warn("Could not create prompt database directory, serving built-in prompts only.", "path", path, "error", err)
		return store, fmt.Errorf("%w: %w", ErrPromptStore, err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		storeLogger.Warn("Failed to open prompt database, serving built-in prompts only.", "path", path, "error", err)
		return store, fmt.Errorf("%w: open %s: %w", ErrPromptStore, path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(promptBucketName)
		if err != nil {
			return fmt.Errorf("failed to create prompt bucket %s: %w", string(promptBucketName), err)
		}
		for _, p := range builtInPrompts {
			if b.Get([]byte(p.ID)) != nil {
				continue
			}
			p.BuiltIn = true
			p.UpdatedTime = time.Now()
			data, err := encodePrompt(p)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(p.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		storeLogger.Warn("Failed to seed prompt database, serving built-in prompts only.", "error", err)
		db.Close()
		return store, fmt.Errorf("%w: %w", ErrPromptStore, err)
	}

	storeLogger.Info("Using prompt database", "path", path, "schema_version", promptSchemaVersion)
	store.db = db
	return store, nil
}

// NewBuiltInPromptStore returns a store that serves only the built-in prompts.
func NewBuiltInPromptStore(logger *slog.Logger) *PromptStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptStore{logger: logger.With("component", "PromptStore")}
}

// Persistent reports whether the store is backed by a database.
func (s *PromptStore) Persistent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

// GetPrompt implements PromptSource.
func (s *PromptStore) GetPrompt(id string) (string, error) {
	p, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return p.Text, nil
}

// Get returns the prompt with the given id.
func (s *PromptStore) Get(id string) (Prompt, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	if db != nil {
		var p Prompt
		var found bool
		err := db.View(func(tx *bbolt.Tx) error {
			b := tx.Bucket(promptBucketName)
			if b == nil {
				return fmt.Errorf("%w: bucket %s not found", ErrPromptStore, string(promptBucketName))
			}
			data := b.Get([]byte(id))
			if data == nil {
				return nil
			}
			decoded, ok, err := decodePrompt(data)
			if err != nil {
				return err
			}
			if ok {
				p, found = decoded, true
			}
			return nil
		})
		if err != nil {
			return Prompt{}, err
		}
		if found {
			return p, nil
		}
	}

	for _, p := range builtInPrompts {
		if p.ID == id {
			p.BuiltIn = true
			return p, nil
		}
	}
	return Prompt{}, fmt.Errorf("%w: %q", ErrPromptNotFound, id)
}

// List returns every prompt ordered by id. Built-ins are included even without a database.
func (s *PromptStore) List() ([]Prompt, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	byID := make(map[string]Prompt, len(builtInPrompts))
	for _, p := range builtInPrompts {
		p.BuiltIn = true
		byID[p.ID] = p
	}

	if db != nil {
		err := db.View(func(tx *bbolt.Tx) error {
			b := tx.Bucket(promptBucketName)
			if b == nil {
				return nil
			}
			return b.ForEach(func(k, v []byte) error {
				p, ok, err := decodePrompt(v)
				if err != nil {
					s.logger.Warn("Skipping undecodable prompt record", "id", string(k), "error", err)
					return nil
				}
				if ok {
					byID[p.ID] = p
				}
				return nil
			})
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPromptStore, err)
		}
	}

	out := make([]Prompt, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put inserts or replaces a prompt.
func (s *PromptStore) Put(p Prompt) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return fmt.Errorf("%w: prompt id cannot be empty", ErrPromptStore)
	}
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: prompt %q has empty text", ErrPromptStore, p.ID)
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	p.UpdatedTime = time.Now()

	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return fmt.Errorf("%w: no prompt database", ErrPromptStore)
	}

	data, err := encodePrompt(p)
	if err != nil {
		return err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(promptBucketName)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.ID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: put %q: %w", ErrPromptStore, p.ID, err)
	}
	s.logger.Debug("Prompt saved", "id", p.ID)
	return nil
}

// Delete removes a prompt. Deleting a built-in only removes any stored override.
func (s *PromptStore) Delete(id string) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return fmt.Errorf("%w: no prompt database", ErrPromptStore)
	}

	var existed bool
	err := db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(promptBucketName)
		if b == nil {
			return nil
		}
		existed = b.Get([]byte(id)) != nil
		return b.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %q: %w", ErrPromptStore, id, err)
	}
	if !existed {
		return fmt.Errorf("%w: %q", ErrPromptNotFound, id)
	}
	s.logger.Debug("Prompt deleted", "id", id)
	return nil
}

// promptFile is the YAML document layout used by ImportYAML and ExportYAML.
type promptFile struct {
	Prompts []Prompt `yaml:"prompts"`
}

// ImportYAML stores every prompt in a YAML document of the form `prompts: [{id, name, text}]`
// and returns how many were stored.
func (s *PromptStore) ImportYAML(r io.Reader) (int, error) {
	var pf promptFile
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: parsing prompt YAML: %w", ErrPromptStore, err)
	}
	var errs []error
	n := 0
	for _, p := range pf.Prompts {
		if err := s.Put(p); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// ExportYAML writes every prompt as a YAML document readable by ImportYAML.
func (s *PromptStore) ExportYAML(w io.Writer) error {
	prompts, err := s.List()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(promptFile{Prompts: prompts}); err != nil {
		return fmt.Errorf("%w: encoding prompt YAML: %w", ErrPromptStore, err)
	}
	return enc.Close()
}

// Close releases the database handle.
func (s *PromptStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	s.logger.Info("Closing prompt database.")
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("%w: close: %w", ErrPromptStore, err)
	}
	return nil
}

func encodePrompt(p Prompt) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(storedPrompt{SchemaVersion: promptSchemaVersion, Prompt: p}); err != nil {
		return nil, fmt.Errorf("%w: encoding prompt %q: %w", ErrPromptStore, p.ID, err)
	}
	return buf.Bytes(), nil
}

// decodePrompt returns ok=false for records written under another schema version.
func decodePrompt(data []byte) (Prompt, bool, error) {
	var sp storedPrompt
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&sp); err != nil {
		return Prompt{}, false, fmt.Errorf("%w: decoding prompt: %w", ErrPromptStore, err)
	}
	if sp.SchemaVersion != promptSchemaVersion {
		return Prompt{}, false, nil
	}
	return sp.Prompt, true, nil
}
