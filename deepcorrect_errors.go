// deepcorrect/errors.go
// Contains exported error definitions for the deepcorrect package.
package deepcorrect

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Exported Errors
// =============================================================================

var (
	// ErrOverlappingSelection indicates a selection overlaps a correction that is already
	// in flight for the same document. Use errors.As with *OverlappingSelectionError to
	// get the conflicting tasks.
	ErrOverlappingSelection = errors.New("selection overlaps an active correction")

	// ErrInvalidSelection indicates selection bounds fall outside the document text or
	// start after they end.
	ErrInvalidSelection = errors.New("invalid selection bounds")

	// ErrEmptySelection indicates the selected span contains only whitespace.
	ErrEmptySelection = errors.New("selection is empty")

	// ErrSelectionTooLarge indicates the selected span exceeds max_selection_len.
	ErrSelectionTooLarge = errors.New("selection exceeds maximum length")

	// ErrStaleDocument indicates the document changed underneath a correction and the
	// original span can no longer be found at its coordinates.
	ErrStaleDocument = errors.New("document changed during correction")

	// ErrDocumentNotOpen indicates an LSP request referenced a document the client never opened.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrOllamaUnavailable indicates failure communicating with the Ollama API.
	ErrOllamaUnavailable = errors.New("ollama API unavailable")

	// ErrStreamProcessing indicates an error reading or processing the LLM response stream.
	ErrStreamProcessing = errors.New("error processing LLM stream")

	// ErrConfig indicates non-fatal errors during config loading or processing.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidConfig indicates a configuration value is invalid after validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrPromptNotFound indicates no prompt template exists for the requested id.
	ErrPromptNotFound = errors.New("prompt not found")

	// ErrPromptStore indicates the persistent prompt store failed or is unavailable.
	ErrPromptStore = errors.New("prompt store operation failed")

	// ErrPositionConversion indicates failure converting between position formats (e.g., LSP <-> byte offset).
	ErrPositionConversion = errors.New("position conversion failed")

	// ErrInvalidPositionInput indicates input position values (line/col) are invalid.
	ErrInvalidPositionInput = errors.New("invalid input position")

	// ErrPositionOutOfRange indicates a position is outside the valid bounds of the file or line.
	ErrPositionOutOfRange = errors.New("position out of range")

	// ErrInvalidUTF8 indicates an invalid UTF-8 sequence was encountered during processing.
	ErrInvalidUTF8 = errors.New("invalid utf-8 sequence")

	// ErrInvalidURI indicates a document URI is invalid or uses an unsupported scheme.
	ErrInvalidURI = errors.New("invalid document URI")
)

// OverlappingSelectionError is returned by TaskManager.StartTask when the requested
// selection overlaps one or more active tasks in the same document.
type OverlappingSelectionError struct {
	Selection TextSelection
	Conflicts []ActiveTask
}

func (e *OverlappingSelectionError) Error() string {
	ids := make([]string, 0, len(e.Conflicts))
	for _, t := range e.Conflicts {
		ids = append(ids, t.ID)
	}
	return fmt.Sprintf("%s: %s %s conflicts with task(s) [%s]",
		ErrOverlappingSelection.Error(), e.Selection.DocumentURI, e.Selection.Range, strings.Join(ids, ", "))
}

// Is lets errors.Is(err, ErrOverlappingSelection) match.
func (e *OverlappingSelectionError) Is(target error) bool {
	return target == ErrOverlappingSelection
}
