package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehackedyou/deepcorrect"
)

var (
	filePath   string
	rangeFlags []string
	promptID   string
	writeBack  bool
	timeout    time.Duration
)

// correctCmd rewrites one or more ranges of a file
var correctCmd = &cobra.Command{
	Use:   "correct",
	Short: "Correct one or more ranges of a file",
	Long: `Send each --range of the file to the model and splice the rewrites back.

Ranges are zero-based "line:char-line:char" with byte offsets for char, so a range
must not end inside a multi-byte UTF-8 character. Ranges must not overlap; an
overlapping range is reported and skipped while the others are corrected.
The corrected document is printed to stdout unless --write is given.`,
	Example: `  deepcorrect correct --file notes.md --range 3:0-5:12 --prompt concise
  deepcorrect correct --file notes.md --range 0:0-0:40 --range 10:0-12:0 --write`,
	RunE: runCorrect,
}

// extractCmd prints the text covered by ranges
var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Print the text of one or more ranges of a file",
	RunE:  runExtract,
}

func init() {
	for _, cmd := range []*cobra.Command{correctCmd, extractCmd} {
		cmd.Flags().StringVarP(&filePath, "file", "f", "", "Path to the text file (required)")
		cmd.Flags().StringArrayVarP(&rangeFlags, "range", "r", nil, "Range as line:char-line:char (repeatable, required)")
		_ = cmd.MarkFlagRequired("file")
		_ = cmd.MarkFlagRequired("range")
	}
	correctCmd.Flags().StringVarP(&promptID, "prompt", "p", "", "Prompt id (default: config default_prompt_id)")
	correctCmd.Flags().BoolVarP(&writeBack, "write", "w", false, "Write the result back to the file")
	correctCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall timeout")
}

// readTarget loads the file and parses every --range flag.
func readTarget() (absPath, uri, text string, ranges []deepcorrect.Range, err error) {
	absPath, err = deepcorrect.ValidateAndGetFilePath(filePath, slog.Default())
	if err != nil {
		return "", "", "", nil, err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", "", "", nil, fmt.Errorf("reading %s: %w", absPath, err)
	}
	uri, err = deepcorrect.PathToURI(absPath)
	if err != nil {
		return "", "", "", nil, err
	}
	text = string(data)
	for _, rf := range rangeFlags {
		r, err := deepcorrect.ParseRange(rf)
		if err != nil {
			return "", "", "", nil, fmt.Errorf("--range %q: %w", rf, err)
		}
		sel := deepcorrect.TextSelection{DocumentURI: uri, Range: r}
		if deepcorrect.ValidateSelection(text, sel) && !deepcorrect.SelectionOnRuneBoundaries(text, sel) {
			return "", "", "", nil, fmt.Errorf("--range %q: %w: char offsets are bytes and this one splits a multi-byte character", rf, deepcorrect.ErrInvalidSelection)
		}
		ranges = append(ranges, r)
	}
	return absPath, uri, text, ranges, nil
}

func runCorrect(cmd *cobra.Command, args []string) error {
	absPath, uri, text, ranges, err := readTarget()
	if err != nil {
		return err
	}
	c, err := getCorrector()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	spinner := deepcorrect.NewSpinner()
	spinner.Start(fmt.Sprintf("Correcting %d range(s)...", len(ranges)))
	res, err := c.CorrectMany(ctx, uri, text, ranges, promptID)
	spinner.Stop()
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("correction timed out after %s", timeout)
		case errors.Is(err, deepcorrect.ErrPromptNotFound):
			return fmt.Errorf("%w (see 'deepcorrect prompts list')", err)
		}
		if res == nil {
			return err
		}
		slog.Warn("Batch correction interrupted", "error", err)
	}

	failed := 0
	for _, item := range res.Items {
		if item.Err != nil {
			failed++
			deepcorrect.PrettyPrint(deepcorrect.ColorYellow, fmt.Sprintf("range %s: %v\n", item.Range, item.Err))
			continue
		}
		slog.Debug("Range corrected", "range", item.Range.String(), "cache_hit", item.Result.CacheHit)
	}

	if writeBack {
		if res.Applied > 0 {
			info, statErr := os.Stat(absPath)
			if statErr != nil {
				return statErr
			}
			if err := os.WriteFile(absPath, []byte(res.DocumentText), info.Mode().Perm()); err != nil {
				return fmt.Errorf("writing %s: %w", absPath, err)
			}
		}
		deepcorrect.PrettyPrint(deepcorrect.ColorGreen, fmt.Sprintf("%d of %d range(s) corrected in %s\n", res.Applied, len(ranges), absPath))
	} else {
		fmt.Fprint(cmd.OutOrStdout(), res.DocumentText)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d range(s) failed", failed, len(ranges))
	}
	return nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	_, uri, text, ranges, err := readTarget()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for i, r := range ranges {
		selected, err := deepcorrect.ExtractSelectedText(text, deepcorrect.TextSelection{DocumentURI: uri, Range: r})
		if err != nil {
			return fmt.Errorf("range %s: %w", r, err)
		}
		if len(ranges) > 1 {
			if i > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "--- %s\n", r)
		}
		fmt.Fprint(out, selected)
	}
	return nil
}
