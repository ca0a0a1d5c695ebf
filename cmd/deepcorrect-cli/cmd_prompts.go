package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shehackedyou/deepcorrect"
)

var (
	promptName     string
	promptText     string
	promptTextFile string
)

// promptsCmd manages stored prompt templates
var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Manage prompt templates",
	Long: `Manage the prompt templates used by correct and by the language server.

Available subcommands:
  list   - List built-in and stored prompts
  add    - Add or replace a prompt
  remove - Remove a stored prompt
  import - Import prompts from a YAML file
  export - Export prompts as YAML`,
}

var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in and stored prompts",
	Args:  cobra.NoArgs,
	RunE:  runPromptsList,
}

var promptsAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add or replace a prompt",
	Args:  cobra.ExactArgs(1),
	RunE:  runPromptsAdd,
}

var promptsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a stored prompt",
	Args:  cobra.ExactArgs(1),
	RunE:  runPromptsRemove,
}

var promptsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import prompts from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPromptsImport,
}

var promptsExportCmd = &cobra.Command{
	Use:   "export [file.yaml]",
	Short: "Export prompts as YAML (stdout when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPromptsExport,
}

func init() {
	promptsAddCmd.Flags().StringVar(&promptName, "name", "", "Display name (default: the id)")
	promptsAddCmd.Flags().StringVar(&promptText, "text", "", "Instruction text")
	promptsAddCmd.Flags().StringVar(&promptTextFile, "text-file", "", "Read the instruction text from a file")
	promptsAddCmd.MarkFlagsMutuallyExclusive("text", "text-file")
	promptsAddCmd.MarkFlagsOneRequired("text", "text-file")

	promptsCmd.AddCommand(promptsListCmd, promptsAddCmd, promptsRemoveCmd, promptsImportCmd, promptsExportCmd)
}

// getPromptStore returns the corrector's prompt database.
func getPromptStore() (*deepcorrect.PromptStore, error) {
	c, err := getCorrector()
	if err != nil {
		return nil, err
	}
	store := c.PromptStore()
	if store == nil {
		return nil, fmt.Errorf("%w: prompt store unavailable", deepcorrect.ErrPromptStore)
	}
	return store, nil
}

func runPromptsList(cmd *cobra.Command, args []string) error {
	store, err := getPromptStore()
	if err != nil {
		return err
	}
	prompts, err := store.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSOURCE")
	for _, p := range prompts {
		source := "stored"
		if p.BuiltIn {
			source = "built-in"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Name, source)
	}
	if !store.Persistent() {
		fmt.Fprintln(cmd.ErrOrStderr(), "note: prompt database unavailable, showing built-in prompts only")
	}
	return tw.Flush()
}

func runPromptsAdd(cmd *cobra.Command, args []string) error {
	store, err := getPromptStore()
	if err != nil {
		return err
	}
	text := promptText
	if promptTextFile != "" {
		data, err := os.ReadFile(promptTextFile)
		if err != nil {
			return fmt.Errorf("reading %s: %w", promptTextFile, err)
		}
		text = string(data)
	}
	p := deepcorrect.Prompt{ID: args[0], Name: promptName, Text: strings.TrimSpace(text)}
	if err := store.Put(p); err != nil {
		return err
	}
	deepcorrect.PrettyPrint(deepcorrect.ColorGreen, fmt.Sprintf("Saved prompt %q\n", p.ID))
	return nil
}

func runPromptsRemove(cmd *cobra.Command, args []string) error {
	store, err := getPromptStore()
	if err != nil {
		return err
	}
	if err := store.Delete(args[0]); err != nil {
		return err
	}
	deepcorrect.PrettyPrint(deepcorrect.ColorGreen, fmt.Sprintf("Removed prompt %q\n", args[0]))
	return nil
}

func runPromptsImport(cmd *cobra.Command, args []string) error {
	store, err := getPromptStore()
	if err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := store.ImportYAML(f)
	deepcorrect.PrettyPrint(deepcorrect.ColorGreen, fmt.Sprintf("Imported %d prompt(s)\n", n))
	return err
}

func runPromptsExport(cmd *cobra.Command, args []string) error {
	store, err := getPromptStore()
	if err != nil {
		return err
	}
	var w io.Writer = cmd.OutOrStdout()
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return store.ExportYAML(w)
}
