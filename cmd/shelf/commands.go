package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/kalambet/shelf/internal/config"
	"github.com/kalambet/shelf/internal/ingest"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [isbn...]",
	Short: "Add books to the catalog",
	Long: `Add books to the catalog by ISBN, Open Library work key, or title search.

Examples:
  shelf ingest 9780441013593
  shelf ingest 9780441013593 9780553293357
  shelf ingest --work OL893415W
  shelf ingest --title "The Left Hand of Darkness" --author "Le Guin"
  shelf ingest --file isbns.txt
  shelf ingest --file library.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		refs, err := referencesFromFlags(cmd, args)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if len(refs) == 1 {
			resp, err := client.post(ctx, "/ingest", refs[0])
			if err != nil {
				return err
			}
			var out outcomeLine
			if err := decodeJSON(resp, &out); err != nil {
				return err
			}
			printOutcome(out)
			return nil
		}

		resp, err := client.post(ctx, "/ingest/batch", map[string]any{"items": refs})
		if err != nil {
			return err
		}
		var batch struct {
			Outcomes []outcomeLine `json:"outcomes"`
			Created  int           `json:"created"`
			Updated  int           `json:"updated"`
			Skipped  int           `json:"skipped"`
			Failed   int           `json:"failed"`
		}
		if err := decodeJSON(resp, &batch); err != nil {
			return err
		}
		for _, o := range batch.Outcomes {
			printOutcome(o)
		}
		fmt.Printf("%d created, %d updated, %d skipped, %d failed\n", batch.Created, batch.Updated, batch.Skipped, batch.Failed)
		if batch.Failed > 0 {
			return fmt.Errorf("%d of %d books failed", batch.Failed, len(batch.Outcomes))
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("work", "", "Open Library work key")
	ingestCmd.Flags().String("title", "", "title to search for")
	ingestCmd.Flags().String("author", "", "author to narrow a title search")
	ingestCmd.Flags().String("file", "", "file of ISBNs (one per line) or a JSON array of references")
}

type outcomeLine struct {
	Ref    string `json:"ref"`
	BookID string `json:"book_id"`
	Result string `json:"result"`
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

func printOutcome(o outcomeLine) {
	switch o.Result {
	case string(ingest.ResultFailed):
		msg := o.Reason
		if o.Error != "" {
			msg = o.Error
		}
		printError("%s: %s", o.Ref, msg)
	case string(ingest.ResultCreated), string(ingest.ResultUpdated):
		verb := strings.ToUpper(o.Result[:1]) + o.Result[1:]
		line := fmt.Sprintf("%s %s (%s)", verb, o.BookID, o.Ref)
		if o.Reason != "" {
			printWarning("%s: %s", line, o.Reason)
			return
		}
		printSuccess("%s", line)
	default:
		fmt.Printf("  %s %s (%s)\n", o.Result, o.BookID, o.Ref)
	}
}

func referencesFromFlags(cmd *cobra.Command, args []string) ([]ingest.Reference, error) {
	work, _ := cmd.Flags().GetString("work")
	title, _ := cmd.Flags().GetString("title")
	author, _ := cmd.Flags().GetString("author")
	file, _ := cmd.Flags().GetString("file")

	var refs []ingest.Reference
	for _, isbn := range args {
		refs = append(refs, ingest.Reference{Kind: ingest.KindISBN, ISBN: isbn})
	}
	if work != "" {
		refs = append(refs, ingest.Reference{Kind: ingest.KindWork, WorkKey: work})
	}
	if title != "" {
		refs = append(refs, ingest.Reference{Kind: ingest.KindQuery, Title: title, Author: author})
	} else if author != "" {
		return nil, fmt.Errorf("--author requires --title")
	}
	if file != "" {
		fromFile, err := readReferenceFile(file)
		if err != nil {
			return nil, err
		}
		refs = append(refs, fromFile...)
	}

	if len(refs) == 0 {
		return nil, fmt.Errorf("an ISBN argument or one of --work, --title, --file is required")
	}
	return refs, nil
}

// readReferenceFile accepts either a JSON array of references or plain text
// with one ISBN per line; blank lines and # comments are skipped.
func readReferenceFile(path string) ([]ingest.Reference, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "[") {
		var refs []ingest.Reference
		if err := json.Unmarshal(data, &refs); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return refs, nil
	}

	var refs []ingest.Reference
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, ingest.Reference{Kind: ingest.KindISBN, ISBN: line})
	}
	return refs, sc.Err()
}

// --- recommend ---

var recommendCmd = &cobra.Command{
	Use:   "recommend [prompt]",
	Short: "Recommend books from liked books and/or a prompt",
	Long: `Recommend books similar to the ones you liked, matching a free-text prompt,
or both.

Examples:
  shelf recommend "slow-burn space opera with political intrigue"
  shelf recommend --liked isbn:9780441013593
  shelf recommend --liked isbn:9780441013593 "but shorter" --top-k 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		liked, _ := cmd.Flags().GetStringSlice("liked")
		topK, _ := cmd.Flags().GetInt("top-k")
		includeDisliked, _ := cmd.Flags().GetBool("include-disliked")
		noExplain, _ := cmd.Flags().GetBool("no-explain")
		asJSON, _ := cmd.Flags().GetBool("json")

		prompt := strings.TrimSpace(strings.Join(args, " "))
		if len(liked) == 0 && prompt == "" {
			return fmt.Errorf("a prompt or --liked is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/recommend", map[string]any{
			"liked_ids":        liked,
			"prompt":           prompt,
			"top_k":            topK,
			"include_disliked": includeDisliked,
			"skip_explain":     noExplain,
		})
		if err != nil {
			return err
		}

		var out struct {
			Recommendations []recommendationLine `json:"recommendations"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out.Recommendations)
		}
		writeRecommendations(os.Stdout, out.Recommendations)
		return nil
	},
}

func init() {
	recommendCmd.Flags().StringSlice("liked", nil, "catalog ids of liked books (repeatable or comma-separated)")
	recommendCmd.Flags().Int("top-k", 0, "number of results (default from config)")
	recommendCmd.Flags().Bool("include-disliked", false, "keep books rated negatively")
	recommendCmd.Flags().Bool("no-explain", false, "skip LLM explanations")
	recommendCmd.Flags().Bool("json", false, "print raw JSON")
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback <book-id> <value>",
	Short: "Rate a book between -1 and 1 (0 clears)",
	Long: `Rate a book. Positive values nudge similar books up, negative values push
the book itself down and, by default, out of results.

Examples:
  shelf feedback isbn:9780441013593 1
  shelf feedback isbn:9780441013593 -0.5
  shelf feedback isbn:9780441013593 0`,
	// Negative ratings would otherwise parse as shorthand flags.
	DisableFlagParsing: true,
	Args:               cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil || value < -1 || value > 1 {
			return fmt.Errorf("value must be a number between -1 and 1, got %q", args[1])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/books/"+url.PathEscape(args[0])+"/feedback", map[string]any{"value": value})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		if value == 0 {
			printSuccess("Cleared feedback for %s", args[0])
		} else {
			printSuccess("Recorded %+.2f for %s", value, args[0])
		}
		return nil
	},
}

// --- books ---

var booksCmd = &cobra.Command{
	Use:   "books",
	Short: "Browse and manage the catalog",
}

var booksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog books",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		query, _ := cmd.Flags().GetString("query")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		params := url.Values{}
		if status != "" {
			params.Set("status", status)
		}
		if query != "" {
			params.Set("q", query)
		}
		params.Set("limit", strconv.Itoa(limit))
		if offset > 0 {
			params.Set("offset", strconv.Itoa(offset))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/books?"+params.Encode())
		if err != nil {
			return err
		}
		var books []bookLine
		if err := decodeJSON(resp, &books); err != nil {
			return err
		}
		writeBooks(os.Stdout, books)
		return nil
	},
}

var booksShowCmd = &cobra.Command{
	Use:   "show <book-id>",
	Short: "Show one book as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/books/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var book any
		if err := decodeJSON(resp, &book); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(book)
	},
}

var booksRemoveCmd = &cobra.Command{
	Use:     "remove <book-id>",
	Aliases: []string{"rm"},
	Short:   "Remove a book, its embedding and its feedback",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/books/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Removed %s", args[0])
		return nil
	},
}

func init() {
	booksListCmd.Flags().String("status", "", "filter by status: pending, ready, failed")
	booksListCmd.Flags().StringP("query", "q", "", "match title or author")
	booksListCmd.Flags().Int("limit", 50, "maximum number of books")
	booksListCmd.Flags().Int("offset", 0, "skip this many books")

	booksCmd.AddCommand(booksListCmd, booksShowCmd, booksRemoveCmd)
}

// --- reembed ---

var reembedCmd = &cobra.Command{
	Use:   "reembed [book-id...]",
	Short: "Retry embedding failed books (or the given ones)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var body any
		if len(args) > 0 {
			body = map[string]any{"ids": args}
		}
		resp, err := client.post(cmd.Context(), "/reembed", body)
		if err != nil {
			return err
		}
		var res struct {
			Requeued  int `json:"requeued"`
			Attempted int `json:"attempted"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if res.Requeued == 0 {
			fmt.Println("Nothing to re-embed.")
			return nil
		}
		printSuccess("Requeued %d books, retried %d", res.Requeued, res.Attempted)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(strings.Join(config.ValidKeys(), "\n"))
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configKeysCmd)
}
