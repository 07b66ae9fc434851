package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/markdave123-py/pagewise/internal/core"
	"github.com/markdave123-py/pagewise/internal/core/retrieval"
)

const (
	PageSearchTool     = "pageSearch"
	SemanticSearchTool = "semanticSearch"

	noPageContent  = "Page not in range - no content found for this page number."
	noQueryContent = "No content found for this query."
)

// Tool is something the model may call during a turn. Run returns the model-facing payload;
// an error means the tool itself broke.
type Tool interface {
	Spec() core.ToolSpec
	Run(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Lookup is the retrieval surface the document tools need.
type Lookup interface {
	PageLookup(ctx context.Context, documentID, userID string, page int) ([]retrieval.Result, error)
	SemanticLookup(ctx context.Context, documentID, userID, query string) ([]retrieval.Result, error)
}

// DocumentTools returns pageSearch and semanticSearch bound to one document and its owner.
func DocumentTools(lookup Lookup, documentID, userID string) []Tool {
	return []Tool{
		&pageSearch{lookup: lookup, documentID: documentID, userID: userID},
		&semanticSearch{lookup: lookup, documentID: documentID, userID: userID},
	}
}

type pageSearch struct {
	lookup             Lookup
	documentID, userID string
}

func (t *pageSearch) Spec() core.ToolSpec {
	return core.ToolSpec{
		Name:        PageSearchTool,
		Description: "Search for document content by page number. Use this when you need to read a specific page or section of the PDF.",
		Params: []core.ToolParam{
			{Name: "page", Type: "integer", Description: "The page number to retrieve content from", Required: true},
		},
	}
}

func (t *pageSearch) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	page, err := intArg(args, "page")
	if err != nil {
		return nil, err
	}
	results, err := t.lookup.PageLookup(ctx, t.documentID, t.userID, page)
	if errors.Is(err, core.ErrNoContent) {
		return map[string]any{"error": noPageContent}, nil
	}
	if err != nil {
		return nil, err
	}
	return resultsPayload(results), nil
}

type semanticSearch struct {
	lookup             Lookup
	documentID, userID string
}

func (t *semanticSearch) Spec() core.ToolSpec {
	return core.ToolSpec{
		Name:        SemanticSearchTool,
		Description: "Search the document using a semantic query. Use this when you need to find information about a specific topic but don't know which page it's on.",
		Params: []core.ToolParam{
			{Name: "query", Type: "string", Description: "A descriptive search query to find relevant document sections", Required: true},
		},
	}
}

func (t *semanticSearch) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, fmt.Errorf("argument %q must be a non-empty string", "query")
	}
	results, err := t.lookup.SemanticLookup(ctx, t.documentID, t.userID, query)
	if errors.Is(err, core.ErrNoContent) {
		return map[string]any{"error": noQueryContent}, nil
	}
	if err != nil {
		return nil, err
	}
	return resultsPayload(results), nil
}

// resultsPayload keeps to plain maps and slices so any provider can serialise it.
func resultsPayload(results []retrieval.Result) map[string]any {
	items := make([]any, len(results))
	for n, r := range results {
		items[n] = map[string]any{"content": r.Content, "startPage": r.StartPage, "endPage": r.EndPage}
	}
	return map[string]any{"results": items}
}

// intArg accepts the numeric shapes a decoded JSON argument can take.
func intArg(args map[string]any, name string) (int, error) {
	switch v := args[name].(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("argument %q must be an integer, got %v", name, v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	case string:
		return strconv.Atoi(v)
	case nil:
		return 0, fmt.Errorf("missing argument %q", name)
	default:
		return 0, fmt.Errorf("argument %q has unsupported type %T", name, v)
	}
}
