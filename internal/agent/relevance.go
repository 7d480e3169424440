package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dungeon-agent/internal/domain"
)

var relevanceSchema = domain.ResponseSchema{
	Name: "relevant_elements",
	Fields: []domain.SchemaField{
		{
			Name:        "relevant_items",
			Type:        domain.FieldArray,
			Description: "Items relevant to the action and scene. Empty if none are relevant.",
			Nullable:    true,
		},
	},
}

// FilterInput is the shared input of every relevance filter.
type FilterInput struct {
	Sheet   domain.CharacterSheet
	Context string
	Action  string
}

// Filter reduces one category of the character sheet to the items relevant
// to the current action.
type Filter struct {
	category  domain.Category
	completer Completer
}

func NewFilter(category domain.Category, c Completer) (*Filter, error) {
	if c == nil {
		return nil, errors.New("agent: completer must not be nil")
	}
	if !validCategory(category) {
		return nil, fmt.Errorf("agent: unknown category %q", category)
	}
	return &Filter{category: category, completer: c}, nil
}

func (f *Filter) Category() domain.Category {
	return f.category
}

// Run filters the category. A blank trait has nothing to select from and is
// answered without a completion call.
func (f *Filter) Run(ctx context.Context, in FilterInput) (domain.RelevanceResult, error) {
	data := strings.TrimSpace(in.Sheet.Trait(f.category))
	if data == "" {
		return domain.RelevanceResult{}, nil
	}
	raw, err := f.completer.CompleteStructured(ctx, filterMessages(f.category, data, in), relevanceSchema)
	if err != nil {
		return domain.RelevanceResult{}, fmt.Errorf("agent: %s filter completion: %w", f.category, err)
	}
	res, err := decodeStrict[domain.RelevanceResult](raw, string(f.category)+" relevance")
	if err != nil {
		return domain.RelevanceResult{}, err
	}
	var items []string
	for _, it := range res.Items {
		if it = strings.TrimSpace(it); it != "" {
			items = append(items, it)
		}
	}
	return domain.RelevanceResult{Items: items}, nil
}

// Relevance is the read-only result of a FilterSet run.
type Relevance struct {
	results map[domain.Category]domain.RelevanceResult
}

// NewRelevance builds a Relevance from per-category results. The map is
// copied.
func NewRelevance(results map[domain.Category]domain.RelevanceResult) Relevance {
	cp := make(map[domain.Category]domain.RelevanceResult, len(results))
	for c, r := range results {
		cp[c] = r
	}
	return Relevance{results: cp}
}

// Get returns the result of one category.
func (r Relevance) Get(c domain.Category) domain.RelevanceResult {
	return r.results[c]
}

// NonEmpty lists the categories with at least one relevant item, in
// domain.Categories order.
func (r Relevance) NonEmpty() []domain.Category {
	var out []domain.Category
	for _, c := range domain.Categories {
		if !r.results[c].Empty() {
			out = append(out, c)
		}
	}
	return out
}

// FilterSet runs one filter per category concurrently.
type FilterSet struct {
	filters []*Filter
	logger  *zap.Logger
}

// NewFilterSet builds a filter for every category in domain.Categories.
func NewFilterSet(c Completer, logger *zap.Logger) (*FilterSet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fs := &FilterSet{logger: logger}
	for _, category := range domain.Categories {
		f, err := NewFilter(category, c)
		if err != nil {
			return nil, err
		}
		fs.filters = append(fs.filters, f)
	}
	return fs, nil
}

// Run issues every filter and waits for all of them. The first failure
// cancels the remaining calls and fails the whole set.
func (fs *FilterSet) Run(ctx context.Context, in FilterInput) (Relevance, error) {
	slots := make([]domain.RelevanceResult, len(fs.filters))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range fs.filters {
		g.Go(func() error {
			res, err := f.Run(gctx, in)
			if err != nil {
				return err
			}
			slots[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fs.logger.Warn("relevance filters failed", zap.Error(err))
		return Relevance{}, err
	}

	results := make(map[domain.Category]domain.RelevanceResult, len(fs.filters))
	for i, f := range fs.filters {
		results[f.category] = slots[i]
	}
	return Relevance{results: results}, nil
}

func validCategory(c domain.Category) bool {
	for _, known := range domain.Categories {
		if c == known {
			return true
		}
	}
	return false
}
