package commission

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"salessync/catalog"
)

// RuleProvider resolves the rule for one event, given the event's reference.
type RuleProvider interface {
	Resolve(ctx context.Context, tenantID, referenceID string) (Rule, error)
}

// RuleProviderFunc adapts a function to RuleProvider.
type RuleProviderFunc func(ctx context.Context, tenantID, referenceID string) (Rule, error)

func (f RuleProviderFunc) Resolve(ctx context.Context, tenantID, referenceID string) (Rule, error) {
	return f(ctx, tenantID, referenceID)
}

// Registry maps event types to rule providers. Unregistered types resolve to
// the zero rule.
type Registry struct {
	mu        sync.RWMutex
	providers map[EventType]RuleProvider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[EventType]RuleProvider)}
}

// BoardReader is the slice of the catalog needed to price a board placement.
type BoardReader interface {
	Board(ctx context.Context, tenantID, boardID string) (catalog.Board, error)
}

// DefaultOrderPercentage is the share of an order total paid on fulfillment.
var DefaultOrderPercentage = decimal.NewFromInt(5)

// NewDefaultRegistry registers the order and board-placement providers.
func NewDefaultRegistry(boards BoardReader) *Registry {
	r := NewRegistry()
	r.Register(EventOrder, StaticRule(Rule{Kind: RulePercentage, Percentage: DefaultOrderPercentage}))
	if boards != nil {
		r.Register(EventBoardPlacement, BoardRuleProvider{Boards: boards})
	}
	return r
}

func (r *Registry) Register(eventType EventType, p RuleProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[eventType] = p
}

func (r *Registry) Resolve(ctx context.Context, eventType EventType, tenantID, referenceID string) (Rule, error) {
	r.mu.RLock()
	p, ok := r.providers[eventType]
	r.mu.RUnlock()
	if !ok {
		return Rule{}, nil
	}
	rule, err := p.Resolve(ctx, tenantID, referenceID)
	if err != nil {
		return Rule{}, fmt.Errorf("commission: resolve %s rule: %w", eventType, err)
	}
	return rule, nil
}

// StaticRule returns the same rule for every reference.
func StaticRule(rule Rule) RuleProvider {
	return RuleProviderFunc(func(context.Context, string, string) (Rule, error) {
		return rule, nil
	})
}

// BoardRuleProvider pays the referenced board's configured rate as a flat amount.
type BoardRuleProvider struct {
	Boards BoardReader
}

func (p BoardRuleProvider) Resolve(ctx context.Context, tenantID, boardID string) (Rule, error) {
	board, err := p.Boards.Board(ctx, tenantID, boardID)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Kind: RuleFlat, Amount: board.CommissionRate}, nil
}
