package rule

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/serverless-containers/guardian/internal/domain"
)

// ValidationCache memoizes whether a rule's predicate tree is
// well-formed (every operator known, every arity correct) so that an
// unchanged rule document is not re-walked on every structure in every
// tick — only re-checked when its content actually changes. Keyed by
// rule name plus a content hash so an edited rule is revalidated.
type ValidationCache struct {
	cache *lru.Cache[string, error]
}

// NewValidationCache builds a cache holding up to size entries; size
// should comfortably exceed the expected rule-document count.
func NewValidationCache(size int) (*ValidationCache, error) {
	c, err := lru.New[string, error](size)
	if err != nil {
		return nil, fmt.Errorf("rule: new validation cache: %w", err)
	}
	return &ValidationCache{cache: c}, nil
}

// Validate checks r.Predicate's shape once per (name, content) pair,
// reusing the cached verdict on subsequent calls. A structurally valid
// but false-evaluating predicate is not an error; only malformed trees
// (unknown operator, wrong arity) are.
func (v *ValidationCache) Validate(r domain.Rule) error {
	key, err := cacheKey(r)
	if err != nil {
		return err
	}
	if cached, ok := v.cache.Get(key); ok {
		return cached
	}

	err = checkShape(r.Predicate)
	v.cache.Add(key, err)
	return err
}

func cacheKey(r domain.Rule) (string, error) {
	raw, err := json.Marshal(r.Predicate)
	if err != nil {
		return "", fmt.Errorf("rule: hash predicate for %s: %w", r.Name, err)
	}
	sum := sha256.Sum256(raw)
	return r.Name + ":" + fmt.Sprintf("%x", sum), nil
}

// checkShape walks the tree structurally without evaluating variables,
// so it can be done once regardless of the per-structure context it
// will later be evaluated against.
func checkShape(node any) error {
	switch n := node.(type) {
	case map[string]any:
		if len(n) != 1 {
			return fmt.Errorf("rule: node must have exactly one operator, got %d: %w", len(n), domain.ErrRuleMalformed)
		}
		for op, args := range n {
			if op == "var" {
				if _, ok := args.(string); !ok {
					return fmt.Errorf("rule: var argument must be a string: %w", domain.ErrRuleMalformed)
				}
				return nil
			}
			list, ok := args.([]any)
			if !ok {
				return fmt.Errorf("rule: operator %q arguments must be a list: %w", op, domain.ErrRuleMalformed)
			}
			switch op {
			case "and", "or":
				// any arity
			case "not":
				if len(list) != 1 {
					return fmt.Errorf("rule: not takes exactly one argument: %w", domain.ErrRuleMalformed)
				}
			case "==", "!=", "<", "<=", ">", ">=", "+", "-", "*", "/":
				if len(list) != 2 {
					return fmt.Errorf("rule: operator %q takes exactly two arguments: %w", op, domain.ErrRuleMalformed)
				}
			default:
				return fmt.Errorf("rule: unknown operator %q: %w", op, domain.ErrRuleMalformed)
			}
			for _, child := range list {
				if err := checkShape(child); err != nil {
					return err
				}
			}
		}
		return nil
	case float64, int, string, bool, nil:
		return nil
	default:
		return fmt.Errorf("rule: unsupported node type %T: %w", node, domain.ErrRuleMalformed)
	}
}
