package reaction

import (
	"fmt"

	"github.com/dop251/goja"
)

// BansEvaluator decides whether a set of ban rules forbids a run, given a
// context of values the rules' JavaScript expressions may reference.
type BansEvaluator interface {
	Evaluate(rules []BanRule, context map[string]interface{}) (banned bool, reason string, err error)
}

// gojaBansEvaluator evaluates each rule's Logic as a JavaScript boolean
// expression in a fresh goja runtime, true meaning "this rule bans the run".
type gojaBansEvaluator struct{}

// NewGojaBansEvaluator builds a BansEvaluator backed by goja.
func NewGojaBansEvaluator() BansEvaluator {
	return &gojaBansEvaluator{}
}

func (e *gojaBansEvaluator) Evaluate(rules []BanRule, context map[string]interface{}) (bool, string, error) {
	for _, rule := range rules {
		vm := goja.New()
		for k, v := range context {
			if err := vm.Set(k, v); err != nil {
				return false, "", fmt.Errorf("bind %q: %w", k, err)
			}
		}
		result, err := vm.RunString(rule.Logic)
		if err != nil {
			return false, "", fmt.Errorf("evaluate ban %q: %w", rule.Name, err)
		}
		if result.ToBoolean() {
			return true, rule.Name, nil
		}
	}
	return false, "", nil
}
