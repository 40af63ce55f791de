package liability

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Rule overrides the custody suggestion when its CEL condition holds.
type Rule struct {
	Name      string `yaml:"name" json:"name"`
	When      string `yaml:"when" json:"when"`
	Liability string `yaml:"liability" json:"liability"`
}

type compiledRule struct {
	name  string
	party Party
	prg   cel.Program
}

// Assessor combines custody analysis with ordered override rules.
type Assessor struct {
	rules []compiledRule
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("dispute_type", cel.StringType),
		cel.Variable("last_status", cel.StringType),
		cel.Variable("damage_action", cel.StringType),
		cel.Variable("scans", cel.IntType),
		cel.Variable("has_pod", cel.BoolType),
	)
}

// NewAssessor compiles rules. Any rule that does not compile to a boolean
// expression or names an unknown party fails the whole set.
func NewAssessor(rules []Rule) (*Assessor, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	a := &Assessor{}
	for i, r := range rules {
		party, ok := ParseParty(r.Liability)
		if !ok {
			return nil, fmt.Errorf("rule %d (%s): unknown liability %q", i, r.Name, r.Liability)
		}
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %d (%s): compile: %w", i, r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %d (%s): expression must be boolean, got %s", i, r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): program: %w", i, r.Name, err)
		}
		a.rules = append(a.rules, compiledRule{name: r.Name, party: party, prg: prg})
	}
	return a, nil
}

// Suggest returns the first matching rule's party, or the custody result.
func (a *Assessor) Suggest(in Input) (Suggestion, error) {
	if a != nil && len(a.rules) > 0 {
		facts := Facts(in)
		for _, r := range a.rules {
			out, _, err := r.prg.Eval(facts)
			if err != nil {
				return Suggestion{}, fmt.Errorf("rule %s: %w", r.name, err)
			}
			if matched, ok := out.Value().(bool); ok && matched {
				return Suggestion{Party: r.party, Reason: "rule " + r.name, Rule: r.name}, nil
			}
		}
	}
	return Custody(in), nil
}
