package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
	"github.com/charmbracelet/log"
)

// Rule decides whether a webhook delivery triggers a sync. When is a
// govaluate expression over the flattened payload; $-prefixed JSONPath
// references are allowed inside it. Repository optionally overrides the
// JSONPath the repository identity is read from.
type Rule struct {
	When       string `yaml:"when"`
	Repository string `yaml:"repository"`
}

// Match is a rule decision.
type Match struct {
	// Rule is the index of the matching rule, -1 when no rules are configured.
	Rule       int
	Repository string
}

type jsonPathFunc func(context.Context, interface{}) (interface{}, error)

type compiledRule struct {
	expr       *govaluate.EvaluableExpression
	paths      map[string]jsonPathFunc
	repository jsonPathFunc
}

type RuleEngine struct {
	rules  []compiledRule
	strict bool
	logger *log.Logger
}

var (
	jsonPathRef = regexp.MustCompile(`\$(\.[A-Za-z_][A-Za-z0-9_-]*|\[[^\]]*\])+`)

	defaultRepositoryPaths = map[string]string{
		"github": "$.repository.full_name",
		"gitlab": "$.project.path_with_namespace",
	}

	ruleFunctions = map[string]govaluate.ExpressionFunction{
		"contains": func(args ...interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("contains expects 2 arguments, got %d", len(args))
			}
			switch haystack := args[0].(type) {
			case []interface{}:
				for _, item := range haystack {
					if item == args[1] {
						return true, nil
					}
				}
				return false, nil
			case string:
				needle, _ := args[1].(string)
				return strings.Contains(haystack, needle), nil
			default:
				return false, nil
			}
		},
		"like": func(args ...interface{}) (interface{}, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("like expects 2 arguments, got %d", len(args))
			}
			value, _ := args[0].(string)
			pattern, _ := args[1].(string)
			return likePattern(pattern).MatchString(value), nil
		},
	}
)

func NewRuleEngine(cfg RulesConfig) (*RuleEngine, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		compiled := compiledRule{paths: make(map[string]jsonPathFunc)}
		var compileErr error
		when := jsonPathRef.ReplaceAllStringFunc(rule.When, func(ref string) string {
			eval, err := jsonpath.New(ref)
			if err != nil && compileErr == nil {
				compileErr = fmt.Errorf("rule %d: jsonpath %s: %w", i, ref, err)
			}
			name := fmt.Sprintf("__jsonpath_%d", len(compiled.paths))
			compiled.paths[name] = jsonPathFunc(eval)
			return "[" + name + "]"
		})
		if compileErr != nil {
			return nil, compileErr
		}
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(when, ruleFunctions)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		compiled.expr = expr
		if rule.Repository != "" {
			eval, err := jsonpath.New(rule.Repository)
			if err != nil {
				return nil, fmt.Errorf("rule %d: repository jsonpath: %w", i, err)
			}
			compiled.repository = jsonPathFunc(eval)
		}
		rules = append(rules, compiled)
	}
	return &RuleEngine{rules: rules, strict: cfg.Strict, logger: NewLogger("rules")}, nil
}

// Evaluate returns the first matching rule for the delivery. Without rules,
// every delivery matches. The repository is read from the rule's JSONPath or
// the provider default and is empty when the payload does not carry one.
func (r *RuleEngine) Evaluate(event Event) (Match, bool) {
	var payload interface{}
	if err := json.Unmarshal(event.RawPayload, &payload); err != nil {
		r.logger.Warn("rule payload is not JSON", "provider", event.Provider, "err", err)
		return Match{}, false
	}
	object, ok := payload.(map[string]interface{})
	if !ok {
		return Match{}, false
	}

	if len(r.rules) == 0 {
		return Match{Rule: -1, Repository: repositoryFrom(defaultPath(event.Provider), payload)}, true
	}

	values := Flatten(object)
	for key, value := range object {
		values[key] = value
	}
	if _, ok := values["provider"]; !ok {
		values["provider"] = event.Provider
	}
	if _, ok := values["event"]; !ok {
		values["event"] = event.Name
	}

	for i, rule := range r.rules {
		params := ruleParameters{values: values, strict: r.strict}
		if len(rule.paths) > 0 {
			params.paths = make(map[string]interface{}, len(rule.paths))
			for name, eval := range rule.paths {
				value, err := eval(context.Background(), payload)
				if err != nil {
					continue
				}
				params.paths[name] = value
			}
		}
		result, err := rule.expr.Eval(params)
		if err != nil {
			r.logger.Debug("rule eval failed", "rule", i, "err", err)
			continue
		}
		if matched, _ := result.(bool); !matched {
			continue
		}
		repoPath := rule.repository
		if repoPath == nil {
			repoPath = defaultPath(event.Provider)
		}
		return Match{Rule: i, Repository: repositoryFrom(repoPath, payload)}, true
	}
	return Match{}, false
}

type ruleParameters struct {
	values map[string]interface{}
	paths  map[string]interface{}
	strict bool
}

func (p ruleParameters) Get(name string) (interface{}, error) {
	if value, ok := p.paths[name]; ok {
		return value, nil
	}
	if value, ok := p.values[name]; ok {
		return value, nil
	}
	if p.strict || strings.HasPrefix(name, "__jsonpath_") {
		return nil, fmt.Errorf("no parameter %q", name)
	}
	return nil, nil
}

func defaultPath(provider string) jsonPathFunc {
	path, ok := defaultRepositoryPaths[strings.ToLower(provider)]
	if !ok {
		return nil
	}
	eval, err := jsonpath.New(path)
	if err != nil {
		return nil
	}
	return jsonPathFunc(eval)
}

func repositoryFrom(eval jsonPathFunc, payload interface{}) string {
	if eval == nil {
		return ""
	}
	value, err := eval(context.Background(), payload)
	if err != nil {
		return ""
	}
	name, _ := value.(string)
	return name
}

func likePattern(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}
