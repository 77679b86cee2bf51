package internal

import "testing"

func pushEvent(provider, payload string) Event {
	return Event{Provider: provider, Name: "push", RawPayload: []byte(payload)}
}

func TestRuleEngineWithoutRulesMatchesEverything(t *testing.T) {
	engine, err := NewRuleEngine(RulesConfig{})
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	match, ok := engine.Evaluate(pushEvent("github", `{"ref":"refs/heads/main","repository":{"full_name":"acme/widget"}}`))
	if !ok {
		t.Fatalf("expected match without rules")
	}
	if match.Rule != -1 || match.Repository != "acme/widget" {
		t.Fatalf("unexpected match %+v", match)
	}

	match, ok = engine.Evaluate(pushEvent("gitlab", `{"project":{"path_with_namespace":"acme/tools/widget"}}`))
	if !ok || match.Repository != "acme/tools/widget" {
		t.Fatalf("expected gitlab repository, got %+v", match)
	}
}

func TestRuleEngineEvaluate(t *testing.T) {
	engine, err := NewRuleEngine(RulesConfig{Rules: []Rule{
		{When: `ref == "refs/heads/main"`},
	}})
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	if _, ok := engine.Evaluate(pushEvent("github", `{"ref":"refs/heads/main","repository":{"full_name":"acme/widget"}}`)); !ok {
		t.Fatalf("expected main push to match")
	}
	if _, ok := engine.Evaluate(pushEvent("github", `{"ref":"refs/heads/dev","repository":{"full_name":"acme/widget"}}`)); ok {
		t.Fatalf("expected dev push not to match")
	}
}

func TestRuleEngineJSONPath(t *testing.T) {
	engine, err := NewRuleEngine(RulesConfig{Rules: []Rule{
		{When: `$.repository.private == false && $.commits[0].id == "abc"`},
	}})
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	_, ok := engine.Evaluate(pushEvent("github", `{"repository":{"private":false,"full_name":"acme/widget"},"commits":[{"id":"abc"}]}`))
	if !ok {
		t.Fatalf("expected jsonpath rule to match")
	}
	if _, ok := engine.Evaluate(pushEvent("github", `{"repository":{"full_name":"acme/widget"}}`)); ok {
		t.Fatalf("expected unresolved jsonpath not to match")
	}
}

func TestRuleEngineFlattenedKeys(t *testing.T) {
	engine, err := NewRuleEngine(RulesConfig{Rules: []Rule{
		{When: `[repository.name] == "widget"`},
	}})
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	if _, ok := engine.Evaluate(pushEvent("github", `{"repository":{"name":"widget","full_name":"acme/widget"}}`)); !ok {
		t.Fatalf("expected flattened key to match")
	}
}

func TestRuleEngineStrictMissing(t *testing.T) {
	rules := []Rule{{When: `missing_field != true`}}
	payload := pushEvent("github", `{"repository":{"full_name":"acme/widget"}}`)

	lenient, err := NewRuleEngine(RulesConfig{Rules: rules})
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	if _, ok := lenient.Evaluate(payload); !ok {
		t.Fatalf("expected missing field to read as nil")
	}

	strict, err := NewRuleEngine(RulesConfig{Rules: rules, Strict: true})
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	if _, ok := strict.Evaluate(payload); ok {
		t.Fatalf("expected no match in strict mode")
	}
}

func TestRuleEngineFunctions(t *testing.T) {
	engine, err := NewRuleEngine(RulesConfig{Rules: []Rule{
		{When: `contains(labels, "release")`},
		{When: `like(ref, "refs/tags/v%")`},
	}})
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	match, ok := engine.Evaluate(pushEvent("github", `{"labels":["release"],"ref":"refs/heads/main","repository":{"full_name":"acme/widget"}}`))
	if !ok || match.Rule != 0 {
		t.Fatalf("expected contains rule to match, got %+v", match)
	}
	match, ok = engine.Evaluate(pushEvent("github", `{"labels":[],"ref":"refs/tags/v1.2.0","repository":{"full_name":"acme/widget"}}`))
	if !ok || match.Rule != 1 {
		t.Fatalf("expected like rule to match, got %+v", match)
	}
}

func TestRuleEngineRepositoryOverride(t *testing.T) {
	engine, err := NewRuleEngine(RulesConfig{Rules: []Rule{
		{When: `event == "push"`, Repository: "$.mirror.source"},
	}})
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	match, ok := engine.Evaluate(pushEvent("github", `{"mirror":{"source":"acme/upstream"},"repository":{"full_name":"acme/widget"}}`))
	if !ok || match.Repository != "acme/upstream" {
		t.Fatalf("expected repository override, got %+v", match)
	}
}

func TestRuleEngineRejectsInvalidExpression(t *testing.T) {
	if _, err := NewRuleEngine(RulesConfig{Rules: []Rule{{When: `ref ==`}}}); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestRuleEngineRejectsNonObjectPayload(t *testing.T) {
	engine, err := NewRuleEngine(RulesConfig{})
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	if _, ok := engine.Evaluate(pushEvent("github", `[1,2]`)); ok {
		t.Fatalf("expected array payload to be rejected")
	}
}

func TestRuleEngineCommitCount(t *testing.T) {
	engine, err := NewRuleEngine(RulesConfig{Rules: []Rule{
		{When: `[commits.count] > 0`},
	}})
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	if _, ok := engine.Evaluate(pushEvent("github", `{"commits":[],"repository":{"full_name":"acme/widget"}}`)); ok {
		t.Fatalf("expected empty push to be ignored")
	}
	if _, ok := engine.Evaluate(pushEvent("github", `{"commits":[{"id":"a1"}],"repository":{"full_name":"acme/widget"}}`)); !ok {
		t.Fatalf("expected push with commits to match")
	}
}
