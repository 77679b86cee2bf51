package internal

import "testing"

func TestFlattenPushPayload(t *testing.T) {
	input := map[string]interface{}{
		"ref": "refs/heads/main",
		"repository": map[string]interface{}{
			"full_name": "acme/widgets",
			"owner":     map[string]interface{}{"login": "acme"},
		},
		"commits": []interface{}{
			map[string]interface{}{"id": "a1", "distinct": true},
			map[string]interface{}{"id": "b2", "distinct": false},
		},
	}

	flat := Flatten(input)
	if flat["repository.owner.login"] != "acme" || flat["repository.full_name"] != "acme/widgets" {
		t.Fatalf("unexpected nested keys %v", flat)
	}
	if flat["commits.count"] != float64(2) {
		t.Fatalf("expected commits.count 2, got %v", flat["commits.count"])
	}
	if flat["commits[1].id"] != "b2" || flat["commits[0].distinct"] != true {
		t.Fatalf("unexpected array element keys %v", flat)
	}
	if _, ok := flat["commits"].([]interface{}); !ok {
		t.Fatalf("expected array kept under its own key")
	}
}

func TestFlattenEmptyArray(t *testing.T) {
	flat := Flatten(map[string]interface{}{"commits": []interface{}{}})
	if flat["commits.count"] != float64(0) {
		t.Fatalf("expected zero count, got %v", flat["commits.count"])
	}
}
