package agent

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateResultAccepts(t *testing.T) {
	raw := json.RawMessage(`{
		"success": true,
		"changes_made": true,
		"files_created": ["new.go"],
		"files_modified": ["old.go"],
		"commit_hash": "abc123",
		"pr_url": "https://example.com/pr/1",
		"message": "done",
		"model_tokens": 1234
	}`)

	result, err := ValidateResult(raw)
	if err != nil {
		t.Fatalf("ValidateResult: %v", err)
	}
	if !result.Success || result.CommitHash != "abc123" || len(result.FilesCreated) != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestValidateResultRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"missing success", `{"message": "done"}`, "success"},
		{"wrong success type", `{"success": "yes"}`, "/success"},
		{"wrong files type", `{"success": true, "files_created": "a.go"}`, "/files_created"},
		{"not an object", `[1, 2, 3]`, ""},
		{"not json", `nope`, ""},
		{"empty", ``, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateResult(json.RawMessage(tc.raw))
			if err == nil {
				t.Fatalf("accepted %q", tc.raw)
			}
			if tc.want != "" && !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not name %q", err, tc.want)
			}
		})
	}
}
