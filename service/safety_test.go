package service

import (
	"context"
	"errors"
	"testing"
)

func TestBlocklistCheckerPrompt(t *testing.T) {
	checker := NewBlocklistChecker([]string{"Gore", " violence ", ""}, "block_medium_and_above")
	cases := []struct {
		prompt  string
		allowed bool
	}{
		{"a peaceful meadow at sunset", true},
		{"extreme GORE everywhere", false}, // 大小写不敏感
		{"scenes of violence in the street", false},
		{"", true},
	}
	for _, tc := range cases {
		verdict, err := checker.Evaluate(context.Background(), SafetyInput{Prompt: tc.prompt})
		if err != nil {
			t.Fatalf("Evaluate(%q): %v", tc.prompt, err)
		}
		if verdict.Allowed != tc.allowed {
			t.Errorf("Evaluate(%q).Allowed = %v, want %v (reason %q)",
				tc.prompt, verdict.Allowed, tc.allowed, verdict.Reason)
		}
		if !verdict.Allowed && verdict.Reason == "" {
			t.Errorf("rejection for %q carries no reason", tc.prompt)
		}
	}
}

func TestBlocklistCheckerAssetPasses(t *testing.T) {
	checker := NewBlocklistChecker([]string{"gore"}, "block_medium_and_above")
	verdict, err := checker.Evaluate(context.Background(), SafetyInput{
		AssetKey: "projects/p/scenes/1/image.png",
		Asset:    []byte{0x89, 0x50},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Allowed {
		t.Fatal("asset-only input should pass the blocklist gate")
	}
}

func TestBlocklistCheckerCancelledContext(t *testing.T) {
	checker := NewBlocklistChecker(nil, "block_medium_and_above")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := checker.Evaluate(ctx, SafetyInput{Prompt: "anything"})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientError, got %T", err)
	}
}
