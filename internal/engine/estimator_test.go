package engine

import "testing"

func TestHeuristicEstimator(t *testing.T) {
	est := HeuristicEstimator{}

	if got := est.EstimateTokens(""); got != 0 {
		t.Errorf("expected 0 tokens for empty text, got %d", got)
	}
	if got := est.EstimateTokens("hi"); got != 1 {
		t.Errorf("expected minimum of 1 token, got %d", got)
	}

	// 400 chars with no whitespace should land near 100.
	long := ""
	for i := 0; i < 400; i++ {
		long += "a"
	}
	got := est.EstimateTokens(long)
	if got < 90 || got > 110 {
		t.Errorf("expected roughly 100 tokens for 400 chars, got %d", got)
	}
}

func TestEstimateMessages(t *testing.T) {
	est := HeuristicEstimator{}
	msgs := []ChatMessage{
		{Role: RoleUser, Content: "check the pods in default"},
		{Role: RoleAssistant, Content: "All pods are running."},
	}

	total := EstimateMessages(est, msgs)
	want := est.EstimateTokens(msgs[0].Content) + est.EstimateTokens(msgs[1].Content) + 8
	if total != want {
		t.Errorf("expected %d, got %d", want, total)
	}
}

func TestRenderTranscript(t *testing.T) {
	msgs := []ChatMessage{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi there"},
	}
	got := RenderTranscript(msgs)
	want := "USER: hello\nASSISTANT: hi there"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestChatMessageValidate(t *testing.T) {
	if err := (ChatMessage{Role: RoleUser, Content: "x"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (ChatMessage{Role: "bogus"}).Validate(); err == nil {
		t.Error("expected error for invalid role")
	}
	if err := (ChatMessage{Role: RoleTool, Content: "x"}).Validate(); err == nil {
		t.Error("expected error for tool message without Name")
	}
}
