package supervisor

import (
	"bufio"
	"strings"
	"testing"
)

func splitAll(input string) []string {
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(scanLines)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func TestScanLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"newlines", "a\nb\n", []string{"a", "b"}},
		{"crlf", "a\r\nb\r\n", []string{"a", "b"}},
		{"carriage return progress", "10%\r20%\r30%\ndone", []string{"10%", "20%", "30%", "done"}},
		{"blank lines kept", "a\n\nb", []string{"a", "", "b"}},
		{"trailing cr", "a\r", []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitAll(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %q, got %q", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Line %d: expected %q, got %q", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestClassify(t *testing.T) {
	s := New()
	var status uint32 = AccessViolationCode

	tests := []struct {
		name    string
		info    exitInfo
		reason  Reason
		success bool
	}{
		{"clean exit", exitInfo{code: 0}, ReasonOK, true},
		{"non-zero", exitInfo{code: 2}, ReasonExitCode, false},
		{"windows access violation", exitInfo{code: int(status)}, ReasonAccessViolation, false},
		{"sign-extended access violation", exitInfo{code: -1073741819}, ReasonAccessViolation, false},
		{"segfault", exitInfo{code: -1, accessViolation: true}, ReasonAccessViolation, false},
		{"access violation beats marker", exitInfo{code: int(status), sawMarker: true}, ReasonAccessViolation, false},
		{"marker overrides exit code", exitInfo{code: 1, sawMarker: true}, ReasonSuccessMarker, true},
		{"timeout beats marker", exitInfo{code: -1, sawMarker: true, timedOut: true}, ReasonTimeout, false},
		{"cancelled", exitInfo{code: 0, cancelled: true}, ReasonCancelled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := s.classify(tt.info)
			if r.Reason != tt.reason || r.Success != tt.success {
				t.Errorf("Expected %s/%v, got %s/%v (%s)", tt.reason, tt.success, r.Reason, r.Success, r.Message)
			}
			if r.Message == "" {
				t.Error("Expected a message")
			}
		})
	}
}

func TestClassifyUntrustedMarker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrustSuccessMarkers = false
	s := NewWithConfig(cfg)

	r := s.classify(exitInfo{code: 1, sawMarker: true})
	if r.Success || r.Reason != ReasonExitCode {
		t.Errorf("Expected exit code failure, got %+v", r)
	}
}

func TestAccessViolationMessage(t *testing.T) {
	var status uint32 = AccessViolationCode
	r := New().classify(exitInfo{code: int(status)})
	if !strings.Contains(r.Message, "memory") {
		t.Errorf("Expected memory hint, got %q", r.Message)
	}
}

func TestHasMarker(t *testing.T) {
	s := New()
	if !s.hasMarker("INFO: Model Saved to /out/lora.safetensors") {
		t.Error("Expected case-insensitive marker match")
	}
	if s.hasMarker("epoch 3/10") {
		t.Error("Expected no marker")
	}
}
