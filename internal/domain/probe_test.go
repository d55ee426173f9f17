package domain

import (
	"strings"
	"testing"
)

func TestProbeResult_Encode_OmitsEmptyHost(t *testing.T) {
	enc := ProbeResult{Status: StatusTimeout, Details: "request timed out"}.Encode()
	if strings.Contains(enc, `"host"`) {
		t.Fatalf("host key should be omitted, got %s", enc)
	}
	got, err := DecodeProbeResult(enc)
	if err != nil {
		t.Fatalf("DecodeProbeResult: %v", err)
	}
	if got.Status != StatusTimeout || got.Details != "request timed out" || got.Host != "" {
		t.Fatalf("unexpected decode: %+v", got)
	}
}

func TestProbeResult_Encode_EscapesDetails(t *testing.T) {
	in := ProbeResult{Host: "h\"; rm -rf /", Status: StatusUnreachable, Details: "line1\nline2\t\"q\""}
	got, err := DecodeProbeResult(in.Encode())
	if err != nil {
		t.Fatalf("DecodeProbeResult: %v", err)
	}
	if got != in {
		t.Fatalf("got %+v, want %+v", got, in)
	}
}

func TestDecodeProbeResult_Errors(t *testing.T) {
	for _, s := range []string{"", "not json", `{"details":"x"}`} {
		if _, err := DecodeProbeResult(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestProbeStatus_Retryable(t *testing.T) {
	if !StatusTimeout.Retryable() || !StatusError.Retryable() {
		t.Error("timeout and error should be retryable")
	}
	if StatusToolNotInstalled.Retryable() || StatusMalformedCommand.Retryable() || StatusUnreachable.Retryable() {
		t.Error("tool-not-installed, malformed-command and unreachable are not retryable")
	}
}
