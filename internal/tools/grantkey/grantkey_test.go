package grantkey

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/iam/internal/services/iam/grant"
)

func TestRunRequiresOutput(t *testing.T) {
	if err := Run(nil, bytes.NewReader([]byte{1})); err == nil {
		t.Fatal("expected error when output is nil")
	}
}

func TestRunFailsOnShortEntropy(t *testing.T) {
	if err := Run(&bytes.Buffer{}, bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Fatal("expected error for short entropy")
	}
}

func TestRunWritesUsableKey(t *testing.T) {
	buf := &bytes.Buffer{}
	reader := bytes.NewReader(bytes.Repeat([]byte{1}, 64))
	if err := Run(buf, reader); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	private := strings.TrimPrefix(lines[0], "export IAM_GRANT_PRIVATE_KEY=")
	public := strings.TrimPrefix(lines[1], "export IAM_GRANT_PUBLIC_KEY=")
	if private == lines[0] || public == lines[1] {
		t.Fatalf("unexpected output format: %q", buf.String())
	}

	issuer, err := grant.NewIssuer(grant.Config{Issuer: "iam", Audience: "aud", PrivateKey: private, TTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("load printed key: %v", err)
	}
	if got := issuer.PublicKey(); got != public {
		t.Fatalf("public key = %q, want %q", got, public)
	}
}
