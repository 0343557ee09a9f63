package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/dukerupert/tillscan/internal/auth"
)

func TestKeyhashOutputAuthenticates(t *testing.T) {
	cmd := keyhashCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--id", "till-9", "--cost", "4"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var key, entry string
	for _, line := range strings.Split(out.String(), "\n") {
		switch {
		case strings.HasPrefix(line, "Key:"):
			key = strings.TrimSpace(strings.TrimPrefix(line, "Key:"))
		case strings.HasPrefix(line, "Server:"):
			f := strings.Fields(line)
			entry = f[2]
		}
	}
	if key == "" || entry == "" {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	keys, err := auth.ParseKeyring(entry)
	if err != nil {
		t.Fatalf("parse keyring: %v", err)
	}
	term, err := keys.Authenticate(key)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if term.ID != "till-9" {
		t.Errorf("terminal = %q, want till-9", term.ID)
	}
}
