package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCredentialsFile(t *testing.T, name, payload string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
	return path
}

func TestLoadCredentialsYAML(t *testing.T) {
	path := writeCredentialsFile(t, "creds.yaml", `
credentials:
  - key: reporting-key
    secret: reporting-secret
    subject: reporting
    scopes: [read]
  - key: deploy-key
    secret: deploy-secret
    subject: deployer
`)
	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	if creds[0].Key != "reporting-key" || creds[0].Subject != "reporting" {
		t.Fatalf("unexpected first credential: %#v", creds[0])
	}
	if len(creds[0].Scopes) != 1 || creds[0].Scopes[0] != "read" {
		t.Fatalf("unexpected scopes: %#v", creds[0].Scopes)
	}
}

func TestLoadCredentialsJSON(t *testing.T) {
	path := writeCredentialsFile(t, "creds.json", `{
  "credentials": [
    {"key": "svc", "secret": "s3cret", "subject": "svc-account"}
  ]
}`)
	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	if len(creds) != 1 || creds[0].Subject != "svc-account" {
		t.Fatalf("unexpected credentials: %#v", creds)
	}
}

func TestLoadCredentialsTOML(t *testing.T) {
	path := writeCredentialsFile(t, "creds.toml", `
[[credentials]]
key = "svc"
secret = "s3cret"
subject = "svc-account"
scopes = ["read", "write"]
`)
	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatalf("load credentials: %v", err)
	}
	if len(creds) != 1 || len(creds[0].Scopes) != 2 {
		t.Fatalf("unexpected credentials: %#v", creds)
	}
}

func TestLoadCredentialsRejectsIncomplete(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"missing key", "credentials:\n  - secret: s\n    subject: x\n"},
		{"missing secret", "credentials:\n  - key: k\n    subject: x\n"},
		{"missing subject", "credentials:\n  - key: k\n    secret: s\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeCredentialsFile(t, "creds.yaml", tc.payload)
			if _, err := LoadCredentials(path); err == nil {
				t.Fatalf("expected incomplete credential to be rejected")
			}
		})
	}
}

func TestLoadCredentialsRejectsDuplicateKeys(t *testing.T) {
	path := writeCredentialsFile(t, "creds.yaml", `
credentials:
  - key: same
    secret: one
    subject: a
  - key: same
    secret: two
    subject: b
`)
	if _, err := LoadCredentials(path); err == nil {
		t.Fatalf("expected duplicate keys to be rejected")
	}
}

func TestLoadCredentialsUnsupportedExtension(t *testing.T) {
	path := writeCredentialsFile(t, "creds.ini", "key=value\n")
	if _, err := LoadCredentials(path); err == nil {
		t.Fatalf("expected unsupported extension to be rejected")
	}
}
