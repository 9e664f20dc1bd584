package ssh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateEd25519Keypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "keys", "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") {
		t.Fatalf("expected authorized_keys line, got %q", pub)
	}
	st, err := os.Stat(priv)
	if err != nil {
		t.Fatalf("private key not written: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("private key mode %v", st.Mode().Perm())
	}
	if got := readFile(t, priv+".pub"); got != pub {
		t.Fatalf("public key file mismatch")
	}

	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	if signer.PublicKey().Type() != "ssh-ed25519" {
		t.Fatalf("unexpected key type %s", signer.PublicKey().Type())
	}
}

func TestLoadPrivateKeySignerErrors(t *testing.T) {
	if _, err := LoadPrivateKeySigner(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected read error")
	}
	bad := filepath.Join(t.TempDir(), "bad")
	writeFile(t, bad, "not a key")
	if _, err := LoadPrivateKeySigner(bad); err == nil {
		t.Fatal("expected parse error")
	}
}
