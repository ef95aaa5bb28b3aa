package cipher

import (
	"strings"
	"testing"
)

func TestAEAD(t *testing.T) {
	aesKey, err := GenerateKey(16)
	if err != nil {
		t.Fatal(err)
	}
	chachaKey, err := GenerateKey(32)
	if err != nil {
		t.Fatal(err)
	}
	t.Run("valid", func(t *testing.T) {
		tests := []struct {
			name string
			algo string
			key  string
		}{
			{"aes-128", "aes-gcm", aesKey},
			{"default", "", aesKey},
			{"xchacha20", "xchacha20", chachaKey},
			{"aes-256", "aes-gcm", chachaKey},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				c, err := New(tt.algo, tt.key)
				if err != nil {
					t.Fatal(err)
				}
				for _, plain := range []string{"", "b87eb02f5dd7e5232d7b0fc30a5015e4", strings.Repeat("é", 100)} {
					enc, err := c.Encrypt(plain)
					if err != nil {
						t.Fatal(err)
					}
					if plain != "" && strings.Contains(enc, plain) {
						t.Errorf("ciphertext contains plaintext")
					}
					enc2, err := c.Encrypt(plain)
					if err != nil {
						t.Fatal(err)
					}
					if enc == enc2 {
						t.Error("expected a fresh nonce per encryption")
					}
					got, err := c.Decrypt(enc)
					if err != nil {
						t.Fatal(err)
					}
					if got != plain {
						t.Errorf("got %q, want %q", got, plain)
					}
				}
			})
		}
	})
	t.Run("errors", func(t *testing.T) {
		if _, err := New("rot13", aesKey); err == nil {
			t.Error("expected unknown cipher error")
		}
		if _, err := NewAESGCM("not base64!"); err == nil {
			t.Error("expected decode error")
		}
		if _, err := NewAESGCM("c2hvcnQ="); err == nil {
			t.Error("expected key size error")
		}
		if _, err := NewXChaCha20(aesKey); err == nil {
			t.Error("expected key size error")
		}
		c, err := NewAESGCM(aesKey)
		if err != nil {
			t.Fatal(err)
		}
		other, err := GenerateKey(16)
		if err != nil {
			t.Fatal(err)
		}
		c2, err := NewAESGCM(other)
		if err != nil {
			t.Fatal(err)
		}
		enc, err := c.Encrypt("secret")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c2.Decrypt(enc); err == nil {
			t.Error("expected authentication failure with the wrong key")
		}
		if _, err := c.Decrypt("%%%"); err == nil {
			t.Error("expected base64 error")
		}
		if _, err := c.Decrypt("AAAA"); err == nil {
			t.Error("expected short ciphertext error")
		}
	})
}

func TestDeriveKey(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		k1, err := DeriveKey("correct horse", "battery-staple", 16)
		if err != nil {
			t.Fatal(err)
		}
		k2, err := DeriveKey("correct horse", "battery-staple", 16)
		if err != nil {
			t.Fatal(err)
		}
		if k1 != k2 {
			t.Error("derivation is not deterministic")
		}
		k3, err := DeriveKey("correct horse", "another-salt", 16)
		if err != nil {
			t.Fatal(err)
		}
		if k1 == k3 {
			t.Error("salt is ignored")
		}
		if _, err := NewAESGCM(k1); err != nil {
			t.Fatal(err)
		}
	})
	t.Run("errors", func(t *testing.T) {
		if _, err := DeriveKey("", "battery-staple", 16); err == nil {
			t.Error("expected empty password error")
		}
		if _, err := DeriveKey("pw", "short", 16); err == nil {
			t.Error("expected short salt error")
		}
	})
}
