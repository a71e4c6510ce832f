package hash

import (
	"errors"
	"strings"
	"testing"
)

func TestHashKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "long key", key: "a-very-long-admin-key-for-ops"},
		{name: "minimum length", key: "0123456789abcdef"},
		{name: "too short", key: "short-key", wantErr: true},
		{name: "empty", key: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hashed, err := HashKey(tt.key)

			if tt.wantErr {
				if err == nil {
					t.Error("HashKey() expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("HashKey() unexpected error = %v", err)
			}
			if hashed == tt.key {
				t.Error("HashKey() returned the key unhashed")
			}
			if !strings.HasPrefix(hashed, "$2a$12$") {
				t.Errorf("HashKey() hash has unexpected prefix: %s", hashed[:7])
			}
		})
	}
}

func TestCompareKey(t *testing.T) {
	key := "board-admin-key-123456"
	hashed, err := HashKey(key)
	if err != nil {
		t.Fatalf("HashKey() error = %v", err)
	}

	tests := []struct {
		name    string
		hashed  string
		key     string
		wantErr bool
	}{
		{name: "matching key", hashed: hashed, key: key},
		{name: "wrong key", hashed: hashed, key: "board-admin-key-654321", wantErr: true},
		{name: "empty key", hashed: hashed, key: "", wantErr: true},
		{name: "no hash configured", hashed: "", key: key, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CompareKey(tt.hashed, tt.key)
			if tt.wantErr {
				if !errors.Is(err, ErrKeyMismatch) {
					t.Errorf("CompareKey() error = %v, want ErrKeyMismatch", err)
				}
				return
			}
			if err != nil {
				t.Errorf("CompareKey() unexpected error = %v", err)
			}
		})
	}
}
