package gcpkms

import (
	"context"
	"fmt"
	"testing"

	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
)

type mockClient struct {
	keys   map[string][]byte // ciphertext -> plaintext
	failOn string
	last   *kmspb.DecryptRequest
}

func (m *mockClient) Decrypt(ctx context.Context, req *kmspb.DecryptRequest, _ ...gax.CallOption) (*kmspb.DecryptResponse, error) {
	m.last = req
	ct := string(req.Ciphertext)
	if ct == m.failOn {
		return nil, fmt.Errorf("kms: permission denied")
	}
	plaintext, ok := m.keys[ct]
	if !ok {
		return nil, fmt.Errorf("kms: invalid ciphertext")
	}
	return &kmspb.DecryptResponse{Plaintext: plaintext}, nil
}

const resource = "projects/p/locations/global/keyRings/r/cryptoKeys/repository"

func TestUnseal(t *testing.T) {
	client := &mockClient{keys: map[string][]byte{"sealed": []byte("pem bytes")}}

	u, err := New(client, resource, WithAdditionalAuthenticatedData([]byte("backups")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := u.Unseal(context.Background(), []byte("sealed"))
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if string(got) != "pem bytes" {
		t.Errorf("Unseal: got %q", got)
	}
	if client.last.Name != resource {
		t.Errorf("Name: got %q, want %q", client.last.Name, resource)
	}
	if string(client.last.AdditionalAuthenticatedData) != "backups" {
		t.Errorf("AAD: got %q", client.last.AdditionalAuthenticatedData)
	}
}

func TestUnsealErrors(t *testing.T) {
	client := &mockClient{keys: map[string][]byte{"empty": nil}, failOn: "denied"}
	u, err := New(client, resource)
	if err != nil {
		t.Fatal(err)
	}
	for _, sealed := range []string{"", "denied", "unknown", "empty"} {
		if _, err := u.Unseal(context.Background(), []byte(sealed)); err == nil {
			t.Errorf("Unseal(%q): expected error", sealed)
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, resource); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := New(&mockClient{}, ""); err == nil {
		t.Error("expected error for empty resource name")
	}
}
