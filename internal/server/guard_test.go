package server

import (
	"errors"
	"testing"

	"github.com/envoix/envoix/pkg/envoix/api"
)

func TestRequireCapabilitiesSubset(t *testing.T) {
	t.Parallel()

	granted := api.CapabilitySet{api.CapabilityPull, api.CapabilityPush}
	if err := requireCapabilities(granted, api.CapabilityPull); err != nil {
		t.Fatalf("pull should be allowed: %v", err)
	}
	if err := requireCapabilities(granted, api.CapabilityPull, api.CapabilityPush); err != nil {
		t.Fatalf("pull+push should be allowed: %v", err)
	}
	if err := requireCapabilities(granted, api.CapabilityAddUser); !errors.Is(err, errPermissionDenied) {
		t.Fatalf("add_user must be denied, got %v", err)
	}
}

func TestAdminImpliesNothing(t *testing.T) {
	t.Parallel()

	granted := api.CapabilitySet{api.CapabilityAdmin}
	for _, required := range []api.Capability{
		api.CapabilityPull,
		api.CapabilityPush,
		api.CapabilityAddUser,
		api.CapabilityRemoveUser,
		api.CapabilityUpdateUser,
	} {
		if err := requireCapabilities(granted, required); !errors.Is(err, errPermissionDenied) {
			t.Fatalf("admin must not imply %s", required)
		}
	}
	if err := requireCapabilities(granted, api.CapabilityAdmin); err != nil {
		t.Fatalf("admin itself should pass: %v", err)
	}
}

func TestEmptySetDeniesEverything(t *testing.T) {
	t.Parallel()

	if err := requireCapabilities(nil, api.CapabilityPull); !errors.Is(err, errPermissionDenied) {
		t.Fatalf("empty set must deny, got %v", err)
	}
}

func TestCapabilityCodecRoundTrip(t *testing.T) {
	t.Parallel()

	encoded, err := encodeCapabilities(api.CapabilitySet{api.CapabilityPush, api.CapabilityPull, api.CapabilityPull})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeCapabilities(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected deduplicated set of 2, got %v", decoded)
	}
	if decoded[0] != api.CapabilityPull || decoded[1] != api.CapabilityPush {
		t.Fatalf("expected sorted set, got %v", decoded)
	}

	if _, err := decodeCapabilities("not json"); err == nil {
		t.Fatal("expected decode error for malformed input")
	}
}
