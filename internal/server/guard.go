package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/envoix/envoix/pkg/envoix/api"
)

// grantRecord is one (environment, user) access grant. The wrapped key is the
// environment MEK sealed under a key derived from the holder's current
// unlocking secret, with the holder's uid as derivation context.
type grantRecord struct {
	GrantID      string
	EnvID        string
	UserEmail    string
	Capabilities api.CapabilitySet
	WrappedKey   []byte
	Bootstrapped bool
}

// loadGrant resolves the caller's grant on an environment. A missing row is
// indistinguishable from a capability denial: both surface errPermissionDenied.
func (s *Server) loadGrant(ctx context.Context, exec queryRowExecutor, envID, userEmail string) (grantRecord, error) {
	var (
		record       grantRecord
		rawSet       string
		bootstrapped int
	)
	err := exec.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT grant_id, env_id, user_email, capabilities, wrapped_key, bootstrapped
		FROM grants WHERE env_id = ? AND user_email = ?`), envID, userEmail).
		Scan(&record.GrantID, &record.EnvID, &record.UserEmail, &rawSet, &record.WrappedKey, &bootstrapped)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return grantRecord{}, errPermissionDenied
		}
		return grantRecord{}, fmt.Errorf("lookup grant: %w", err)
	}
	record.Capabilities, err = decodeCapabilities(rawSet)
	if err != nil {
		return grantRecord{}, err
	}
	record.Bootstrapped = bootstrapped != 0
	return record, nil
}

// requireCapabilities allows the operation iff every required capability is
// present in the granted set. Nothing is inferred: admin does not imply
// add_user, and an empty set denies everything.
func requireCapabilities(granted api.CapabilitySet, required ...api.Capability) error {
	if !granted.HasAll(required...) {
		return errPermissionDenied
	}
	return nil
}

func encodeCapabilities(set api.CapabilitySet) (string, error) {
	encoded, err := json.Marshal(set.Normalize())
	if err != nil {
		return "", fmt.Errorf("encode capabilities: %w", err)
	}
	return string(encoded), nil
}

func decodeCapabilities(raw string) (api.CapabilitySet, error) {
	var set api.CapabilitySet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return set, nil
}
