package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"connectrpc.com/connect"

	"github.com/envoix/envoix/pkg/envoix/api"
)

func (s *Server) handleAddGrant(ctx context.Context, req *connect.Request[api.AddGrantRequest]) (*connect.Response[api.StatusResponse], error) {
	if err := req.Msg.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	actor, err := s.authenticate(req.Header())
	if err != nil {
		return nil, err
	}
	envID := strings.TrimSpace(req.Msg.EnvID)
	inviteeEmail := strings.TrimSpace(req.Msg.UserEmail)

	grant, err := s.loadGrant(ctx, s.db, envID, actor.Email)
	if err != nil {
		if !errors.Is(err, errPermissionDenied) {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		return s.denyStatus(ctx, auditEventAddGrant, actor, envID)
	}
	if err := requireCapabilities(grant.Capabilities, api.CapabilityAddUser); err != nil {
		return s.denyStatus(ctx, auditEventAddGrant, actor, envID)
	}

	invitee, err := s.lookupUserByEmail(ctx, inviteeEmail)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return connect.NewResponse(&api.StatusResponse{Status: false, Msg: msgUserNotFound}), nil
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	// Cheap duplicate check before any key derivation; the uniqueness
	// constraint below remains the arbiter under concurrent invitations.
	if _, err := s.loadGrant(ctx, s.db, envID, inviteeEmail); err == nil {
		return connect.NewResponse(&api.StatusResponse{Status: false, Msg: msgGrantConflict}), nil
	} else if !errors.Is(err, errPermissionDenied) {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	throttleKey := envID + "|" + actor.Email
	if !s.allowAttempt(ctx, throttleKey) {
		s.writeAudit(ctx, auditRecord{EventType: auditEventAddGrant, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeDenied, Detail: "throttled"})
		return connect.NewResponse(&api.StatusResponse{Status: false, Msg: msgAuthFailed}), nil
	}

	mek, err := s.crypto.openPayload(grant.WrappedKey, []byte(req.Msg.Password), actor.UID)
	if err != nil {
		return connect.NewResponse(&api.StatusResponse{Status: false, Msg: s.failSecret(ctx, auditEventAddGrant, actor, envID, throttleKey)}), nil
	}
	defer zeroBytes(mek)

	wrappedKey, err := s.crypto.sealPayload(mek, []byte(req.Msg.OneTimeSecret), invitee.UID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	capabilities, err := encodeCapabilities(req.Msg.Capabilities)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	now := timestamp(time.Now())
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO grants (grant_id, env_id, user_email, capabilities, wrapped_key, bootstrapped, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`),
		newID("grt"), envID, inviteeEmail, capabilities, wrappedKey, now, now,
	); err != nil {
		if isUniqueViolation(err) {
			s.writeAudit(ctx, auditRecord{EventType: auditEventAddGrant, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeFailure, Detail: "duplicate grant"})
			return connect.NewResponse(&api.StatusResponse{Status: false, Msg: msgGrantConflict}), nil
		}
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("insert grant: %w", err))
	}

	if err := s.limiter.Reset(ctx, throttleKey); err != nil {
		s.logger.Warn("failed to reset throttle state", "error", err)
	}
	s.logOperation("add-grant", actor.Email, envID, "success", map[string]any{"invitee": inviteeEmail})
	s.writeAudit(ctx, auditRecord{EventType: auditEventAddGrant, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeSuccess, Detail: inviteeEmail})
	return connect.NewResponse(&api.StatusResponse{Status: true, Msg: "Permission added"}), nil
}

func (s *Server) handleUpdateGrant(ctx context.Context, req *connect.Request[api.UpdateGrantRequest]) (*connect.Response[api.StatusResponse], error) {
	if err := req.Msg.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	actor, err := s.authenticate(req.Header())
	if err != nil {
		return nil, err
	}
	envID := strings.TrimSpace(req.Msg.EnvID)
	targetEmail := strings.TrimSpace(req.Msg.UserEmail)

	grant, err := s.loadGrant(ctx, s.db, envID, actor.Email)
	if err != nil {
		if !errors.Is(err, errPermissionDenied) {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		return s.denyStatus(ctx, auditEventUpdateGrant, actor, envID)
	}
	if err := requireCapabilities(grant.Capabilities, api.CapabilityUpdateUser); err != nil {
		return s.denyStatus(ctx, auditEventUpdateGrant, actor, envID)
	}

	capabilities, err := encodeCapabilities(req.Msg.Capabilities)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE grants SET capabilities = ?, updated_at = ? WHERE env_id = ? AND user_email = ?`),
		capabilities, timestamp(time.Now()), envID, targetEmail,
	)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("update grant: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("update grant rows: %w", err))
	}
	if affected == 0 {
		return connect.NewResponse(&api.StatusResponse{Status: false, Msg: msgGrantNotFound}), nil
	}

	s.logOperation("update-grant", actor.Email, envID, "success", map[string]any{"target": targetEmail})
	s.writeAudit(ctx, auditRecord{EventType: auditEventUpdateGrant, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeSuccess, Detail: targetEmail})
	return connect.NewResponse(&api.StatusResponse{Status: true, Msg: "Permission updated"}), nil
}

func (s *Server) handleRemoveGrant(ctx context.Context, req *connect.Request[api.RemoveGrantRequest]) (*connect.Response[api.StatusResponse], error) {
	if err := req.Msg.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	actor, err := s.authenticate(req.Header())
	if err != nil {
		return nil, err
	}
	envID := strings.TrimSpace(req.Msg.EnvID)
	targetEmail := strings.TrimSpace(req.Msg.UserEmail)

	grant, err := s.loadGrant(ctx, s.db, envID, actor.Email)
	if err != nil {
		if !errors.Is(err, errPermissionDenied) {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		return s.denyStatus(ctx, auditEventRemoveGrant, actor, envID)
	}
	if err := requireCapabilities(grant.Capabilities, api.CapabilityRemoveUser); err != nil {
		return s.denyStatus(ctx, auditEventRemoveGrant, actor, envID)
	}

	result, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM grants WHERE env_id = ? AND user_email = ?`), envID, targetEmail)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("delete grant: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("delete grant rows: %w", err))
	}
	if affected == 0 {
		return connect.NewResponse(&api.StatusResponse{Status: false, Msg: msgGrantNotFound}), nil
	}

	s.logOperation("remove-grant", actor.Email, envID, "success", map[string]any{"target": targetEmail})
	s.writeAudit(ctx, auditRecord{EventType: auditEventRemoveGrant, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeSuccess, Detail: targetEmail})
	return connect.NewResponse(&api.StatusResponse{Status: true, Msg: "Permission removed"}), nil
}

func (s *Server) handleListGrants(ctx context.Context, req *connect.Request[api.ListGrantsRequest]) (*connect.Response[api.ListGrantsResponse], error) {
	if err := req.Msg.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	actor, err := s.authenticate(req.Header())
	if err != nil {
		return nil, err
	}
	envID := strings.TrimSpace(req.Msg.EnvID)

	var owner string
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT owner FROM environments WHERE env_id = ?`), envID).Scan(&owner)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("lookup environment owner: %w", err))
	}
	if errors.Is(err, sql.ErrNoRows) || owner != actor.UID {
		msg := s.deny(ctx, auditEventListGrants, actor, envID)
		return connect.NewResponse(&api.ListGrantsResponse{Status: false, Msg: msg}), nil
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT user_email, capabilities FROM grants WHERE env_id = ? ORDER BY user_email ASC`), envID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("query grants: %w", err))
	}
	defer rows.Close()

	summaries := make([]api.GrantSummary, 0)
	for rows.Next() {
		var (
			summary api.GrantSummary
			rawSet  string
		)
		if err := rows.Scan(&summary.UserEmail, &rawSet); err != nil {
			return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("scan grant: %w", err))
		}
		summary.Capabilities, err = decodeCapabilities(rawSet)
		if err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("iterate grants: %w", err))
	}

	return connect.NewResponse(&api.ListGrantsResponse{Status: true, Msg: "Permissions", Data: summaries}), nil
}
