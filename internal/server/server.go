package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/envoix/envoix/pkg/envoix/api"
)

type Server struct {
	logger    *slog.Logger
	db        *sql.DB
	dialect   dialect
	crypto    *cryptoService
	jwtSecret []byte
	limiter   attemptLimiter
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	db, d, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var limiter attemptLimiter
	if cfg.RedisAddr != "" {
		limiter = newRedisLimiter(cfg.RedisAddr)
	} else {
		limiter = newMemoryLimiter()
	}

	return &Server{
		logger:    logger,
		db:        db,
		dialect:   d,
		crypto:    newCryptoService(cfg.KDFIterations),
		jwtSecret: cfg.JWTSecret,
		limiter:   limiter,
	}, nil
}

func (s *Server) Close() error {
	if closer, ok := s.limiter.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	codec := api.JSONCodec{}

	mux.Handle(api.ProcedureCreateEnvironment, connect.NewUnaryHandler(api.ProcedureCreateEnvironment, s.handleCreateEnvironment, connect.WithCodec(codec)))
	mux.Handle(api.ProcedureListEnvironments, connect.NewUnaryHandler(api.ProcedureListEnvironments, s.handleListEnvironments, connect.WithCodec(codec)))
	mux.Handle(api.ProcedurePullEnvironment, connect.NewUnaryHandler(api.ProcedurePullEnvironment, s.handlePullEnvironment, connect.WithCodec(codec)))
	mux.Handle(api.ProcedurePushEnvironment, connect.NewUnaryHandler(api.ProcedurePushEnvironment, s.handlePushEnvironment, connect.WithCodec(codec)))
	mux.Handle(api.ProcedureDeleteEnvironment, connect.NewUnaryHandler(api.ProcedureDeleteEnvironment, s.handleDeleteEnvironment, connect.WithCodec(codec)))
	mux.Handle(api.ProcedureAddGrant, connect.NewUnaryHandler(api.ProcedureAddGrant, s.handleAddGrant, connect.WithCodec(codec)))
	mux.Handle(api.ProcedureUpdateGrant, connect.NewUnaryHandler(api.ProcedureUpdateGrant, s.handleUpdateGrant, connect.WithCodec(codec)))
	mux.Handle(api.ProcedureRemoveGrant, connect.NewUnaryHandler(api.ProcedureRemoveGrant, s.handleRemoveGrant, connect.WithCodec(codec)))
	mux.Handle(api.ProcedureListGrants, connect.NewUnaryHandler(api.ProcedureListGrants, s.handleListGrants, connect.WithCodec(codec)))
	mux.Handle(api.ProcedureSignup, connect.NewUnaryHandler(api.ProcedureSignup, s.handleSignup, connect.WithCodec(codec)))
	mux.Handle(api.ProcedureLogin, connect.NewUnaryHandler(api.ProcedureLogin, s.handleLogin, connect.WithCodec(codec)))
	mux.Handle(api.ProcedureMe, connect.NewUnaryHandler(api.ProcedureMe, s.handleMe, connect.WithCodec(codec)))
	return mux
}

type envRecord struct {
	EnvID      string
	Name       string
	EnvPath    string
	Owner      string
	Ciphertext []byte
}

func (s *Server) loadEnvironment(ctx context.Context, exec queryRowExecutor, envID string) (envRecord, error) {
	var record envRecord
	err := exec.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT env_id, name, env_path, owner, ciphertext FROM environments WHERE env_id = ?`), envID).
		Scan(&record.EnvID, &record.Name, &record.EnvPath, &record.Owner, &record.Ciphertext)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return envRecord{}, errNotFound
		}
		return envRecord{}, fmt.Errorf("lookup environment: %w", err)
	}
	return record, nil
}

func (s *Server) handleCreateEnvironment(ctx context.Context, req *connect.Request[api.CreateEnvironmentRequest]) (*connect.Response[api.CreateEnvironmentResponse], error) {
	if err := req.Msg.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	actor, err := s.authenticate(req.Header())
	if err != nil {
		return nil, err
	}

	mek, err := newMasterKey()
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	defer zeroBytes(mek)

	envID := uuid.NewString()
	ciphertext, err := s.crypto.sealPayload([]byte(req.Msg.EnvData), mek, envID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	wrappedKey, err := s.crypto.sealPayload(mek, []byte(req.Msg.Password), actor.UID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	capabilities, err := encodeCapabilities(api.AllCapabilities())
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	now := timestamp(time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO environments (env_id, name, env_path, owner, ciphertext, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		envID, req.Msg.Name, req.Msg.EnvPath, actor.UID, ciphertext, now, now,
	); err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("insert environment: %w", err))
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO grants (grant_id, env_id, user_email, capabilities, wrapped_key, bootstrapped, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`),
		newID("grt"), envID, actor.Email, capabilities, wrappedKey, now, now,
	); err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("insert creator grant: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("commit create transaction: %w", err))
	}

	s.logOperation("create-env", actor.Email, envID, "success", map[string]any{"name": req.Msg.Name})
	s.writeAudit(ctx, auditRecord{EventType: auditEventCreateEnv, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeSuccess})

	return connect.NewResponse(&api.CreateEnvironmentResponse{
		Status: true,
		Msg:    "Environment added",
		Data: &api.EnvironmentInfo{
			EnvID:   envID,
			Name:    req.Msg.Name,
			EnvPath: req.Msg.EnvPath,
		},
	}), nil
}

func (s *Server) handleListEnvironments(ctx context.Context, req *connect.Request[api.ListEnvironmentsRequest]) (*connect.Response[api.ListEnvironmentsResponse], error) {
	actor, err := s.authenticate(req.Header())
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT env_id, name FROM environments WHERE owner = ? ORDER BY created_at ASC`), actor.UID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("query environments: %w", err))
	}
	defer rows.Close()

	environments := make([]api.EnvironmentSummary, 0)
	for rows.Next() {
		var summary api.EnvironmentSummary
		if err := rows.Scan(&summary.EnvID, &summary.Name); err != nil {
			return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("scan environment: %w", err))
		}
		environments = append(environments, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("iterate environments: %w", err))
	}

	return connect.NewResponse(&api.ListEnvironmentsResponse{Status: true, Msg: "All environments", Data: environments}), nil
}

func (s *Server) handlePullEnvironment(ctx context.Context, req *connect.Request[api.PullEnvironmentRequest]) (*connect.Response[api.PullEnvironmentResponse], error) {
	if err := req.Msg.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	actor, err := s.authenticate(req.Header())
	if err != nil {
		return nil, err
	}
	envID := strings.TrimSpace(req.Msg.EnvID)

	grant, err := s.loadGrant(ctx, s.db, envID, actor.Email)
	if err != nil {
		if !errors.Is(err, errPermissionDenied) {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		return connect.NewResponse(&api.PullEnvironmentResponse{Status: false, Msg: s.denyPull(ctx, actor, envID)}), nil
	}
	if err := requireCapabilities(grant.Capabilities, api.CapabilityPull); err != nil {
		return connect.NewResponse(&api.PullEnvironmentResponse{Status: false, Msg: s.denyPull(ctx, actor, envID)}), nil
	}

	throttleKey := envID + "|" + actor.Email
	if !s.allowAttempt(ctx, throttleKey) {
		s.writeAudit(ctx, auditRecord{EventType: auditEventPull, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeDenied, Detail: "throttled"})
		return connect.NewResponse(&api.PullEnvironmentResponse{Status: false, Msg: msgAuthFailed}), nil
	}

	env, err := s.loadEnvironment(ctx, s.db, envID)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return connect.NewResponse(&api.PullEnvironmentResponse{Status: false, Msg: s.denyPull(ctx, actor, envID)}), nil
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	var (
		mek       []byte
		activated []byte
	)
	if !grant.Bootstrapped {
		if req.Msg.OneTimeSecret == "" {
			s.writeAudit(ctx, auditRecord{EventType: auditEventPull, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeDenied, Detail: "bootstrap pull without one-time secret"})
			return connect.NewResponse(&api.PullEnvironmentResponse{Status: false, Msg: msgPasswordNotChanged}), nil
		}
		mek, err = s.crypto.openPayload(grant.WrappedKey, []byte(req.Msg.OneTimeSecret), actor.UID)
		if err != nil {
			return connect.NewResponse(&api.PullEnvironmentResponse{Status: false, Msg: s.failSecret(ctx, auditEventPull, actor, envID, throttleKey)}), nil
		}
		activated, err = s.crypto.sealPayload(mek, []byte(req.Msg.Password), actor.UID)
		if err != nil {
			zeroBytes(mek)
			return nil, connect.NewError(connect.CodeInternal, err)
		}
	} else {
		mek, err = s.crypto.openPayload(grant.WrappedKey, []byte(req.Msg.Password), actor.UID)
		if err != nil {
			return connect.NewResponse(&api.PullEnvironmentResponse{Status: false, Msg: s.failSecret(ctx, auditEventPull, actor, envID, throttleKey)}), nil
		}
	}
	defer zeroBytes(mek)

	plaintext, err := s.crypto.openPayload(env.Ciphertext, mek, envID)
	if err != nil {
		// The MEK unwrapped but the payload did not: corrupted ciphertext.
		// Indistinguishable from a wrong secret on the wire. The grant keeps
		// its current wrapped key and bootstrap state.
		s.logger.Error("environment payload failed to decrypt under unwrapped key", "env_id", envID)
		s.writeAudit(ctx, auditRecord{EventType: auditEventPull, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeFailure, Detail: "payload decrypt failed"})
		return connect.NewResponse(&api.PullEnvironmentResponse{Status: false, Msg: msgAuthFailed}), nil
	}

	// The payload verified end to end, so the activation may commit: rewrap
	// under the holder's password and retire the one-time secret.
	if activated != nil {
		if _, err := s.db.ExecContext(ctx, s.dialect.rebind(
			`UPDATE grants SET wrapped_key = ?, bootstrapped = 1, updated_at = ? WHERE grant_id = ?`),
			activated, timestamp(time.Now()), grant.GrantID,
		); err != nil {
			return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("activate grant: %w", err))
		}
	}

	if err := s.limiter.Reset(ctx, throttleKey); err != nil {
		s.logger.Warn("failed to reset throttle state", "error", err)
	}
	s.logOperation("pull", actor.Email, envID, "success", nil)
	s.writeAudit(ctx, auditRecord{EventType: auditEventPull, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeSuccess})

	return connect.NewResponse(&api.PullEnvironmentResponse{
		Status: true,
		Msg:    "Environment",
		Data: &api.EnvironmentPayload{
			EnvID:   env.EnvID,
			Name:    env.Name,
			EnvPath: env.EnvPath,
			EnvData: string(plaintext),
		},
	}), nil
}

func (s *Server) handlePushEnvironment(ctx context.Context, req *connect.Request[api.PushEnvironmentRequest]) (*connect.Response[api.StatusResponse], error) {
	if err := req.Msg.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	actor, err := s.authenticate(req.Header())
	if err != nil {
		return nil, err
	}
	envID := strings.TrimSpace(req.Msg.EnvID)

	grant, err := s.loadGrant(ctx, s.db, envID, actor.Email)
	if err != nil {
		if !errors.Is(err, errPermissionDenied) {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		return s.denyStatus(ctx, auditEventPush, actor, envID)
	}
	if err := requireCapabilities(grant.Capabilities, api.CapabilityPush); err != nil {
		return s.denyStatus(ctx, auditEventPush, actor, envID)
	}
	if !grant.Bootstrapped {
		// The wrapped key is still under the one-time secret; the holder must
		// activate through a pull before writing.
		return connect.NewResponse(&api.StatusResponse{Status: false, Msg: msgPasswordNotChanged}), nil
	}

	throttleKey := envID + "|" + actor.Email
	if !s.allowAttempt(ctx, throttleKey) {
		s.writeAudit(ctx, auditRecord{EventType: auditEventPush, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeDenied, Detail: "throttled"})
		return connect.NewResponse(&api.StatusResponse{Status: false, Msg: msgAuthFailed}), nil
	}

	mek, err := s.crypto.openPayload(grant.WrappedKey, []byte(req.Msg.Password), actor.UID)
	if err != nil {
		return connect.NewResponse(&api.StatusResponse{Status: false, Msg: s.failSecret(ctx, auditEventPush, actor, envID, throttleKey)}), nil
	}
	defer zeroBytes(mek)

	ciphertext, err := s.crypto.sealPayload([]byte(req.Msg.EnvData), mek, envID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE environments SET ciphertext = ?, updated_at = ? WHERE env_id = ?`),
		ciphertext, timestamp(time.Now()), envID,
	)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("update environment: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("update environment rows: %w", err))
	}
	if affected == 0 {
		return s.denyStatus(ctx, auditEventPush, actor, envID)
	}

	if err := s.limiter.Reset(ctx, throttleKey); err != nil {
		s.logger.Warn("failed to reset throttle state", "error", err)
	}
	s.logOperation("push", actor.Email, envID, "success", nil)
	s.writeAudit(ctx, auditRecord{EventType: auditEventPush, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeSuccess})
	return connect.NewResponse(&api.StatusResponse{Status: true, Msg: "Environment updated"}), nil
}

func (s *Server) handleDeleteEnvironment(ctx context.Context, req *connect.Request[api.DeleteEnvironmentRequest]) (*connect.Response[api.StatusResponse], error) {
	if err := req.Msg.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	actor, err := s.authenticate(req.Header())
	if err != nil {
		return nil, err
	}
	envID := strings.TrimSpace(req.Msg.EnvID)

	env, err := s.loadEnvironment(ctx, s.db, envID)
	if err != nil && !errors.Is(err, errNotFound) {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if errors.Is(err, errNotFound) || env.Owner != actor.UID {
		return s.denyStatus(ctx, auditEventDeleteEnv, actor, envID)
	}

	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM environments WHERE env_id = ? AND owner = ?`), envID, actor.UID); err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("delete environment: %w", err))
	}

	s.logOperation("delete-env", actor.Email, envID, "success", nil)
	s.writeAudit(ctx, auditRecord{EventType: auditEventDeleteEnv, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeSuccess})
	return connect.NewResponse(&api.StatusResponse{Status: true, Msg: "Environment deleted"}), nil
}

// allowAttempt consults the throttle; a throttle backend fault is logged and
// the attempt allowed, so a redis outage degrades to unthrottled rather than
// locking every vault out.
func (s *Server) allowAttempt(ctx context.Context, key string) bool {
	allowed, err := s.limiter.Allow(ctx, key)
	if err != nil {
		s.logger.Warn("throttle lookup failed", "error", err)
		return true
	}
	return allowed
}

// failSecret records a wrong-secret attempt and returns the generic message.
func (s *Server) failSecret(ctx context.Context, event auditEventType, actor identity, envID, throttleKey string) string {
	if err := s.limiter.RecordFailure(ctx, throttleKey); err != nil {
		s.logger.Warn("failed to record throttle failure", "error", err)
	}
	s.logOperation(string(event), actor.Email, envID, "failure", map[string]any{"failure_code": "crypto"})
	s.writeAudit(ctx, auditRecord{EventType: event, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeFailure, Detail: "secret mismatch"})
	return msgAuthFailed
}

func (s *Server) denyPull(ctx context.Context, actor identity, envID string) string {
	return s.deny(ctx, auditEventPull, actor, envID)
}

func (s *Server) denyStatus(ctx context.Context, event auditEventType, actor identity, envID string) (*connect.Response[api.StatusResponse], error) {
	return connect.NewResponse(&api.StatusResponse{Status: false, Msg: s.deny(ctx, event, actor, envID)}), nil
}

// deny collapses permission denials and missing resources into one generic
// message so probing for environment existence yields nothing.
func (s *Server) deny(ctx context.Context, event auditEventType, actor identity, envID string) string {
	s.logOperation(string(event), actor.Email, envID, "denied", nil)
	s.writeAudit(ctx, auditRecord{EventType: event, Actor: actor.Email, EnvID: envID, Outcome: auditOutcomeDenied, Detail: "denied"})
	return msgPermissionDenied
}

func newID(prefix string) string {
	bytes := make([]byte, 10)
	_, _ = rand.Read(bytes)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(bytes))
}
