package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/crypto/bcrypt"

	"github.com/envoix/envoix/pkg/envoix/api"
)

const bcryptCost = 10

const msgBadCredentials = "incorrect email or password"

type userRecord struct {
	UID          string
	Email        string
	Name         string
	PasswordHash string
}

func (s *Server) lookupUserByEmail(ctx context.Context, email string) (userRecord, error) {
	return s.lookupUser(ctx, `SELECT uid, email, name, password_hash FROM users WHERE email = ?`, email)
}

func (s *Server) lookupUserByUID(ctx context.Context, uid string) (userRecord, error) {
	return s.lookupUser(ctx, `SELECT uid, email, name, password_hash FROM users WHERE uid = ?`, uid)
}

func (s *Server) lookupUser(ctx context.Context, query string, arg string) (userRecord, error) {
	var record userRecord
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), arg).
		Scan(&record.UID, &record.Email, &record.Name, &record.PasswordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return userRecord{}, errNotFound
		}
		return userRecord{}, fmt.Errorf("lookup user: %w", err)
	}
	return record, nil
}

func (s *Server) handleSignup(ctx context.Context, req *connect.Request[api.SignupRequest]) (*connect.Response[api.AuthResponse], error) {
	if err := req.Msg.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	email := strings.ToLower(strings.TrimSpace(req.Msg.Email))

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Msg.Password), bcryptCost)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("hash password: %w", err))
	}

	user := userRecord{
		UID:          newID("usr"),
		Email:        email,
		Name:         strings.TrimSpace(req.Msg.Name),
		PasswordHash: string(hash),
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO users (uid, email, name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`),
		user.UID, user.Email, user.Name, user.PasswordHash, timestamp(time.Now()),
	); err != nil {
		if isUniqueViolation(err) {
			return connect.NewResponse(&api.AuthResponse{Status: false, Msg: "user already exists"}), nil
		}
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("insert user: %w", err))
	}

	token, err := s.mintToken(user)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("mint token: %w", err))
	}

	s.logOperation("signup", user.Email, "", "success", nil)
	s.writeAudit(ctx, auditRecord{EventType: auditEventSignup, Actor: user.Email, Outcome: auditOutcomeSuccess})
	return connect.NewResponse(&api.AuthResponse{
		Status: true,
		Msg:    "Account created successfully",
		Data: &api.AuthData{
			User:  api.UserInfo{UID: user.UID, Email: user.Email, Name: user.Name},
			Token: token,
		},
	}), nil
}

func (s *Server) handleLogin(ctx context.Context, req *connect.Request[api.LoginRequest]) (*connect.Response[api.AuthResponse], error) {
	if err := req.Msg.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	email := strings.ToLower(strings.TrimSpace(req.Msg.Email))

	user, err := s.lookupUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, errNotFound) {
			s.writeAudit(ctx, auditRecord{EventType: auditEventLogin, Actor: email, Outcome: auditOutcomeFailure})
			return connect.NewResponse(&api.AuthResponse{Status: false, Msg: msgBadCredentials}), nil
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Msg.Password)); err != nil {
		s.writeAudit(ctx, auditRecord{EventType: auditEventLogin, Actor: email, Outcome: auditOutcomeFailure})
		return connect.NewResponse(&api.AuthResponse{Status: false, Msg: msgBadCredentials}), nil
	}

	token, err := s.mintToken(user)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("mint token: %w", err))
	}

	s.logOperation("login", user.Email, "", "success", nil)
	s.writeAudit(ctx, auditRecord{EventType: auditEventLogin, Actor: user.Email, Outcome: auditOutcomeSuccess})
	return connect.NewResponse(&api.AuthResponse{
		Status: true,
		Msg:    "Logged in",
		Data: &api.AuthData{
			User:  api.UserInfo{UID: user.UID, Email: user.Email, Name: user.Name},
			Token: token,
		},
	}), nil
}

func (s *Server) handleMe(ctx context.Context, req *connect.Request[api.MeRequest]) (*connect.Response[api.MeResponse], error) {
	actor, err := s.authenticate(req.Header())
	if err != nil {
		return nil, err
	}
	user, err := s.lookupUserByUID(ctx, actor.UID)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("unknown subject"))
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&api.MeResponse{
		Status: true,
		Msg:    "Current user",
		Data:   &api.UserInfo{UID: user.UID, Email: user.Email, Name: user.Name},
	}), nil
}
