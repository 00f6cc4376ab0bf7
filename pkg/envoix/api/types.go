package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	ProcedureCreateEnvironment = "/envoix.v1.EnvService/CreateEnvironment"
	ProcedureListEnvironments  = "/envoix.v1.EnvService/ListEnvironments"
	ProcedurePullEnvironment   = "/envoix.v1.EnvService/PullEnvironment"
	ProcedurePushEnvironment   = "/envoix.v1.EnvService/PushEnvironment"
	ProcedureDeleteEnvironment = "/envoix.v1.EnvService/DeleteEnvironment"
	ProcedureAddGrant          = "/envoix.v1.GrantService/AddGrant"
	ProcedureUpdateGrant       = "/envoix.v1.GrantService/UpdateGrant"
	ProcedureRemoveGrant       = "/envoix.v1.GrantService/RemoveGrant"
	ProcedureListGrants        = "/envoix.v1.GrantService/ListGrants"
	ProcedureSignup            = "/envoix.v1.AuthService/Signup"
	ProcedureLogin             = "/envoix.v1.AuthService/Login"
	ProcedureMe                = "/envoix.v1.AuthService/Me"
)

const MinPasswordLength = 8

type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Capability names one class of environment operation a grant holder may
// perform. The set is closed; unknown values are rejected at the boundary.
type Capability string

const (
	CapabilityPull       Capability = "pull"
	CapabilityPush       Capability = "push"
	CapabilityAdmin      Capability = "admin"
	CapabilityAddUser    Capability = "add_user"
	CapabilityRemoveUser Capability = "remove_user"
	CapabilityUpdateUser Capability = "update_user"
)

func AllCapabilities() CapabilitySet {
	return CapabilitySet{
		CapabilityPull,
		CapabilityPush,
		CapabilityAdmin,
		CapabilityAddUser,
		CapabilityRemoveUser,
		CapabilityUpdateUser,
	}
}

func knownCapability(c Capability) bool {
	switch c {
	case CapabilityPull, CapabilityPush, CapabilityAdmin,
		CapabilityAddUser, CapabilityRemoveUser, CapabilityUpdateUser:
		return true
	default:
		return false
	}
}

// CapabilitySet is a set of capabilities serialized as a JSON array of
// strings. Membership is explicit: no capability implies another.
type CapabilitySet []Capability

func (s CapabilitySet) Validate() error {
	if len(s) == 0 {
		return errors.New("capability set must not be empty")
	}
	for _, c := range s {
		if !knownCapability(c) {
			return fmt.Errorf("unknown capability: %s", string(c))
		}
	}
	return nil
}

// Normalize returns a sorted, de-duplicated copy of the set.
func (s CapabilitySet) Normalize() CapabilitySet {
	seen := make(map[Capability]struct{}, len(s))
	out := make(CapabilitySet, 0, len(s))
	for _, c := range s {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s CapabilitySet) Has(c Capability) bool {
	for _, granted := range s {
		if granted == c {
			return true
		}
	}
	return false
}

// HasAll reports whether every required capability is present in the set.
func (s CapabilitySet) HasAll(required ...Capability) bool {
	for _, c := range required {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

func ParseCapabilitySet(values []string) (CapabilitySet, error) {
	set := make(CapabilitySet, 0, len(values))
	for _, value := range values {
		set = append(set, Capability(strings.TrimSpace(value)))
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set.Normalize(), nil
}

// StatusResponse is the envelope for operations that return no data.
type StatusResponse struct {
	Status bool   `json:"status"`
	Msg    string `json:"msg"`
}

type EnvironmentInfo struct {
	EnvID   string `json:"env_id"`
	Name    string `json:"name"`
	EnvPath string `json:"env_path,omitempty"`
}

type EnvironmentSummary struct {
	EnvID string `json:"env_id"`
	Name  string `json:"name"`
}

type EnvironmentPayload struct {
	EnvID   string `json:"env_id"`
	Name    string `json:"name"`
	EnvPath string `json:"env_path,omitempty"`
	EnvData string `json:"env_data"`
}

type GrantSummary struct {
	UserEmail    string        `json:"user_email"`
	Capabilities CapabilitySet `json:"capabilities"`
}

type CreateEnvironmentRequest struct {
	Name     string `json:"name"`
	EnvPath  string `json:"env_path,omitempty"`
	EnvData  string `json:"env_data,omitempty"`
	Password string `json:"password"`
}

func (r CreateEnvironmentRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if len(r.Password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

type CreateEnvironmentResponse struct {
	Status bool             `json:"status"`
	Msg    string           `json:"msg"`
	Data   *EnvironmentInfo `json:"data,omitempty"`
}

type ListEnvironmentsRequest struct{}

type ListEnvironmentsResponse struct {
	Status bool                 `json:"status"`
	Msg    string               `json:"msg"`
	Data   []EnvironmentSummary `json:"data,omitempty"`
}

type PullEnvironmentRequest struct {
	EnvID         string `json:"env_id"`
	Password      string `json:"password"`
	OneTimeSecret string `json:"one_time_secret,omitempty"`
}

func (r PullEnvironmentRequest) Validate() error {
	if strings.TrimSpace(r.EnvID) == "" {
		return errors.New("env_id is required")
	}
	if r.Password == "" {
		return errors.New("password is required")
	}
	return nil
}

type PullEnvironmentResponse struct {
	Status bool                `json:"status"`
	Msg    string              `json:"msg"`
	Data   *EnvironmentPayload `json:"data,omitempty"`
}

type PushEnvironmentRequest struct {
	EnvID    string `json:"env_id"`
	EnvData  string `json:"env_data"`
	Password string `json:"password"`
}

func (r PushEnvironmentRequest) Validate() error {
	if strings.TrimSpace(r.EnvID) == "" {
		return errors.New("env_id is required")
	}
	if r.Password == "" {
		return errors.New("password is required")
	}
	return nil
}

type DeleteEnvironmentRequest struct {
	EnvID string `json:"env_id"`
}

func (r DeleteEnvironmentRequest) Validate() error {
	if strings.TrimSpace(r.EnvID) == "" {
		return errors.New("env_id is required")
	}
	return nil
}

type AddGrantRequest struct {
	EnvID         string        `json:"env_id"`
	UserEmail     string        `json:"user_email"`
	Capabilities  CapabilitySet `json:"capabilities"`
	Password      string        `json:"password"`
	OneTimeSecret string        `json:"one_time_secret"`
}

func (r AddGrantRequest) Validate() error {
	if strings.TrimSpace(r.EnvID) == "" {
		return errors.New("env_id is required")
	}
	if err := validateEmail(r.UserEmail); err != nil {
		return err
	}
	if err := r.Capabilities.Validate(); err != nil {
		return err
	}
	if r.Password == "" {
		return errors.New("password is required")
	}
	if r.OneTimeSecret == "" {
		return errors.New("one_time_secret is required")
	}
	return nil
}

type UpdateGrantRequest struct {
	EnvID        string        `json:"env_id"`
	UserEmail    string        `json:"user_email"`
	Capabilities CapabilitySet `json:"capabilities"`
}

func (r UpdateGrantRequest) Validate() error {
	if strings.TrimSpace(r.EnvID) == "" {
		return errors.New("env_id is required")
	}
	if err := validateEmail(r.UserEmail); err != nil {
		return err
	}
	return r.Capabilities.Validate()
}

type RemoveGrantRequest struct {
	EnvID     string `json:"env_id"`
	UserEmail string `json:"user_email"`
}

func (r RemoveGrantRequest) Validate() error {
	if strings.TrimSpace(r.EnvID) == "" {
		return errors.New("env_id is required")
	}
	return validateEmail(r.UserEmail)
}

type ListGrantsRequest struct {
	EnvID string `json:"env_id"`
}

func (r ListGrantsRequest) Validate() error {
	if strings.TrimSpace(r.EnvID) == "" {
		return errors.New("env_id is required")
	}
	return nil
}

type ListGrantsResponse struct {
	Status bool           `json:"status"`
	Msg    string         `json:"msg"`
	Data   []GrantSummary `json:"data,omitempty"`
}

type UserInfo struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type AuthData struct {
	User  UserInfo `json:"user"`
	Token string   `json:"token"`
}

type SignupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r SignupRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if err := validateEmail(r.Email); err != nil {
		return err
	}
	if len(r.Password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginRequest) Validate() error {
	if err := validateEmail(r.Email); err != nil {
		return err
	}
	if r.Password == "" {
		return errors.New("password is required")
	}
	return nil
}

type AuthResponse struct {
	Status bool      `json:"status"`
	Msg    string    `json:"msg"`
	Data   *AuthData `json:"data,omitempty"`
}

type MeRequest struct{}

type MeResponse struct {
	Status bool      `json:"status"`
	Msg    string    `json:"msg"`
	Data   *UserInfo `json:"data,omitempty"`
}

func validateEmail(value string) error {
	trimmed := strings.TrimSpace(value)
	at := strings.Index(trimmed, "@")
	if at < 1 || at == len(trimmed)-1 || !strings.Contains(trimmed[at+1:], ".") {
		return errors.New("invalid email")
	}
	return nil
}
