package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/firemarkets/fmsession/core"
)

// maxExpiresIn bounds token lifetimes accepted from the backend.
const maxExpiresIn = 366 * 24 * time.Hour

// tokenResponse covers both the current and the legacy login payloads.
// Legacy backends send "token" instead of "access_token" and may omit
// expires_in.
type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	Token        string          `json:"token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    *float64        `json:"expires_in"`
	User         json.RawMessage `json:"user"`
}

type userResponse struct {
	ID          json.RawMessage `json:"id"`
	Username    string          `json:"username"`
	Role        string          `json:"role"`
	Permissions json.RawMessage `json:"permissions"`
}

type errorResponse struct {
	Detail  json.RawMessage `json:"detail"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// parseGrant validates a login or refresh payload. requireUser is set for
// login responses.
func parseGrant(body []byte, requireUser bool, defaultExpiresIn time.Duration) (*core.Grant, error) {
	var raw tokenResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	access := raw.AccessToken
	if access == "" {
		access = raw.Token
	}
	if access == "" {
		return nil, fmt.Errorf("token response has no access token")
	}

	expiresIn := defaultExpiresIn
	if raw.ExpiresIn != nil {
		if *raw.ExpiresIn <= 0 {
			return nil, fmt.Errorf("token response has non-positive expires_in %v", *raw.ExpiresIn)
		}
		if *raw.ExpiresIn > maxExpiresIn.Seconds() {
			return nil, fmt.Errorf("token response has out of range expires_in %v", *raw.ExpiresIn)
		}
		expiresIn = time.Duration(*raw.ExpiresIn * float64(time.Second))
	}

	grant := &core.Grant{
		AccessToken:  access,
		RefreshToken: raw.RefreshToken,
		ExpiresIn:    expiresIn,
	}

	if requireUser {
		if isNull(raw.User) {
			return nil, fmt.Errorf("login response has no user")
		}
		user, err := parseUser(raw.User)
		if err != nil {
			return nil, err
		}
		grant.User = user
	}
	return grant, nil
}

// parseVerify accepts {"user": {...}} or a bare user object.
func parseVerify(body []byte) (*core.User, error) {
	var wrapped struct {
		User json.RawMessage `json:"user"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	if !isNull(wrapped.User) {
		return parseUser(wrapped.User)
	}
	return parseUser(body)
}

func parseUser(data []byte) (*core.User, error) {
	var raw userResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}

	id, err := parseID(raw.ID)
	if err != nil {
		return nil, err
	}
	if raw.Username == "" {
		return nil, fmt.Errorf("user %s has no username", id)
	}

	perms, err := parsePermissions(raw.Permissions)
	if err != nil {
		return nil, err
	}

	return &core.User{
		ID:          id,
		Username:    raw.Username,
		Role:        raw.Role,
		Permissions: perms,
	}, nil
}

// parseID normalizes numeric and string ids to a string.
func parseID(data json.RawMessage) (string, error) {
	if isNull(data) {
		return "", fmt.Errorf("user has no id")
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("user has empty id")
		}
		return s, nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("user id is neither string nor number: %s", data)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}

// parsePermissions accepts a {"key": bool} map or a list of granted keys.
func parsePermissions(data json.RawMessage) (map[string]bool, error) {
	perms := map[string]bool{}
	if isNull(data) {
		return perms, nil
	}

	if err := json.Unmarshal(data, &perms); err == nil {
		return perms, nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("permissions are neither a map nor a list: %s", data)
	}
	perms = make(map[string]bool, len(list))
	for _, key := range list {
		perms[key] = true
	}
	return perms, nil
}

// parseDetail extracts the backend's error text for diagnostics.
func parseDetail(body []byte) string {
	var raw errorResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return strings.TrimSpace(truncate(string(body), 200))
	}

	if !isNull(raw.Detail) {
		var s string
		if err := json.Unmarshal(raw.Detail, &s); err == nil {
			return s
		}
		return truncate(string(raw.Detail), 200)
	}
	if raw.Error != "" {
		return raw.Error
	}
	return raw.Message
}

func isNull(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
