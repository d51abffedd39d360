package vrchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// --- Generic HTTP helpers ---------------------------------------------------

func doGET(ctx context.Context, c *httpClient, url, endpoint string, out interface{}) error {
	return c.withReauth(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.apiDo(ctx, req, endpoint)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

func doJSON(ctx context.Context, c *httpClient, method, url, endpoint string, payload interface{}) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = b
	}
	return c.withReauth(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.apiDo(ctx, req, endpoint)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return nil
	})
}

// --- Users ------------------------------------------------------------------

func (c *httpClient) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	if err := doGET(ctx, c, c.cfg.BaseURL+"/users/"+url.PathEscape(userID), "get_user", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *httpClient) GetUserGroups(ctx context.Context, userID string) ([]UserGroup, error) {
	var groups []UserGroup
	if err := doGET(ctx, c, c.cfg.BaseURL+"/users/"+url.PathEscape(userID)+"/groups", "get_user_groups", &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// --- Group moderation -------------------------------------------------------

func (c *httpClient) GetGroupMembers(ctx context.Context, groupID string, n, offset int) ([]GroupMember, error) {
	var members []GroupMember
	u := fmt.Sprintf("%s/groups/%s/members?n=%d&offset=%d", c.cfg.BaseURL, url.PathEscape(groupID), n, offset)
	if err := doGET(ctx, c, u, "get_group_members", &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *httpClient) GetGroupMember(ctx context.Context, groupID, userID string) (*GroupMember, error) {
	var m GroupMember
	u := c.cfg.BaseURL + "/groups/" + url.PathEscape(groupID) + "/members/" + url.PathEscape(userID)
	if err := doGET(ctx, c, u, "get_group_member", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *httpClient) GetGroupJoinRequests(ctx context.Context, groupID string) ([]JoinRequest, error) {
	var reqs []JoinRequest
	u := c.cfg.BaseURL + "/groups/" + url.PathEscape(groupID) + "/requests"
	if err := doGET(ctx, c, u, "get_join_requests", &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

func (c *httpClient) GetGroupRoles(ctx context.Context, groupID string) ([]GroupRole, error) {
	var roles []GroupRole
	u := c.cfg.BaseURL + "/groups/" + url.PathEscape(groupID) + "/roles"
	if err := doGET(ctx, c, u, "get_group_roles", &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

func (c *httpClient) GetGroupBans(ctx context.Context, groupID string, n, offset int) ([]GroupBan, error) {
	var bans []GroupBan
	u := fmt.Sprintf("%s/groups/%s/bans?n=%d&offset=%d", c.cfg.BaseURL, url.PathEscape(groupID), n, offset)
	if err := doGET(ctx, c, u, "get_group_bans", &bans); err != nil {
		return nil, err
	}
	return bans, nil
}

func (c *httpClient) GetGroupAuditLogs(ctx context.Context, groupID string, n int) ([]AuditLogEntry, error) {
	// The audit endpoint wraps results in a paging envelope, unlike the
	// other list endpoints.
	var envelope struct {
		Results []AuditLogEntry `json:"results"`
	}
	u := fmt.Sprintf("%s/groups/%s/auditLogs?n=%d", c.cfg.BaseURL, url.PathEscape(groupID), n)
	if err := doGET(ctx, c, u, "get_audit_logs", &envelope); err != nil {
		return nil, err
	}
	return envelope.Results, nil
}

func (c *httpClient) RespondJoinRequest(ctx context.Context, groupID, userID string, accept bool) error {
	action := "reject"
	if accept {
		action = "accept"
	}
	u := c.cfg.BaseURL + "/groups/" + url.PathEscape(groupID) + "/requests/" + url.PathEscape(userID)
	return doJSON(ctx, c, http.MethodPut, u, "respond_join_request", map[string]string{"action": action})
}

func (c *httpClient) BanGroupMember(ctx context.Context, groupID, userID string) error {
	u := c.cfg.BaseURL + "/groups/" + url.PathEscape(groupID) + "/bans"
	return doJSON(ctx, c, http.MethodPost, u, "ban_group_member", map[string]string{"userId": userID})
}

func (c *httpClient) KickGroupMember(ctx context.Context, groupID, userID string) error {
	u := c.cfg.BaseURL + "/groups/" + url.PathEscape(groupID) + "/members/" + url.PathEscape(userID)
	return doJSON(ctx, c, http.MethodDelete, u, "kick_group_member", nil)
}

// --- Instances --------------------------------------------------------------

func (c *httpClient) GetGroupInstances(ctx context.Context, groupID string) ([]GroupInstance, error) {
	var instances []GroupInstance
	u := c.cfg.BaseURL + "/groups/" + url.PathEscape(groupID) + "/instances"
	if err := doGET(ctx, c, u, "get_group_instances", &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

func (c *httpClient) GetInstance(ctx context.Context, worldID, instanceID string) (*Instance, error) {
	var inst Instance
	u := c.cfg.BaseURL + "/instances/" + url.PathEscape(worldID+":"+instanceID)
	if err := doGET(ctx, c, u, "get_instance", &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *httpClient) CloseInstance(ctx context.Context, worldID, instanceID string) error {
	u := c.cfg.BaseURL + "/instances/" + url.PathEscape(worldID+":"+instanceID)
	return doJSON(ctx, c, http.MethodDelete, u, "close_instance", nil)
}
