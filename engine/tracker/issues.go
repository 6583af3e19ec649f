package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/issueflow/issueflow/engine/core"
)

// Issue is the raw issue payload returned by the tracker.
type Issue struct {
	ID     string         `json:"id"`
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

// CreatedIssue identifies a newly created issue.
type CreatedIssue struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// Transition is one workflow transition available on an issue.
type Transition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SearchResult is one page of a JQL search.
type SearchResult struct {
	Total  int     `json:"total"`
	Issues []Issue `json:"issues"`
}

func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	var out Issue
	_, err := c.do(ctx, "get issue", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetResult(&out).Get("/issue/" + key)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateIssue sends a PUT with the given field map.
func (c *Client) UpdateIssue(ctx context.Context, key string, fields map[string]any) error {
	_, err := c.do(ctx, "update issue", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetBody(map[string]any{"fields": fields}).
			Put("/issue/" + key)
	})
	return err
}

func (c *Client) CreateIssue(ctx context.Context, fields map[string]any) (*CreatedIssue, error) {
	var out CreatedIssue
	_, err := c.do(ctx, "create issue", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetBody(map[string]any{"fields": fields}).
			SetResult(&out).
			Post("/issue")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetTransitions(ctx context.Context, key string) ([]Transition, error) {
	var out struct {
		Transitions []Transition `json:"transitions"`
	}
	_, err := c.do(ctx, "get transitions", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetResult(&out).Get("/issue/" + key + "/transitions")
	})
	if err != nil {
		return nil, err
	}
	return out.Transitions, nil
}

func (c *Client) ApplyTransition(ctx context.Context, key, transitionID string) error {
	_, err := c.do(ctx, "apply transition", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetBody(map[string]any{"transition": map[string]any{"id": transitionID}}).
			Post("/issue/" + key + "/transitions")
	})
	return err
}

// AddComment posts a comment. Internal comments are restricted to the
// administrators role.
func (c *Client) AddComment(ctx context.Context, key, body string, internal bool) error {
	payload := map[string]any{"body": body}
	if internal {
		payload["visibility"] = map[string]any{"type": "role", "value": "Administrators"}
	}
	_, err := c.do(ctx, "add comment", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(payload).Post("/issue/" + key + "/comment")
	})
	return err
}

// AssignIssue sets the assignee; a nil accountID unassigns.
func (c *Client) AssignIssue(ctx context.Context, key string, accountID *string) error {
	body, err := json.Marshal(map[string]any{"accountId": accountID})
	if err != nil {
		return fmt.Errorf("failed to marshal assignee: %w", err)
	}
	_, err = c.do(ctx, "assign issue", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(body).Put("/issue/" + key + "/assignee")
	})
	return err
}

// LinkIssues creates a typed link with inwardKey as the inward side.
func (c *Client) LinkIssues(ctx context.Context, inwardKey, outwardKey, linkType string) error {
	_, err := c.do(ctx, "link issues", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(map[string]any{
			"type":         map[string]any{"name": linkType},
			"inwardIssue":  map[string]any{"key": inwardKey},
			"outwardIssue": map[string]any{"key": outwardKey},
		}).Post("/issueLink")
	})
	return err
}

// Search runs a JQL query returning one page of results.
func (c *Client) Search(ctx context.Context, jql string, startAt, maxResults int) (*SearchResult, error) {
	var out SearchResult
	_, err := c.do(ctx, "search", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParam("jql", jql).
			SetQueryParam("startAt", fmt.Sprintf("%d", startAt)).
			SetQueryParam("maxResults", fmt.Sprintf("%d", maxResults)).
			SetResult(&out).
			Get("/search")
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CountQuery returns the total number of issues matching a JQL query.
func (c *Client) CountQuery(ctx context.Context, jql string) (int, error) {
	res, err := c.Search(ctx, jql, 0, 0)
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

// UserInGroup checks membership of a user in a named group.
func (c *Client) UserInGroup(ctx context.Context, userID, group string) (bool, error) {
	var out []struct {
		Name string `json:"name"`
	}
	_, err := c.do(ctx, "get user groups", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().SetContext(ctx).
			SetQueryParam("accountId", userID).
			SetResult(&out).
			Get("/user/groups")
	})
	if err != nil {
		return false, err
	}
	for _, g := range out {
		if g.Name == group {
			return true, nil
		}
	}
	return false, nil
}

// ProjectCategoryID returns the category id of a project, or empty when the
// project has none.
func (c *Client) ProjectCategoryID(ctx context.Context, projectKey string) (string, error) {
	var out struct {
		ProjectCategory struct {
			ID string `json:"id"`
		} `json:"projectCategory"`
	}
	_, err := c.do(ctx, "get project", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetResult(&out).Get("/project/" + projectKey)
	})
	if err != nil {
		return "", err
	}
	return out.ProjectCategory.ID, nil
}

// ProjectKeyOf extracts the project key from an issue payload.
func ProjectKeyOf(issue *Issue) string {
	if issue == nil {
		return ""
	}
	project, ok := issue.Fields["project"].(map[string]any)
	if !ok {
		return ""
	}
	key, _ := project["key"].(string)
	return key
}

// SendNotification asks the tracker to notify the given recipients.
// Recipients are account ids or email addresses. With an issue key the
// notification is attached to the issue; without one it is tracker-wide.
func (c *Client) SendNotification(ctx context.Context, issueKey, subject, body string, recipients []string) error {
	if len(recipients) == 0 {
		return core.NewError(core.CategoryValidation, "missing_recipients", "at least one recipient is required")
	}
	users := make([]map[string]any, len(recipients))
	for i, r := range recipients {
		users[i] = map[string]any{"accountId": r}
	}
	path := "/notify"
	if issueKey != "" {
		path = "/issue/" + issueKey + "/notify"
	}
	_, err := c.do(ctx, "send notification", func(ctx context.Context) (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(map[string]any{
			"subject":  subject,
			"textBody": body,
			"to":       map[string]any{"users": users},
		}).Post(path)
	})
	return err
}
