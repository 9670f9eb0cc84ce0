package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/npezzotti/pointing-poker/internal/types"
)

const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

// Jira implements Client against the Jira REST API v2.
type Jira struct {
	httpClient       *http.Client
	baseURL          string
	email            string
	apiToken         string
	storyPointsField string
}

func NewJira(httpClient *http.Client, baseURL, email, apiToken, storyPointsField string) *Jira {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Jira{
		httpClient:       httpClient,
		baseURL:          strings.TrimRight(baseURL, "/"),
		email:            email,
		apiToken:         apiToken,
		storyPointsField: storyPointsField,
	}
}

type jiraNamed struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type jiraComment struct {
	Author  jiraNamed `json:"author"`
	Body    string    `json:"body"`
	Created string    `json:"created"`
}

type jiraAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	MimeType string `json:"mimeType"`
}

type jiraLinkedIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary string    `json:"summary"`
		Status  jiraNamed `json:"status"`
	} `json:"fields"`
}

type jiraIssueLink struct {
	Type struct {
		Name    string `json:"name"`
		Inward  string `json:"inward"`
		Outward string `json:"outward"`
	} `json:"type"`
	InwardIssue  *jiraLinkedIssue `json:"inwardIssue"`
	OutwardIssue *jiraLinkedIssue `json:"outwardIssue"`
}

type jiraFields struct {
	Summary     string     `json:"summary"`
	Description string     `json:"description"`
	IssueType   jiraNamed  `json:"issuetype"`
	Status      jiraNamed  `json:"status"`
	Assignee    *jiraNamed `json:"assignee"`
	Reporter    *jiraNamed `json:"reporter"`
	Priority    *jiraNamed `json:"priority"`
	Labels      []string   `json:"labels"`
	Comment     struct {
		Comments []jiraComment `json:"comments"`
	} `json:"comment"`
	Attachment   []jiraAttachment `json:"attachment"`
	IssueLinks   []jiraIssueLink  `json:"issuelinks"`
	TimeTracking struct {
		OriginalEstimateSeconds *int64 `json:"originalEstimateSeconds"`
	} `json:"timetracking"`
}

type jiraIssue struct {
	Id     string                     `json:"id"`
	Key    string                     `json:"key"`
	Fields map[string]json.RawMessage `json:"fields"`
}

func (j *Jira) issueURL(key string) string {
	return fmt.Sprintf("%s/rest/api/2/issue/%s", j.baseURL, url.PathEscape(key))
}

func (j *Jira) do(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("tracker/jira: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("tracker/jira: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if j.email != "" || j.apiToken != "" {
		req.SetBasicAuth(j.email, j.apiToken)
	}

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker/jira: %s %s: %w", method, endpoint, err)
	}

	return resp, nil
}

func (j *Jira) FetchIssue(ctx context.Context, key string) (types.Issue, error) {
	fields := []string{
		"summary", "description", "issuetype", "status", "assignee", "reporter",
		"priority", "labels", "comment", "attachment", "issuelinks", "timetracking",
	}
	if j.storyPointsField != "" {
		fields = append(fields, j.storyPointsField)
	}

	endpoint := j.issueURL(key) + "?fields=" + url.QueryEscape(strings.Join(fields, ","))
	resp, err := j.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.Issue{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.Issue{}, fmt.Errorf("tracker/jira: %s: %w", key, ErrIssueNotFound)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return types.Issue{}, fmt.Errorf("tracker/jira: fetch %s: HTTP %d: %s", key, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw jiraIssue
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return types.Issue{}, fmt.Errorf("tracker/jira: decode issue: %w", err)
	}

	return j.toIssue(raw)
}

func (j *Jira) toIssue(raw jiraIssue) (types.Issue, error) {
	var f jiraFields
	b, err := json.Marshal(raw.Fields)
	if err != nil {
		return types.Issue{}, fmt.Errorf("tracker/jira: re-encode fields: %w", err)
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return types.Issue{}, fmt.Errorf("tracker/jira: decode fields: %w", err)
	}

	issue := types.Issue{
		Key:          raw.Key,
		Id:           raw.Id,
		Summary:      f.Summary,
		Description:  f.Description,
		IssueType:    f.IssueType.Name,
		Status:       f.Status.Name,
		Labels:       f.Labels,
		TimeEstimate: f.TimeTracking.OriginalEstimateSeconds,
	}
	if f.Assignee != nil {
		issue.Assignee = f.Assignee.DisplayName
	}
	if f.Reporter != nil {
		issue.Reporter = f.Reporter.DisplayName
	}
	if f.Priority != nil {
		issue.Priority = f.Priority.Name
	}

	if rawPoints, ok := raw.Fields[j.storyPointsField]; ok && j.storyPointsField != "" {
		var points *float64
		if err := json.Unmarshal(rawPoints, &points); err == nil {
			issue.StoryPoints = points
		}
	}

	for _, c := range f.Comment.Comments {
		created, _ := time.Parse(jiraTimeLayout, c.Created)
		issue.Comments = append(issue.Comments, types.Comment{
			Author:  c.Author.DisplayName,
			Body:    c.Body,
			Created: created,
		})
	}

	for _, a := range f.Attachment {
		issue.Attachments = append(issue.Attachments, types.Attachment{
			Filename: a.Filename,
			URL:      a.Content,
			MimeType: a.MimeType,
		})
	}

	for _, l := range f.IssueLinks {
		switch {
		case l.OutwardIssue != nil:
			issue.LinkedIssues = append(issue.LinkedIssues, types.LinkedIssue{
				Key:     l.OutwardIssue.Key,
				Type:    l.Type.Outward,
				Summary: l.OutwardIssue.Fields.Summary,
				Status:  l.OutwardIssue.Fields.Status.Name,
			})
		case l.InwardIssue != nil:
			issue.LinkedIssues = append(issue.LinkedIssues, types.LinkedIssue{
				Key:     l.InwardIssue.Key,
				Type:    l.Type.Inward,
				Summary: l.InwardIssue.Fields.Summary,
				Status:  l.InwardIssue.Fields.Status.Name,
			})
		}
	}

	return issue, nil
}

// UpdateEstimate writes story points into the configured custom field, or an
// original estimate in hours into time tracking.
func (j *Jira) UpdateEstimate(ctx context.Context, key string, value float64, kind types.EstimationType) error {
	var fields map[string]any
	switch kind {
	case types.EstimateOriginalEstimate:
		fields = map[string]any{
			"timetracking": map[string]string{
				"originalEstimate": fmt.Sprintf("%dm", int64(value*60)),
			},
		}
	default:
		if j.storyPointsField == "" {
			return fmt.Errorf("tracker/jira: no story points field configured")
		}
		fields = map[string]any{j.storyPointsField: value}
	}

	resp, err := j.do(ctx, http.MethodPut, j.issueURL(key), map[string]any{"fields": fields})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("tracker/jira: %s: %w", key, ErrIssueNotFound)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("tracker/jira: update %s: HTTP %d: %s", key, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}
