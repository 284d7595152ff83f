package webhook

import (
	"encoding/json"
	"errors"
	"strings"
)

const zeroSHA = "0000000000000000000000000000000000000000"

// pushPayload is the subset of a GitHub push event shipyard reads.
type pushPayload struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`

	Repository struct {
		FullName string `json:"full_name"`
		Name     string `json:"name"`
		Owner    struct {
			Login string `json:"login"`
			Name  string `json:"name"`
		} `json:"owner"`
	} `json:"repository"`

	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
}

// push is a parsed delivery.
type push struct {
	Repo          string
	Branch        string
	CommitRef     string
	CommitMessage string
	// Ignore is set for deliveries that never deploy.
	Ignore string
}

var errMalformedPayload = errors.New("malformed push payload")

func parsePush(body []byte) (push, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return push{}, errMalformedPayload
	}

	repo := p.Repository.FullName
	if repo == "" && p.Repository.Name != "" {
		owner := p.Repository.Owner.Login
		if owner == "" {
			owner = p.Repository.Owner.Name
		}
		if owner != "" {
			repo = owner + "/" + p.Repository.Name
		}
	}
	if repo == "" || p.Ref == "" {
		return push{}, errMalformedPayload
	}

	out := push{Repo: repo, CommitRef: p.After}
	if p.HeadCommit != nil {
		out.CommitRef = p.HeadCommit.ID
		out.CommitMessage = firstLine(p.HeadCommit.Message)
	}

	switch {
	case strings.HasPrefix(p.Ref, "refs/tags/"):
		out.Ignore = "tag push"
	case !strings.HasPrefix(p.Ref, "refs/heads/"):
		out.Ignore = "unsupported ref " + p.Ref
	case p.Deleted || p.After == zeroSHA:
		out.Ignore = "branch deleted"
	}
	out.Branch = strings.TrimPrefix(p.Ref, "refs/heads/")
	return out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
