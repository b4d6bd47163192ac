package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gh "github.com/google/go-github/v80/github"
	"golang.org/x/oauth2"

	"github.com/foxy1402/keep-me-alive/internal/domain"
)

const (
	// GistFilename is the single file inside the gist holding the document.
	// Shared with other frontends; do not change.
	GistFilename = "keepmealive_data.json"

	gistRequestTimeout = 10 * time.Second
)

// GistStore persists the document in a private GitHub Gist.
type GistStore struct {
	gh     *gh.Client
	gistID string
}

// NewGistStore builds a store over the GitHub API using a personal access
// token. The gist must already exist; see Create for bootstrapping.
func NewGistStore(ctx context.Context, token, gistID string) *GistStore {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	tc.Timeout = gistRequestTimeout
	return &GistStore{gh: gh.NewClient(tc), gistID: gistID}
}

// NewGistStoreWithClient is used by tests to point at a fake API server.
func NewGistStoreWithClient(client *gh.Client, gistID string) *GistStore {
	return &GistStore{gh: client, gistID: gistID}
}

func (s *GistStore) Load(ctx context.Context) (domain.Document, Version, error) {
	gist, _, err := s.gh.Gists.Get(ctx, s.gistID)
	if err != nil {
		return domain.Document{}, "", wrapGistError(err, "load gist")
	}
	file, ok := gist.Files[GistFilename]
	if !ok || file.Content == nil {
		return domain.Document{}, "", fmt.Errorf("%w: gist %s has no %s", ErrParse, s.gistID, GistFilename)
	}
	raw := []byte(file.GetContent())
	doc, err := domain.DecodeDocument(raw)
	if err != nil {
		return domain.Document{}, "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	return doc, ContentVersion(raw), nil
}

func (s *GistStore) Save(ctx context.Context, doc domain.Document) (Version, error) {
	data, err := domain.EncodeDocument(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	payload := &gh.Gist{
		Files: map[gh.GistFilename]gh.GistFile{
			GistFilename: {Content: gh.Ptr(string(data))},
		},
	}
	if _, _, err := s.gh.Gists.Edit(ctx, s.gistID, payload); err != nil {
		return "", wrapGistError(err, "save gist")
	}
	return ContentVersion(data), nil
}

// Create makes a fresh secret gist seeded with the default document and
// returns its ID. Needs only the token, not a gist ID.
func (s *GistStore) Create(ctx context.Context) (string, error) {
	doc := domain.DefaultDocument()
	data, err := domain.EncodeDocument(doc)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	payload := &gh.Gist{
		Description: gh.Ptr("keep-me-alive website data"),
		Public:      gh.Ptr(false),
		Files: map[gh.GistFilename]gh.GistFile{
			GistFilename: {Content: gh.Ptr(string(data))},
		},
	}
	created, _, err := s.gh.Gists.Create(ctx, payload)
	if err != nil {
		return "", wrapGistError(err, "create gist")
	}
	return created.GetID(), nil
}

// wrapGistError maps go-github failures onto the store error kinds.
func wrapGistError(err error, op string) error {
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %s: %s", ErrAuth, op, ghErr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s: gist not found", ErrUnreachable, op)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s: %s", ErrConflict, op, ghErr.Message)
		}
		if ghErr.Response.StatusCode >= 500 {
			return fmt.Errorf("%w: %s: status %d", ErrUnreachable, op, ghErr.Response.StatusCode)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("%w: %s: rate limited until %s", ErrUnreachable, op, rateErr.Rate.Reset)
	}
	// Anything else is a transport failure: DNS, timeout, refused connection.
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, op, err)
}
