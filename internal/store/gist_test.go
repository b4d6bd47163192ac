package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	gh "github.com/google/go-github/v80/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxy1402/keep-me-alive/internal/domain"
)

// fakeGistAPI serves just enough of the GitHub API for the adapter.
func fakeGistAPI(t *testing.T, handler http.HandlerFunc) *GistStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := gh.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base
	return NewGistStoreWithClient(client, "g123")
}

func gistBody(t *testing.T, doc domain.Document) string {
	t.Helper()
	content, err := domain.EncodeDocument(doc)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"id": "g123",
		"files": map[string]any{
			GistFilename: map[string]any{"content": string(content)},
		},
	})
	require.NoError(t, err)
	return string(body)
}

func TestGistStoreLoad(t *testing.T) {
	doc := domain.DefaultDocument()
	require.NoError(t, doc.AddWebsite(domain.Website{ID: "web_a", URL: "https://a.example.com", Enabled: true}))

	s := fakeGistAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/gists/g123", r.URL.Path)
		fmt.Fprint(w, gistBody(t, doc))
	})

	loaded, version, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, version)
	require.Len(t, loaded.Websites, 1)
	assert.Equal(t, "web_a", loaded.Websites[0].ID)
}

func TestGistStoreSave(t *testing.T) {
	var saved struct {
		Files map[string]struct {
			Content string `json:"content"`
		} `json:"files"`
	}
	s := fakeGistAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&saved))
		fmt.Fprint(w, `{"id":"g123"}`)
	})

	doc := domain.DefaultDocument()
	require.NoError(t, doc.AddWebsite(domain.Website{ID: "web_a", URL: "https://a.example.com"}))

	version, err := s.Save(context.Background(), doc)
	require.NoError(t, err)
	assert.NotEmpty(t, version)

	content, ok := saved.Files[GistFilename]
	require.True(t, ok, "save must write the canonical filename")
	roundTrip, err := domain.DecodeDocument([]byte(content.Content))
	require.NoError(t, err)
	require.Len(t, roundTrip.Websites, 1)
	assert.Equal(t, "web_a", roundTrip.Websites[0].ID)
}

func TestGistStoreErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrAuth},
		{"forbidden", http.StatusForbidden, ErrAuth},
		{"not found", http.StatusNotFound, ErrUnreachable},
		{"server error", http.StatusInternalServerError, ErrUnreachable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := fakeGistAPI(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"message":"nope"}`)
			})
			_, _, err := s.Load(context.Background())
			assert.ErrorIs(t, err, tc.want)
		})
	}

	t.Run("unreachable host", func(t *testing.T) {
		client := gh.NewClient(nil)
		base, _ := url.Parse("http://127.0.0.1:1/") // nothing listens here
		client.BaseURL = base
		s := NewGistStoreWithClient(client, "g123")
		_, _, err := s.Load(context.Background())
		assert.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("invalid document content is a parse error", func(t *testing.T) {
		s := fakeGistAPI(t, func(w http.ResponseWriter, r *http.Request) {
			body, _ := json.Marshal(map[string]any{
				"id":    "g123",
				"files": map[string]any{GistFilename: map[string]any{"content": "{broken"}},
			})
			w.Write(body)
		})
		_, _, err := s.Load(context.Background())
		assert.ErrorIs(t, err, ErrParse)
	})

	t.Run("missing file is a parse error", func(t *testing.T) {
		s := fakeGistAPI(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"id":"g123","files":{}}`)
		})
		_, _, err := s.Load(context.Background())
		assert.ErrorIs(t, err, ErrParse)
	})
}

func TestGistStoreCreate(t *testing.T) {
	s := fakeGistAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/gists", r.URL.Path)
		var req struct {
			Public bool `json:"public"`
			Files  map[string]struct {
				Content string `json:"content"`
			} `json:"files"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Public)
		_, ok := req.Files[GistFilename]
		assert.True(t, ok)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"g_new"}`)
	})

	id, err := s.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "g_new", id)
}
