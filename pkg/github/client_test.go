package github_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirkhh/adsb-boottest/pkg/github"
)

func newTestClient(t *testing.T, handler http.Handler) github.Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return github.NewClient(log, &github.Config{
		Token:          "test-token",
		Repo:           "owner/repo",
		APIBaseURL:     srv.URL,
		RequestTimeout: 5 * time.Second,
	})
}

func TestClient_GetRelease(t *testing.T) {
	var gotAuth, gotAccept string

	client := newTestClient(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotAccept = r.Header.Get("Accept")

			require.Equal(t, "/repos/owner/repo/releases/42", r.URL.Path)

			_ = json.NewEncoder(w).Encode(github.Release{
				ID: 42, TagName: "v3.0.1", Body: "notes",
			})
		}))

	release, err := client.GetRelease(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), release.ID)
	assert.Equal(t, "v3.0.1", release.TagName)
	assert.Equal(t, "notes", release.Body)

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "application/vnd.github+json", gotAccept)
}

func TestClient_UpdateReleaseBody(t *testing.T) {
	var gotMethod, gotBody string

	client := newTestClient(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method

			var payload struct {
				Body string `json:"body"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			gotBody = payload.Body

			_ = json.NewEncoder(w).Encode(github.Release{ID: 42})
		}))

	err := client.UpdateReleaseBody(context.Background(), 42, "new body")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "new body", gotBody)
}

func TestClient_ListIssueCommentsPaginates(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			page := r.URL.Query().Get("page")

			var comments []github.Comment

			switch page {
			case "1":
				// A full page forces a second request.
				for i := range 100 {
					comments = append(comments, github.Comment{
						ID: int64(i + 1), Body: fmt.Sprintf("comment %d", i+1),
					})
				}
			default:
				comments = []github.Comment{{ID: 101, Body: "last one"}}
			}

			_ = json.NewEncoder(w).Encode(comments)
		}))

	comments, err := client.ListIssueComments(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, comments, 101)
	assert.Equal(t, "last one", comments[100].Body)
}

func TestClient_CreateAndUpdateIssueComment(t *testing.T) {
	var updatePath string

	client := newTestClient(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost:
				require.Equal(t,
					"/repos/owner/repo/issues/7/comments", r.URL.Path)

				w.WriteHeader(http.StatusCreated)
				_ = json.NewEncoder(w).Encode(github.Comment{ID: 555})
			case http.MethodPatch:
				updatePath = r.URL.Path
				_ = json.NewEncoder(w).Encode(github.Comment{ID: 555})
			}
		}))

	comment, err := client.CreateIssueComment(context.Background(), 7, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(555), comment.ID)

	require.NoError(t,
		client.UpdateIssueComment(context.Background(), 555, "edited"))

	// Comment updates go through the issues/comments endpoint, not the
	// per-issue one.
	assert.Equal(t, "/repos/owner/repo/issues/comments/555", updatePath)
}

func TestClient_ValidateToken(t *testing.T) {
	tests := []struct {
		name       string
		expiry     string
		wantExpiry bool
	}{
		{
			name:       "github date format",
			expiry:     "2026-09-06 08:00:00 UTC",
			wantExpiry: true,
		},
		{
			name:       "rfc3339 format",
			expiry:     "2026-09-06T08:00:00Z",
			wantExpiry: true,
		},
		{
			name:       "no expiry header",
			expiry:     "",
			wantExpiry: false,
		},
		{
			name:       "unparseable header",
			expiry:     "next tuesday",
			wantExpiry: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(
				func(w http.ResponseWriter, r *http.Request) {
					require.Equal(t, "/user", r.URL.Path)

					w.Header().Set("X-RateLimit-Remaining", "4321")
					if tc.expiry != "" {
						w.Header().Set(
							"GitHub-Authentication-Token-Expiration",
							tc.expiry,
						)
					}

					_ = json.NewEncoder(w).Encode(
						map[string]string{"login": "boottest-bot"})
				}))

			info, err := client.ValidateToken(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "boottest-bot", info.Login)
			assert.Equal(t, 4321, info.RateRemaining)

			if tc.wantExpiry {
				require.NotNil(t, info.ExpiresAt)
				assert.Equal(t,
					time.Date(2026, 9, 6, 8, 0, 0, 0, time.UTC),
					info.ExpiresAt.UTC())
			} else {
				assert.Nil(t, info.ExpiresAt)
			}
		})
	}
}

func TestClient_SurfacesAPIErrors(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
		}))

	_, err := client.ValidateToken(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "Bad credentials")
}
