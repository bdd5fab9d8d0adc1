package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdock/taskdock/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL:     srv.URL,
		Token:       "test-token",
		Timeout:     2 * time.Second,
		MinInterval: time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "https://example.com"}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestCreate_SendsFieldsAndDecodesRecord(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	var gotBody map[string]json.RawMessage

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(map[string]any{
			"id": "rec-100",
			"fields": map[string]any{
				"Name":    "Buy milk",
				"Status":  map[string]string{"name": "Todo"},
				"Project": map[string]string{"id": "proj-1"},
			},
		})
	})

	e := &model.Entity{Type: model.EntityTask, Name: "Buy milk", Status: "Todo", ProjectID: "proj-1"}
	got, err := c.Create(context.Background(), e)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/tasks", gotPath)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Contains(t, gotBody, "fields")

	assert.Equal(t, "rec-100", got.ID)
	assert.Equal(t, "Buy milk", got.Name)
	assert.Equal(t, "Todo", got.Status)
	assert.Equal(t, "proj-1", got.ProjectID)
	assert.Equal(t, model.StatusSynced, got.SyncStatus)
}

func TestUpdate_PatchesByID(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "rec-7",
			"fields": map[string]any{"Name": "Renamed"},
		})
	})

	e := &model.Entity{ID: "rec-7", Type: model.EntityTask, Name: "Renamed"}
	got, err := c.Update(context.Background(), e)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/tasks/rec-7", gotPath)
	assert.Equal(t, "Renamed", got.Name)
}

func TestDelete(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	err := c.Delete(context.Background(), model.EntitySection, "rec-9")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/sections/rec-9", gotPath)
}

func TestListAll_FollowsOffsetCursor(t *testing.T) {
	var offsets []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		offsets = append(offsets, offset)
		switch offset {
		case "":
			json.NewEncoder(w).Encode(map[string]any{
				"records": []map[string]any{
					{"id": "rec-1", "fields": map[string]any{"Name": "one"}},
					{"id": "rec-2", "fields": map[string]any{"Name": "two"}},
				},
				"offset": "page2",
			})
		case "page2":
			json.NewEncoder(w).Encode(map[string]any{
				"records": []map[string]any{
					{"id": "rec-3", "fields": map[string]any{"Name": "three"}},
				},
			})
		default:
			t.Errorf("unexpected offset %q", offset)
		}
	})

	got, err := c.ListAll(context.Background(), model.EntityTask)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"", "page2"}, offsets)
	assert.Equal(t, "rec-1", got[0].ID)
	assert.Equal(t, "rec-3", got[2].ID)
}

func TestAPIError_CarriesStatusAndMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "Unknown field name"},
		})
	})

	_, err := c.Create(context.Background(), &model.Entity{Type: model.EntityTask, Name: "x"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "Unknown field name", apiErr.Message)
	assert.False(t, IsTransport(err), "API rejection must not classify as transport failure")
}

func TestAPIError_FlatErrorShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "NOT_AUTHORIZED"})
	})

	err := c.Delete(context.Background(), model.EntityTask, "rec-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NOT_AUTHORIZED", apiErr.Message)
}

func TestTransportError_Classification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c, err := NewClient(Config{
		BaseURL:     srv.URL,
		Token:       "test-token",
		MinInterval: time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	srv.Close() // connection refused from here on

	_, err = c.ListAll(context.Background(), model.EntityTask)
	require.Error(t, err)
	assert.True(t, IsTransport(err))

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestTimeout_IsTransportError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() { close(release); srv.Close() })

	c, err := NewClient(Config{
		BaseURL:     srv.URL,
		Token:       "test-token",
		Timeout:     50 * time.Millisecond,
		MinInterval: time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = c.ListAll(context.Background(), model.EntityTask)
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}

func TestPace_SpacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL:     srv.URL,
		Token:       "test-token",
		MinInterval: 40 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Delete(context.Background(), model.EntityTask, "rec-1"))
	}
	// Three calls need two full intervals between them.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLinkValue_Shapes(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "scalar", in: `"rec-1"`, want: "rec-1"},
		{name: "object id", in: `{"id":"rec-2"}`, want: "rec-2"},
		{name: "object name", in: `{"name":"Done"}`, want: "Done"},
		{name: "empty object", in: `{}`, wantErr: true},
		{name: "array", in: `[1,2]`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var l linkValue
			err := json.Unmarshal([]byte(tc.in), &l)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(l))
		})
	}
}

func TestDecodeRecord_DueDate(t *testing.T) {
	rec := record{
		ID:     "rec-1",
		Fields: []byte(`{"Name":"x","DueDate":"2026-09-15T17:00:00Z"}`),
	}
	e, err := decodeRecord(model.EntityTask, rec)
	require.NoError(t, err)
	require.NotNil(t, e.DueAt)
	assert.Equal(t, time.Date(2026, 9, 15, 17, 0, 0, 0, time.UTC), e.DueAt.UTC())

	bad := record{ID: "rec-2", Fields: []byte(`{"Name":"x","DueDate":"next tuesday"}`)}
	_, err = decodeRecord(model.EntityTask, bad)
	assert.Error(t, err)
}
