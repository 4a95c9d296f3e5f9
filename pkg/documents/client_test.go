package documents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securedocs/sdap/pkg/errors"
)

func newClientForTest(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.Client())
}

func strptr(s string) *string { return &s }

func TestClient_Get(t *testing.T) {
	t.Parallel()

	client := newClientForTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/data/v9.2/sdap_documents(doc-1)", r.URL.Path)
		assert.Equal(t, "4.0", r.Header.Get("OData-Version"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"@odata.etag": "W/\"12345\"",
			"sdap_documentid": "doc-1",
			"sdap_name": "quarterly-report.docx",
			"sdap_containerid": "c-1",
			"sdap_sensitivitylabel": "confidential",
			"sdap_owner": "user-1",
			"modifiedon": "2026-08-20T10:00:00Z"
		}`))
	})

	doc, err := client.Get(context.Background(), "doc-1")
	require.NoError(t, err)

	assert.Equal(t, "doc-1", doc.ID)
	assert.Equal(t, "quarterly-report.docx", doc.Name)
	assert.Equal(t, "confidential", doc.SensitivityLabel)
	assert.Equal(t, `W/"12345"`, doc.ETag)
}

func TestClient_GetNotFound(t *testing.T) {
	t.Parallel()

	client := newClientForTest(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"Record not found"}}`))
	})

	_, err := client.Get(context.Background(), "missing")
	assert.Equal(t, errors.KindNotFound, errors.Kind(err))
	assert.Contains(t, err.Error(), "Record not found")
}

func TestClient_Update(t *testing.T) {
	t.Parallel()

	client := newClientForTest(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, `W/"12345"`, r.Header.Get("If-Match"))
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "renamed.docx", body["sdap_name"])
		_, hasLabel := body["sdap_sensitivitylabel"]
		assert.False(t, hasLabel, "unset fields must not be sent")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"@odata.etag": "W/\"12346\"",
			"sdap_documentid": "doc-1",
			"sdap_name": "renamed.docx"
		}`))
	})

	doc, err := client.Update(context.Background(), "doc-1",
		&UpdatePatch{Name: strptr("renamed.docx")}, `W/"12345"`)
	require.NoError(t, err)

	assert.Equal(t, "renamed.docx", doc.Name)
	assert.Equal(t, `W/"12346"`, doc.ETag)
}

func TestClient_UpdateStaleETag(t *testing.T) {
	t.Parallel()

	client := newClientForTest(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	})

	_, err := client.Update(context.Background(), "doc-1",
		&UpdatePatch{Name: strptr("renamed.docx")}, `W/"stale"`)
	assert.Equal(t, errors.KindPreconditionFailed, errors.Kind(err))
}

func TestClient_UpdateEmptyPatch(t *testing.T) {
	t.Parallel()

	client := NewClient("https://dataverse.example.com", http.DefaultClient)
	_, err := client.Update(context.Background(), "doc-1", &UpdatePatch{}, "")
	assert.ErrorContains(t, err, "empty metadata update")
}
