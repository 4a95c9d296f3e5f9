// Package documents reads and updates document metadata rows in the
// Dataverse store. Like the Graph client, credentials live in the HTTP
// transport and never appear in this API.
package documents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/securedocs/sdap/pkg/errors"
)

// maxBodySize bounds how much of a response we read.
const maxBodySize = 1 << 20

// Document is the metadata row the service exposes.
type Document struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ContainerID      string `json:"containerId,omitempty"`
	SensitivityLabel string `json:"sensitivityLabel,omitempty"`
	Owner            string `json:"owner,omitempty"`
	ETag             string `json:"etag,omitempty"`
	ModifiedOn       string `json:"modifiedOn,omitempty"`
}

// documentWire matches the Dataverse row shape.
type documentWire struct {
	ETag             string `json:"@odata.etag"`
	ID               string `json:"sdap_documentid"`
	Name             string `json:"sdap_name"`
	ContainerID      string `json:"sdap_containerid"`
	SensitivityLabel string `json:"sdap_sensitivitylabel"`
	Owner            string `json:"sdap_owner"`
	ModifiedOn       string `json:"modifiedon"`
}

func (w *documentWire) toDocument() *Document {
	return &Document{
		ID:               w.ID,
		Name:             w.Name,
		ContainerID:      w.ContainerID,
		SensitivityLabel: w.SensitivityLabel,
		Owner:            w.Owner,
		ETag:             w.ETag,
		ModifiedOn:       w.ModifiedOn,
	}
}

// UpdatePatch carries the writable fields of a metadata update. Nil fields
// are left unchanged.
type UpdatePatch struct {
	Name             *string `json:"name,omitempty"`
	SensitivityLabel *string `json:"sensitivityLabel,omitempty"`
	Owner            *string `json:"owner,omitempty"`
}

// toWire converts a patch to Dataverse column names.
func (p *UpdatePatch) toWire() map[string]any {
	out := make(map[string]any)
	if p.Name != nil {
		out["sdap_name"] = *p.Name
	}
	if p.SensitivityLabel != nil {
		out["sdap_sensitivitylabel"] = *p.SensitivityLabel
	}
	if p.Owner != nil {
		out["sdap_owner"] = *p.Owner
	}
	return out
}

// Client speaks the Dataverse Web API for document rows.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client against the given environment URL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// Get returns one document's metadata.
func (c *Client) Get(ctx context.Context, id string) (*Document, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.rowURL(id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp)
	}

	var wire documentWire
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&wire); err != nil {
		return nil, errors.New(errors.KindUnavailable, "undecodable document response", err)
	}
	return wire.toDocument(), nil
}

// Update applies a partial metadata update. A non-empty etag is sent as
// If-Match so a concurrent change surfaces as PreconditionFailed instead of
// a silent overwrite.
func (c *Client) Update(ctx context.Context, id string, patch *UpdatePatch, etag string) (*Document, error) {
	wire := patch.toWire()
	if len(wire) == 0 {
		return nil, errors.New(errors.KindUnknown, "empty metadata update", nil)
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, errors.New(errors.KindUnknown, "failed to encode update", err)
	}

	req, err := c.newRequest(ctx, http.MethodPatch, c.rowURL(id), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	// Return the updated row instead of 204.
	req.Header.Set("Prefer", "return=representation")
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp)
	}

	var updated documentWire
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&updated); err != nil {
		return nil, errors.New(errors.KindUnavailable, "undecodable document response", err)
	}
	return updated.toDocument(), nil
}

// rowURL addresses one row by key.
func (c *Client) rowURL(id string) string {
	return fmt.Sprintf("%s/api/data/v9.2/sdap_documents(%s)", c.baseURL, url.PathEscape(id))
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, errors.New(errors.KindUnknown, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	return req, nil
}

// classifyStatus maps an error response onto a stable kind.
func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))

	kind := errors.KindUnknown
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		kind = errors.KindInvalidCredential
	case http.StatusForbidden:
		kind = errors.KindDeny
	case http.StatusNotFound:
		kind = errors.KindNotFound
	case http.StatusConflict:
		kind = errors.KindConflict
	case http.StatusPreconditionFailed:
		kind = errors.KindPreconditionFailed
	case http.StatusTooManyRequests:
		kind = errors.KindRateLimited
	default:
		if resp.StatusCode >= 500 {
			kind = errors.KindUnavailable
		}
	}

	detail := odataErrorMessage(body)
	if detail == "" {
		detail = fmt.Sprintf("metadata store returned %d", resp.StatusCode)
	}
	return errors.New(kind, detail, nil)
}

func classifyTransportError(err error) error {
	if errors.Kind(err) != errors.KindUnknown {
		return err
	}
	return errors.New(errors.KindUnavailable, "metadata store call failed", err)
}

// odataErrorMessage extracts the message from an OData error envelope.
func odataErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Error.Message
}
