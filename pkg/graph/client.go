package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/securedocs/sdap/pkg/errors"
)

const (
	// DefaultBaseURL is the Microsoft Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// maxErrorBodySize bounds how much of an error body we read.
	maxErrorBodySize = 64 << 10
)

// DriveItem is the subset of the Graph drive item the service exposes.
type DriveItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ETag        string `json:"eTag,omitempty"`
	Size        int64  `json:"size,omitempty"`
	WebURL      string `json:"webUrl,omitempty"`
	IsFolder    bool   `json:"isFolder"`
	LastModTime string `json:"lastModifiedDateTime,omitempty"`
}

// driveItemWire matches the Graph response shape.
type driveItemWire struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	ETag         string          `json:"eTag"`
	Size         int64           `json:"size"`
	WebURL       string          `json:"webUrl"`
	Folder       json.RawMessage `json:"folder"`
	LastModified string          `json:"lastModifiedDateTime"`
}

func (w *driveItemWire) toDriveItem() DriveItem {
	return DriveItem{
		ID:          w.ID,
		Name:        w.Name,
		ETag:        w.ETag,
		Size:        w.Size,
		WebURL:      w.WebURL,
		IsFolder:    len(w.Folder) > 0,
		LastModTime: w.LastModified,
	}
}

// UploadSession is a Graph large-file upload session.
type UploadSession struct {
	ID                 string   `json:"id"`
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges,omitempty"`
}

// Content is streamed file content plus the headers a proxy passes through.
type Content struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	ETag          string
}

// Client performs drive and container operations against Graph. Its
// transport attaches credentials, so none of these methods take or return
// tokens.
type Client struct {
	baseURL string
	http    *http.Client
}

// ListContainerItems lists the children of a container's root drive.
func (c *Client) ListContainerItems(ctx context.Context, containerID string) ([]DriveItem, error) {
	path := fmt.Sprintf("/storage/fileStorage/containers/%s/drive/root/children", url.PathEscape(containerID))

	var wire struct {
		Value []driveItemWire `json:"value"`
	}
	if err := c.getJSON(ctx, path, &wire); err != nil {
		return nil, err
	}

	items := make([]DriveItem, 0, len(wire.Value))
	for i := range wire.Value {
		items = append(items, wire.Value[i].toDriveItem())
	}
	return items, nil
}

// UploadFile writes a small file's content under the container root. Graph
// limits this simple path to 4 MiB; larger files go through upload sessions.
func (c *Client) UploadFile(ctx context.Context, containerID, filePath string, body io.Reader, contentType string) (*DriveItem, error) {
	path := fmt.Sprintf("/storage/fileStorage/containers/%s/drive/root:/%s:/content",
		url.PathEscape(containerID), escapeDrivePath(filePath))

	req, err := c.newRequest(ctx, http.MethodPut, path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	var wire driveItemWire
	if err := c.do(req, &wire); err != nil {
		return nil, err
	}
	item := wire.toDriveItem()
	return &item, nil
}

// GetItemContent streams a drive item's content.
func (c *Client) GetItemContent(ctx context.Context, driveID, itemID string) (*Content, error) {
	path := fmt.Sprintf("/drives/%s/items/%s/content", url.PathEscape(driveID), url.PathEscape(itemID))

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, classifyStatus(resp)
	}

	return &Content{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		ETag:          resp.Header.Get("ETag"),
	}, nil
}

// DeleteItem removes a drive item. An If-Match header is sent when etag is
// non-empty so concurrent modifications surface as PreconditionFailed.
func (c *Client) DeleteItem(ctx context.Context, driveID, itemID, etag string) error {
	path := fmt.Sprintf("/drives/%s/items/%s", url.PathEscape(driveID), url.PathEscape(itemID))

	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	return c.do(req, nil)
}

// CreateUploadSession opens a resumable upload session for a large file.
func (c *Client) CreateUploadSession(ctx context.Context, containerID, filePath string) (*UploadSession, error) {
	path := fmt.Sprintf("/storage/fileStorage/containers/%s/drive/root:/%s:/createUploadSession",
		url.PathEscape(containerID), escapeDrivePath(filePath))

	payload := strings.NewReader(`{"item":{"@microsoft.graph.conflictBehavior":"replace"}}`)
	req, err := c.newRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var session UploadSession
	if err := c.do(req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// UploadChunk sends one byte range to an upload session. Graph returns the
// completed item on the final chunk and 202 with the next expected ranges
// otherwise.
func (c *Client) UploadChunk(ctx context.Context, uploadURL string, chunk io.Reader, contentRange string, length int64) (*UploadSession, *DriveItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, chunk)
	if err != nil {
		return nil, nil, errors.New(errors.KindUnknown, "failed to build chunk request", err)
	}
	req.Header.Set("Content-Range", contentRange)
	req.ContentLength = length

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		var session UploadSession
		if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
			return nil, nil, errors.New(errors.KindUnknown, "undecodable upload session response", err)
		}
		return &session, nil, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		var wire driveItemWire
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, nil, errors.New(errors.KindUnknown, "undecodable drive item response", err)
		}
		item := wire.toDriveItem()
		return nil, &item, nil
	default:
		return nil, nil, classifyStatus(resp)
	}
}

// newRequest builds a request against the Graph base URL.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.New(errors.KindUnknown, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// getJSON performs a GET and decodes the response.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// do executes the request and decodes a JSON response into out when out is
// non-nil.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.New(errors.KindUnknown, "undecodable response from downstream", err)
	}
	return nil
}

// classifyStatus maps an error response onto a stable kind.
func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	detail := graphErrorMessage(body)

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
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		kind = errors.KindUnavailable
	case http.StatusGatewayTimeout:
		kind = errors.KindTimeout
	default:
		if resp.StatusCode >= 500 {
			kind = errors.KindUnavailable
		}
	}

	if detail == "" {
		detail = fmt.Sprintf("downstream returned %d", resp.StatusCode)
	}
	return errors.New(kind, detail, nil)
}

// classifyTransportError maps client-side failures. Circuit and exchange
// errors already carry kinds and pass through via the url.Error unwrap in
// errors.Kind.
func classifyTransportError(err error) error {
	if errors.Kind(err) != errors.KindUnknown {
		return err
	}
	return errors.New(errors.KindUnavailable, "downstream call failed", err)
}

// graphErrorMessage extracts the message from a Graph error envelope.
func graphErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	if envelope.Error.Message == "" {
		return envelope.Error.Code
	}
	return envelope.Error.Message
}

// escapeDrivePath escapes each segment of a drive path while keeping the
// separators.
func escapeDrivePath(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
