package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPClient implements Client over the node REST API:
//
//	GET    /api/policies             list artifacts
//	GET    /api/policies/{id}        artifact metadata
//	DELETE /api/policies/{id}        remove artifact
//	POST   /api/jobs                 submit export/import/apply job
//	GET    /api/jobs/{id}            poll job
//	DELETE /api/jobs/{id}            delete job record
//	GET    /api/staging/{file}       download staged file
//	PUT    /api/staging/{file}       upload chunk (Content-Range)
//
// Every request performs a fresh token exchange through the Authorizer, so
// each upload chunk to a remote node carries its own authorization.
type HTTPClient struct {
	info Info
	auth Authorizer
	http *http.Client
}

// NewHTTPClient creates a client for the node described by info.
// A nil httpClient gets one limited to DefaultTransferTimeout per request;
// a nil auth uses StaticAuthorizer.
func NewHTTPClient(info Info, auth Authorizer, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTransferTimeout}
	}
	if auth == nil {
		auth = StaticAuthorizer{}
	}
	return &HTTPClient{info: info, auth: auth, http: httpClient}
}

// NewHTTPResolver builds a StaticResolver of HTTP clients, one per node.
func NewHTTPResolver(nodes []Info, auth Authorizer, httpClient *http.Client) *StaticResolver {
	clients := make([]Client, 0, len(nodes))
	for _, n := range nodes {
		clients = append(clients, NewHTTPClient(n, auth, httpClient))
	}
	return NewStaticResolver(clients...)
}

// Info implements Client.
func (c *HTTPClient) Info() Info { return c.info }

type jobSubmission struct {
	Kind     JobKind        `json:"kind"`
	PolicyID string         `json:"policy_id,omitempty"`
	Import   *ImportRequest `json:"import,omitempty"`
}

func (c *HTTPClient) LookupArtifact(ctx context.Context, idOrName string) (Artifact, error) {
	var a Artifact
	err := c.doJSON(ctx, http.MethodGet, "/api/policies/"+url.PathEscape(idOrName), nil, &a)
	if err == nil {
		return a, nil
	}
	if !isNotFound(err) {
		return Artifact{}, err
	}

	// Not addressable by ID; fall back to a name match.
	all, err := c.ListArtifacts(ctx)
	if err != nil {
		return Artifact{}, err
	}
	for _, a := range all {
		if SameName(a.Name, idOrName) {
			return a, nil
		}
	}
	return Artifact{}, fmt.Errorf("artifact %q on %s: %w", idOrName, c.info.ID, ErrNotFound)
}

func (c *HTTPClient) ListArtifacts(ctx context.Context) ([]Artifact, error) {
	var out []Artifact
	if err := c.doJSON(ctx, http.MethodGet, "/api/policies", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) DeleteArtifact(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/policies/"+url.PathEscape(id), nil, nil)
}

func (c *HTTPClient) SubmitExport(ctx context.Context, artifactID string) (JobHandle, error) {
	return c.submit(ctx, jobSubmission{Kind: JobExport, PolicyID: artifactID})
}

func (c *HTTPClient) SubmitImport(ctx context.Context, req ImportRequest) (JobHandle, error) {
	return c.submit(ctx, jobSubmission{Kind: JobImport, Import: &req})
}

func (c *HTTPClient) SubmitApply(ctx context.Context, artifactID string) (JobHandle, error) {
	return c.submit(ctx, jobSubmission{Kind: JobApply, PolicyID: artifactID})
}

func (c *HTTPClient) submit(ctx context.Context, sub jobSubmission) (JobHandle, error) {
	var h JobHandle
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs", sub, &h); err != nil {
		return JobHandle{}, fmt.Errorf("submit %s job: %w", sub.Kind, err)
	}
	if h.ID == "" {
		return JobHandle{}, fmt.Errorf("submit %s job: node %s returned no job id", sub.Kind, c.info.ID)
	}
	h.Kind = sub.Kind
	h.Node = c.info.ID
	return h, nil
}

func (c *HTTPClient) PollJob(ctx context.Context, job JobHandle) (JobStatus, error) {
	var st JobStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(job.ID), nil, &st); err != nil {
		return JobStatus{}, err
	}
	return st, nil
}

func (c *HTTPClient) DeleteJob(ctx context.Context, job JobHandle) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(job.ID), nil, nil)
}

func (c *HTTPClient) Download(ctx context.Context, file string, w io.Writer) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/staging/"+url.PathEscape(file), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download %s from %s: %w", file, c.info.ID, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("download %s from %s: %w", file, c.info.ID, err)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download %s from %s: %w", file, c.info.ID, err)
	}
	return nil
}

func (c *HTTPClient) UploadChunk(ctx context.Context, file string, rng ChunkRange, data []byte) error {
	req, err := c.newRequest(ctx, http.MethodPut, "/api/staging/"+url.PathEscape(file), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", FormatContentRange(rng))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s to %s: %w", file, c.info.ID, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("upload %s [%s] to %s: %w", file, FormatContentRange(rng), c.info.ID, err)
	}
	return nil
}

// FormatContentRange renders rng as a Content-Range header value.
func FormatContentRange(rng ChunkRange) string {
	return fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, rng.Total)
}

// ParseContentRange parses a "bytes start-end/total" header value.
func ParseContentRange(v string) (ChunkRange, error) {
	var rng ChunkRange
	v = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "bytes"))
	if _, err := fmt.Sscanf(v, "%d-%d/%d", &rng.Start, &rng.End, &rng.Total); err != nil {
		return ChunkRange{}, fmt.Errorf("invalid content range %q: %w", v, err)
	}
	if rng.Start < 0 || rng.End < rng.Start || rng.End >= rng.Total {
		return ChunkRange{}, fmt.Errorf("invalid content range %q", v)
	}
	return rng, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.info.URL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", c.info.ID, err)
	}
	token, err := c.auth.Token(ctx, c.info)
	if err != nil {
		return nil, fmt.Errorf("authorize %s: %w", c.info.ID, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s on %s: %w", method, path, c.info.ID, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("%s %s on %s: %w", method, path, c.info.ID, err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response from %s: %w", path, c.info.ID, err)
	}
	return nil
}

// StatusError is a non-2xx response from a node.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Is maps a 404 response to ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
