package syncer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/internal/httpclient"
)

// Item is one element of a pulled batch. Cursor is the position after
// consuming the item; Data is stream-specific and decoded by the applier.
type Item struct {
	Cursor string          `json:"cursor"`
	Data   json.RawMessage `json:"data"`
}

// Batch is the authority's response to one pull request. Items arrive in
// cursor order. HasMore signals the stream has further items past the last
// cursor and the caller should pull again immediately.
type Batch struct {
	Items   []Item `json:"items"`
	HasMore bool   `json:"has_more"`
}

// PullRequest asks for the items of one stream after a cursor.
type PullRequest struct {
	Key   StreamKey
	After string
	Limit int
}

// Puller fetches stream batches from the authority.
type Puller interface {
	Pull(ctx context.Context, req PullRequest) (*Batch, error)
}

// HTTPPuller pulls over the authority's HTTP API.
type HTTPPuller struct {
	client  *httpclient.SaferClient
	baseURL string
	token   string
}

// NewHTTPPuller creates a puller against baseURL authenticating with a
// bearer token.
func NewHTTPPuller(client *httpclient.SaferClient, baseURL, token string) *HTTPPuller {
	return &HTTPPuller{client: client, baseURL: baseURL, token: token}
}

// Pull implements Puller. Network failures and 5xx responses are transient;
// everything else is terminal for the attempt.
func (p *HTTPPuller) Pull(ctx context.Context, req PullRequest) (*Batch, error) {
	query := url.Values{}
	query.Set("user_id", req.Key.UserID)
	query.Set("stream_type", req.Key.Type)
	if req.Key.Params != "" {
		query.Set("stream_params", req.Key.Params)
	}
	if req.After != "" {
		query.Set("after", req.After)
	}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodGet, p.baseURL+"/sync/pull?"+query.Encode(), nil,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build pull request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.token)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errors.WrapTransient(err, "pull request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, errors.WrapTransient(
			errors.Newf("authority returned %d", resp.StatusCode), "pull failed",
		)
	}
	if resp.StatusCode == http.StatusNotFound {
		// The stream's subject no longer exists on the authority; pulling
		// again can never succeed.
		return nil, errors.NewEntityGone("stream %s/%s not found", req.Key.Type, req.Key.Params)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Newf("pull rejected with %d: %s", resp.StatusCode, body)
	}

	var batch Batch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, errors.WrapTransient(err, "failed to decode pull response")
	}
	return &batch, nil
}
