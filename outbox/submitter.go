package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/internal/httpclient"
)

// Rejection names one mutation the authority refused and why.
type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Receipt is the authority's verdict on one submission batch. Every
// submitted mutation appears in exactly one of the two lists.
type Receipt struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

// Submitter delivers mutation batches to the authority.
type Submitter interface {
	Submit(ctx context.Context, userID string, mutations []*Mutation) (*Receipt, error)
}

// HTTPSubmitter submits over the authority's HTTP API.
type HTTPSubmitter struct {
	client  *httpclient.SaferClient
	baseURL string
	token   string
}

// NewHTTPSubmitter creates a submitter against baseURL authenticating with
// a bearer token.
func NewHTTPSubmitter(client *httpclient.SaferClient, baseURL, token string) *HTTPSubmitter {
	return &HTTPSubmitter{client: client, baseURL: baseURL, token: token}
}

type submitRequest struct {
	UserID    string      `json:"user_id"`
	Mutations []*Mutation `json:"mutations"`
}

// Submit implements Submitter. An error means the batch's fate is unknown
// and the whole batch should be retried; mutation ids make redelivery safe.
func (s *HTTPSubmitter) Submit(ctx context.Context, userID string, mutations []*Mutation) (*Receipt, error) {
	body, err := json.Marshal(submitRequest{UserID: userID, Mutations: mutations})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode mutation batch")
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, s.baseURL+"/mutations", bytes.NewReader(body),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build submit request")
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "mutation submission failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, errors.WrapTransient(
			errors.Newf("authority returned %d", resp.StatusCode), "mutation submission failed",
		)
	}
	if resp.StatusCode == http.StatusBadRequest {
		// The authority could not accept the batch as a whole; resubmitting
		// the same bytes cannot succeed.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.NewRejected("batch rejected: %s", msg)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Newf("mutation submission rejected with %d: %s", resp.StatusCode, msg)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, errors.WrapTransient(err, "failed to decode submission receipt")
	}
	return &receipt, nil
}
