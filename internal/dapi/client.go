package dapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/platform-explorer/internal/errors"
	"github.com/ggonzalez94/platform-explorer/internal/httpx"
	"github.com/ggonzalez94/platform-explorer/internal/id"
	"github.com/ggonzalez94/platform-explorer/internal/logx"
	"github.com/ggonzalez94/platform-explorer/internal/model"
)

// Client talks to the platform's JSON gateway, rotating over the configured nodes.
type Client struct {
	http     *httpx.Client
	nodes    []string
	next     atomic.Uint64
	verifier *Verifier
	log      *zap.Logger
}

func New(httpClient *httpx.Client, nodes []string, verifier *Verifier, logger *zap.Logger) (*Client, error) {
	clean := make([]string, 0, len(nodes))
	for _, n := range nodes {
		n = strings.TrimRight(strings.TrimSpace(n), "/")
		if n == "" {
			continue
		}
		if !strings.Contains(n, "://") {
			n = "https://" + n
		}
		clean = append(clean, n)
	}
	if len(clean) == 0 {
		return nil, clierr.New(clierr.CodeConfig, "at least one dapi address is required")
	}
	if verifier == nil {
		verifier = &Verifier{}
	}
	return &Client{http: httpClient, nodes: clean, verifier: verifier, log: logx.OrNop(logger)}, nil
}

func (c *Client) Nodes() []string {
	return append([]string(nil), c.nodes...)
}

func (c *Client) node() string {
	n := c.next.Add(1) - 1
	return c.nodes[n%uint64(len(c.nodes))]
}

type broadcastRequest struct {
	Kind       model.OperationKind `json:"kind"`
	IdentityID id.Identifier       `json:"identity_id"`
	KeyID      uint32              `json:"key_id"`
	Payload    []byte              `json:"payload"`
	PublicKey  []byte              `json:"public_key"`
	Signature  []byte              `json:"signature"`
}

type broadcastResponse struct {
	TransitionHash string `json:"transition_hash"`
}

type waitRequest struct {
	TransitionHash string `json:"transition_hash"`
	Prove          bool   `json:"prove"`
}

// Broadcast submits a signed operation and waits for its result with proof.
// Both calls go to the same node.
func (c *Client) Broadcast(ctx context.Context, op model.SignedOperation) (model.BroadcastResult, error) {
	node := c.node()
	body, err := jsonBody(broadcastRequest{
		Kind:       op.Draft.Kind,
		IdentityID: op.Draft.IdentityID,
		KeyID:      op.Draft.KeyID,
		Payload:    op.Payload,
		PublicKey:  op.PublicKey,
		Signature:  op.Signature,
	})
	if err != nil {
		return model.BroadcastResult{}, err
	}
	// Single attempt; operation retries are scheduled by the run engine.
	once := c.http.WithRetries(0)
	var submitted broadcastResponse
	if _, err := httpx.DoBodyJSON(ctx, once, http.MethodPost, node+"/v1/transitions", body, nil, &submitted); err != nil {
		return model.BroadcastResult{}, err
	}
	hash := submitted.TransitionHash
	if hash == "" {
		hash = op.TransitionHashHex()
	}
	return c.wait(ctx, once, node, hash)
}

func (c *Client) wait(ctx context.Context, client *httpx.Client, node, hash string) (model.BroadcastResult, error) {
	body, err := jsonBody(waitRequest{TransitionHash: hash, Prove: true})
	if err != nil {
		return model.BroadcastResult{}, err
	}
	var result model.BroadcastResult
	if _, err := httpx.DoBodyJSON(ctx, client, http.MethodPost, node+"/v1/transitions/wait", body, nil, &result); err != nil {
		return model.BroadcastResult{}, err
	}
	return result, nil
}

// ProofsAnchored is false when no quorum key is configured and only the
// Merkle path of a proof can be checked.
func (c *Client) ProofsAnchored() bool { return c.verifier.Anchored() }

// VerifyProof checks the result's Merkle path and, when configured, the quorum signature.
func (c *Client) VerifyProof(op model.SignedOperation, res model.BroadcastResult) bool {
	if err := c.verifier.Explain(op, res); err != nil {
		c.log.Error("proof verification failed", zap.String("transition", res.TransitionHash), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) SubmitIdentityCreate(ctx context.Context, transition model.IdentityCreateTransition) (model.BroadcastResult, error) {
	node := c.node()
	body, err := jsonBody(transition)
	if err != nil {
		return model.BroadcastResult{}, err
	}
	var submitted broadcastResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, node+"/v1/identities", body, nil, &submitted); err != nil {
		return model.BroadcastResult{}, err
	}
	if submitted.TransitionHash == "" {
		return model.BroadcastResult{}, clierr.New(clierr.CodeUnavailable, "node did not return a transition hash")
	}
	return c.wait(ctx, c.http, node, submitted.TransitionHash)
}

func (c *Client) FetchIdentity(ctx context.Context, identityID id.Identifier) (model.IdentityRecord, error) {
	var rec model.IdentityRecord
	url := fmt.Sprintf("%s/v1/identities/%s", c.node(), identityID)
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodGet, url, nil, nil, &rec); err != nil {
		if clierr.HasCode(err, clierr.CodeUnsupported) {
			return model.IdentityRecord{}, clierr.Wrap(clierr.CodeKeyNotFound, fmt.Sprintf("identity %s not found", identityID), err)
		}
		return model.IdentityRecord{}, err
	}
	if rec.ID != identityID {
		return model.IdentityRecord{}, clierr.New(clierr.CodeProofVerify, fmt.Sprintf("node returned identity %s for %s", rec.ID, identityID))
	}
	return rec, nil
}

type balanceResponse struct {
	Balance uint64 `json:"balance"`
}

func (c *Client) FetchBalance(ctx context.Context, identityID id.Identifier) (uint64, error) {
	var resp balanceResponse
	url := fmt.Sprintf("%s/v1/identities/%s/balance", c.node(), identityID)
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodGet, url, nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// Ping checks every node and reports its status.
func (c *Client) Ping(ctx context.Context) []model.NodeStatus {
	out := make([]model.NodeStatus, 0, len(c.nodes))
	for _, node := range c.nodes {
		start := time.Now()
		_, err := httpx.DoBodyJSON(ctx, c.http, http.MethodGet, node+"/v1/status", nil, nil, nil)
		status := "ok"
		if err != nil {
			status = clierr.TypeName(codeOf(err))
		}
		out = append(out, model.NodeStatus{Name: node, Status: status, LatencyMS: time.Since(start).Milliseconds()})
	}
	return out
}

func codeOf(err error) clierr.Code {
	if cErr, ok := clierr.As(err); ok {
		return cErr.Code
	}
	return clierr.CodeInternal
}

func jsonBody(v any) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode request", err)
	}
	return buf, nil
}
