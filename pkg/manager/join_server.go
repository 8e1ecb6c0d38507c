package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nimbusforge/sokovan/pkg/wire"
)

// joinRequest is what a candidate node posts to an existing cluster's
// join server to become a new raft voter.
type joinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
	Token    string `json:"token"`
}

type joinResponse struct {
	Error string `json:"error,omitempty"`
}

// tokenRequest is what an operator posts to mint a new join token.
type tokenRequest struct {
	Role string        `json:"role"`
	TTL  time.Duration `json:"ttl"`
}

type tokenResponse struct {
	Token     string    `json:"token,omitempty"`
	Role      string    `json:"role,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// tokenSummary describes an outstanding join token without revealing
// the token value itself, for the GET /token listing endpoint.
type tokenSummary struct {
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// joinServer is the leader-side HTTP listener candidate nodes contact
// during Manager.Join. It is intentionally separate from the raft TCP
// transport: raft speaks its own binary protocol on bindAddr, while
// cluster membership changes go through this small JSON API, the way
// the corpus exposes health and readiness over a plain net/http mux
// rather than folding them into a binary RPC protocol.
//
// It also accepts agent-originated reports (/events): heartbeats and
// kernel lifecycle events. The manager only ever calls out to agents
// over pkg/rpc's ZeroMQ transport, so this is the one inbound path an
// agent has back to the manager; it is kept on the msgpack wire.Event
// envelope so a report decodes into the exact same shape pkg/handlers
// already consumes from Manager.Dispatcher().
type joinServer struct {
	manager *Manager
	server  *http.Server
}

func newJoinServer(m *Manager) *joinServer {
	return &joinServer{manager: m}
}

func (j *joinServer) start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/join", j.handleJoin)
	mux.HandleFunc("/events", j.handleEvent)
	mux.HandleFunc("/token", j.handleToken)

	j.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := j.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("join server error: %v\n", err)
		}
	}()
	return nil
}

func (j *joinServer) stop() {
	if j.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = j.server.Shutdown(ctx)
}

func (j *joinServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJoinResponse(w, http.StatusBadRequest, err)
		return
	}

	if _, err := j.manager.ValidateJoinToken(req.Token); err != nil {
		writeJoinResponse(w, http.StatusUnauthorized, err)
		return
	}

	if err := j.manager.AddVoter(req.NodeID, req.RaftAddr); err != nil {
		writeJoinResponse(w, http.StatusConflict, err)
		return
	}

	writeJoinResponse(w, http.StatusOK, nil)
}

// handleToken mints a new join token (POST) or lists outstanding ones
// without revealing their values (GET). Only the leader holds the
// TokenManager that GenerateJoinToken validates against, so POST
// rejects the request (via Manager.GenerateJoinToken's own leader
// check) on any follower.
func (j *joinServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		tokens := j.manager.ListJoinTokens()
		summaries := make([]tokenSummary, len(tokens))
		for i, jt := range tokens {
			summaries[i] = tokenSummary{Role: jt.Role, CreatedAt: jt.CreatedAt, ExpiresAt: jt.ExpiresAt}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(summaries)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTokenResponse(w, http.StatusBadRequest, nil, err)
		return
	}
	if req.TTL <= 0 {
		req.TTL = 24 * time.Hour
	}

	jt, err := j.manager.GenerateJoinToken(req.Role, req.TTL)
	if err != nil {
		writeTokenResponse(w, http.StatusForbidden, nil, err)
		return
	}
	writeTokenResponse(w, http.StatusOK, jt, nil)
}

func writeTokenResponse(w http.ResponseWriter, status int, jt *JoinToken, err error) {
	resp := tokenResponse{}
	if err != nil {
		resp.Error = err.Error()
	} else if jt != nil {
		resp.Token = jt.Token
		resp.Role = jt.Role
		resp.ExpiresAt = jt.ExpiresAt
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// RequestJoinToken posts a tokenRequest to a leader's join server and
// returns the minted token, the client half of handleToken.
func RequestJoinToken(leaderJoinAddr, role string, ttl time.Duration) (*JoinToken, error) {
	body, err := json.Marshal(tokenRequest{Role: role, TTL: ttl})
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Post(fmt.Sprintf("http://%s/token", leaderJoinAddr), "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if tokenResp.Error != "" {
			return nil, fmt.Errorf("token request rejected: %s", tokenResp.Error)
		}
		return nil, fmt.Errorf("token request rejected with status %d", resp.StatusCode)
	}
	return &JoinToken{Token: tokenResp.Token, Role: tokenResp.Role, ExpiresAt: tokenResp.ExpiresAt}, nil
}

// handleEvent decodes a msgpack-encoded wire.Event from the request
// body and dispatches it on the manager's event bus, exactly as if it
// had arrived from an in-process publisher.
func (j *joinServer) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var ev wire.Event
	if err := wire.Unmarshal(body, &ev); err != nil {
		http.Error(w, fmt.Sprintf("decode event: %v", err), http.StatusBadRequest)
		return
	}

	j.manager.Dispatcher().Dispatch(ev)
	w.WriteHeader(http.StatusAccepted)
}

// ReportEvent posts ev to a manager's /events endpoint. Agents use
// this to report heartbeats and kernel lifecycle progress; it is the
// client half of handleEvent.
func ReportEvent(managerReportAddr string, ev wire.Event) error {
	body, err := wire.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Post(fmt.Sprintf("http://%s/events", managerReportAddr), "application/msgpack", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("event rejected with status %d", resp.StatusCode)
	}
	return nil
}

func writeJoinResponse(w http.ResponseWriter, status int, err error) {
	resp := joinResponse{}
	if err != nil {
		resp.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// requestJoin posts a joinRequest to the leader's join server.
func requestJoin(leaderJoinAddr string, req joinRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Post(fmt.Sprintf("http://%s/join", leaderJoinAddr), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var joinResp joinResponse
	_ = json.NewDecoder(resp.Body).Decode(&joinResp)

	if resp.StatusCode != http.StatusOK {
		if joinResp.Error != "" {
			return fmt.Errorf("join rejected: %s", joinResp.Error)
		}
		return fmt.Errorf("join rejected with status %d", resp.StatusCode)
	}
	return nil
}
