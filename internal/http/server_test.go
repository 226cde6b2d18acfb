//nolint:hugeParam // test only
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"btreekv/pkg/btree"
	"btreekv/pkg/codec"
	"btreekv/pkg/config"
	"btreekv/pkg/raftadapter"
	"btreekv/pkg/rpc"
	"btreekv/pkg/store"
	"btreekv/pkg/types"
)

// simple in-memory fake implementing cluster.KV
type fakeKV struct {
	mu  sync.RWMutex
	m   map[string]types.Item
	cas uint64
	err error
}

func newFakeKV() *fakeKV {
	return &fakeKV{m: make(map[string]types.Item)}
}

func (f *fakeKV) next() types.CasTime {
	f.cas++
	return types.CasTime{Cas: f.cas, Timestamp: f.cas}
}

func (f *fakeKV) Get(_ context.Context, key []byte) (types.Item, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.err != nil {
		return types.Item{}, false, f.err
	}
	it, ok := f.m[string(key)]
	return it, ok, nil
}

func (f *fakeKV) Set(_ context.Context, key, value []byte) (types.CasTime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return types.CasTime{}, f.err
	}
	if err := codec.ValidateKey(key, codec.MaxKeySize); err != nil {
		return types.CasTime{}, err
	}
	ct := f.next()
	f.m[string(key)] = types.Item{Value: value, CasTime: ct}
	return ct, nil
}

func (f *fakeKV) Delete(_ context.Context, key []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.m[string(key)]
	delete(f.m, string(key))
	return ok, nil
}

func (f *fakeKV) IncrDecr(_ context.Context, key []byte, increment bool, delta uint64) (btree.IncrDecrResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return btree.IncrDecrResult{}, f.err
	}
	it, ok := f.m[string(key)]
	if !ok {
		return btree.IncrDecrResult{Status: btree.IncrDecrNotFound}, nil
	}
	v, ok := codec.ParseUint64(it.Value)
	if !ok {
		return btree.IncrDecrResult{Status: btree.IncrDecrNotANumber}, nil
	}
	switch {
	case increment:
		v += delta
	case delta > v:
		v = 0
	default:
		v -= delta
	}
	ct := f.next()
	f.m[string(key)] = types.Item{Value: codec.FormatUint64(v), CasTime: ct}
	return btree.IncrDecrResult{Value: v, CasTime: ct}, nil
}

// fakeRaftNode implements iRaftNode minimally for tests
type fakeRaftNode struct {
	leader     bool
	leaderAddr string

	mu       sync.Mutex
	received []raftpb.Message
}

func (n *fakeRaftNode) IsLeader() bool     { return n.leader }
func (n *fakeRaftNode) LeaderAddr() string { return n.leaderAddr }
func (n *fakeRaftNode) Handle(_ context.Context, message raftpb.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, message)
	return nil
}

type fakeAdmin struct {
	checkErr    error
	checkpoints int
}

func (a *fakeAdmin) Stats() store.Stats {
	return store.Stats{Keys: 3, WALLastSeq: 7, WALDurable: 7, Shards: []store.ShardStats{
		{Tree: btree.SliceStats{Shard: 0, Height: 2, Nodes: 3, Keys: 3}},
	}}
}

func (a *fakeAdmin) Check() error { return a.checkErr }

func (a *fakeAdmin) Checkpoint(context.Context) error {
	a.checkpoints++
	return nil
}

func newTestServer(kv *fakeKV) *Server {
	return NewServer(config.ServerConfig{}, kv)
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func serve(s *Server, method, target string, form url.Values) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(newFakeKV())
	rr := serve(s, http.MethodGet, "/health", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestPutGetDeleteFlow(t *testing.T) {
	s := newTestServer(newFakeKV())

	// PUT
	rr := serve(s, http.MethodPut, "/api/kv", url.Values{"key": {"foo"}, "value": {"bar"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	put := decodeResp(t, rr)
	if put.Status != StatusSuccess || put.CasTime == nil {
		t.Fatalf("put: unexpected response %+v", put)
	}

	// GET
	rr = serve(s, http.MethodGet, "/api/kv?key=foo", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if resp.Value != "bar" || resp.CasTime == nil || *resp.CasTime != *put.CasTime {
		t.Fatalf("get: unexpected response %+v", resp)
	}

	// empty values are stored as well
	rr = serve(s, http.MethodPut, "/api/kv", url.Values{"key": {"empty"}, "value": {""}})
	if rr.Code != http.StatusOK {
		t.Fatalf("put-empty: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	// DELETE
	rr = serve(s, http.MethodDelete, "/api/kv?key=foo", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = serve(s, http.MethodDelete, "/api/kv?key=foo", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("delete-again: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}

	// GET after delete -> 404
	rr = serve(s, http.MethodGet, "/api/kv?key=foo", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestIncrDecrHandler(t *testing.T) {
	kv := newFakeKV()
	s := newTestServer(kv)
	serve(s, http.MethodPut, "/api/kv", url.Values{"key": {"counter"}, "value": {"10"}})
	serve(s, http.MethodPut, "/api/kv", url.Values{"key": {"text"}, "value": {"abc"}})

	tests := []struct {
		name        string
		path        string
		form        url.Values
		wantCode    int
		wantResult  string
		wantCounter uint64
	}{
		{"incr default delta", "/api/incr", url.Values{"key": {"counter"}}, http.StatusOK, "success", 11},
		{"incr", "/api/incr", url.Values{"key": {"counter"}, "delta": {"9"}}, http.StatusOK, "success", 20},
		{"decr floors at zero", "/api/decr", url.Values{"key": {"counter"}, "delta": {"100"}}, http.StatusOK, "success", 0},
		{"incr to max", "/api/incr", url.Values{"key": {"counter"}, "delta": {"18446744073709551615"}}, http.StatusOK, "success", 18446744073709551615},
		{"incr wraps", "/api/incr", url.Values{"key": {"counter"}, "delta": {"2"}}, http.StatusOK, "success", 1},
		{"missing key", "/api/incr", url.Values{"key": {"absent"}}, http.StatusNotFound, "not_found", 0},
		{"not a number", "/api/decr", url.Values{"key": {"text"}}, http.StatusUnprocessableEntity, "not_a_number", 0},
		{"negative delta", "/api/incr", url.Values{"key": {"counter"}, "delta": {"-1"}}, http.StatusBadRequest, "", 0},
		{"leading zero delta", "/api/incr", url.Values{"key": {"counter"}, "delta": {"01"}}, http.StatusBadRequest, "", 0},
		{"overflowing delta", "/api/incr", url.Values{"key": {"counter"}, "delta": {"18446744073709551616"}}, http.StatusBadRequest, "", 0},
		{"no key", "/api/incr", url.Values{}, http.StatusBadRequest, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(s, http.MethodPost, tt.path, tt.form)
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d body=%s", tt.wantCode, rr.Code, rr.Body.String())
			}
			resp := decodeResp(t, rr)
			if resp.Result != tt.wantResult {
				t.Fatalf("expected result %q, got %q", tt.wantResult, resp.Result)
			}
			if tt.wantCode == http.StatusOK {
				if resp.Counter == nil || *resp.Counter != tt.wantCounter {
					t.Fatalf("expected counter %d, got %v", tt.wantCounter, resp.Counter)
				}
				if resp.CasTime == nil {
					t.Fatal("expected a cas_time")
				}
			} else if resp.Counter != nil {
				t.Fatalf("unexpected counter %d", *resp.Counter)
			}
		})
	}

	// the "text" value was left untouched
	if it, _, _ := kv.Get(context.Background(), []byte("text")); string(it.Value) != "abc" {
		t.Fatalf("not-a-number value changed to %q", it.Value)
	}
}

func TestMissingParamsAndMethodNotAllowed(t *testing.T) {
	s := newTestServer(newFakeKV())

	tests := []struct {
		name   string
		method string
		target string
		form   url.Values
		want   int
	}{
		{"put-missing", http.MethodPut, "/api/kv", url.Values{}, http.StatusBadRequest},
		{"put-missing-value", http.MethodPut, "/api/kv", url.Values{"key": {"k"}}, http.StatusBadRequest},
		{"get-missing", http.MethodGet, "/api/kv", nil, http.StatusBadRequest},
		{"delete-missing", http.MethodDelete, "/api/kv", nil, http.StatusBadRequest},
		{"key too large", http.MethodPut, "/api/kv", url.Values{"key": {strings.Repeat("k", 300)}, "value": {"v"}}, http.StatusBadRequest},
		{"method-not-allowed", http.MethodPost, "/health", nil, http.StatusMethodNotAllowed},
		{"admin disabled", http.MethodGet, "/api/admin/stats", nil, http.StatusNotFound},
		{"raft disabled", http.MethodPost, "/api/internal/raft", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := serve(s, tt.method, tt.target, tt.form); rr.Code != tt.want {
				t.Fatalf("expected %d, got %d body=%s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestStoreErrors(t *testing.T) {
	kv := newFakeKV()
	kv.err = errors.New("disk on fire")
	s := newTestServer(kv)

	rr := serve(s, http.MethodGet, "/api/kv?key=k", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.Status != StatusError || resp.Error != "disk on fire" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if rr := serve(s, http.MethodPost, "/api/incr", url.Values{"key": {"k"}}); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestForwardedRequestsServedLocally(t *testing.T) {
	routed, local := newFakeKV(), newFakeKV()
	s := newTestServer(routed)
	s.SetLocal(local)

	req := httptest.NewRequest(http.MethodPut, "/api/kv", strings.NewReader("key=k&value=v"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(rpc.ForwardedHeader, "1")
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	if _, ok, _ := local.Get(context.Background(), []byte("k")); !ok {
		t.Fatal("forwarded write must reach the local store")
	}
	if _, ok, _ := routed.Get(context.Background(), []byte("k")); ok {
		t.Fatal("forwarded write must not be routed again")
	}
}

func TestRaftEndpointAndRedirect(t *testing.T) {
	node := &fakeRaftNode{leaderAddr: "10.0.0.2:8080"}
	s := newTestServer(newFakeKV())
	s.SetRaftNode(node)

	// writes on a follower go to the leader
	rr := serve(s, http.MethodDelete, "/api/kv?key=foo", nil)
	if rr.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "http://10.0.0.2:8080/api/kv?key=foo" {
		t.Fatalf("unexpected Location %q", loc)
	}

	// reads are served locally
	if rr := serve(s, http.MethodGet, "/api/kv?key=foo", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected local 404, got %d", rr.Code)
	}

	// unknown leader: handled locally
	node.leaderAddr = ""
	if rr := serve(s, http.MethodPut, "/api/kv", url.Values{"key": {"k"}, "value": {"v"}}); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	body, _ := raftadapter.EncodeMessage(raftpb.Message{Type: raftpb.MsgHeartbeat, From: 2, To: 1, Term: 4})
	req := httptest.NewRequest(http.MethodPost, "/api/internal/raft", strings.NewReader(string(body)))
	rr = httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("raft: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(node.received) != 1 || node.received[0].Term != 4 {
		t.Fatalf("unexpected raft messages %+v", node.received)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/internal/raft", strings.NewReader("\xff"))
	rr = httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("raft: expected 400 for a broken message, got %d", rr.Code)
	}
}

func TestAdminAndMetrics(t *testing.T) {
	admin := &fakeAdmin{}
	s := newTestServer(newFakeKV())
	s.SetAdmin(admin)

	rr := serve(s, http.MethodGet, "/api/admin/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rr.Code)
	}
	var st store.Stats
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil || st.Keys != 3 || len(st.Shards) != 1 {
		t.Fatalf("stats: unexpected body %s (%v)", rr.Body.String(), err)
	}

	if rr := serve(s, http.MethodPost, "/api/admin/checkpoint", nil); rr.Code != http.StatusOK || admin.checkpoints != 1 {
		t.Fatalf("checkpoint: code %d, checkpoints %d", rr.Code, admin.checkpoints)
	}

	if rr := serve(s, http.MethodGet, "/api/admin/check", nil); rr.Code != http.StatusOK {
		t.Fatalf("check: expected 200, got %d", rr.Code)
	}
	admin.checkErr = errors.New("separator out of range")
	if rr := serve(s, http.MethodGet, "/api/admin/check", nil); rr.Code != http.StatusInternalServerError {
		t.Fatalf("check: expected 500, got %d", rr.Code)
	}

	serve(s, http.MethodGet, "/api/kv?key=nope", nil)
	rr = serve(s, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	out := rr.Body.String()
	for _, want := range []string{
		"btreekv_keys 3",
		`btreekv_tree_height{shard="0"} 2`,
		`btreekv_http_requests_total{code="404",method="GET",route="/api/kv"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output misses %q:\n%s", want, out)
		}
	}
}
