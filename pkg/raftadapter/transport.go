package raftadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	RaftEndpoint = "/api/internal/raft"
	ContentType  = "application/x-protobuf"

	sendTimeout  = 3 * time.Second
	sendAttempts = 3
	sendBackoff  = 100 * time.Millisecond

	maxMessageSize = 64 << 20
)

// EncodeMessage renders msg in the raftpb wire format.
func EncodeMessage(msg raftpb.Message) ([]byte, error) {
	return msg.Marshal()
}

// DecodeMessage reads one message written by EncodeMessage.
func DecodeMessage(r io.Reader) (raftpb.Message, error) {
	var msg raftpb.Message
	data, err := io.ReadAll(io.LimitReader(r, maxMessageSize+1))
	if err != nil {
		return msg, fmt.Errorf("read raft message: %w", err)
	}
	if len(data) > maxMessageSize {
		return msg, fmt.Errorf("raft message exceeds %d bytes", maxMessageSize)
	}
	if err := msg.Unmarshal(data); err != nil {
		return msg, fmt.Errorf("decode raft message: %w", err)
	}
	return msg, nil
}

// Transport posts raft messages to the peers' HTTP API.
type Transport struct {
	mu     sync.RWMutex
	urls   map[uint64]string
	client *http.Client
}

func NewTransport(peers map[uint64]string) *Transport {
	t := &Transport{
		urls:   make(map[uint64]string, len(peers)),
		client: &http.Client{Timeout: sendTimeout},
	}
	for id, addr := range peers {
		t.urls[id] = endpointURL(addr)
	}
	return t
}

func endpointURL(addr string) string {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/") + RaftEndpoint
}

func (t *Transport) AddPeer(id uint64, addr string) {
	t.mu.Lock()
	t.urls[id] = endpointURL(addr)
	t.mu.Unlock()
}

func (t *Transport) UpdatePeer(id uint64, addr string) { t.AddPeer(id, addr) }

func (t *Transport) RemovePeer(id uint64) {
	t.mu.Lock()
	delete(t.urls, id)
	t.mu.Unlock()
}

func (t *Transport) peerURL(id uint64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.urls[id]
	return u, ok
}

func (t *Transport) Send(msg raftpb.Message) error {
	target, ok := t.peerURL(msg.To)
	if !ok {
		return fmt.Errorf("raft: unknown peer %d", msg.To)
	}
	body, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("raft: encode %s: %w", msg.Type, err)
	}

	// raft resends lost messages itself, a short retry only rides out blips
	backoff := retry.WithMaxRetries(sendAttempts-1, retry.NewExponential(sendBackoff))
	err = retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		if err := t.post(ctx, target, body); err != nil {
			slog.Debug("raft send failed", "to", msg.To, "type", msg.Type, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("raft: send %s to %d: %w", msg.Type, msg.To, err)
	}
	return nil
}

func (t *Transport) post(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
