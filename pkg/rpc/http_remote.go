package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"btreekv/pkg/btree"
	"btreekv/pkg/codec"
	"btreekv/pkg/types"
)

const (
	defaultTimeout = 2 * time.Second
	defaultRetries = 3
	retryBase      = 50 * time.Millisecond
)

// ForwardedHeader marks requests one node forwards to another. The receiver
// serves them from its local store instead of routing them again.
const ForwardedHeader = "X-Btreekv-Forwarded"

var ErrRemote = errors.New("rpc: remote error")

type Options struct {
	// per attempt
	Timeout time.Duration
	Retries uint64
	Client  *http.Client
	// Forwarded marks every request with ForwardedHeader; set by the router
	Forwarded bool
}

// HTTPRemote talks to the HTTP API of another node. For reads and sets,
// transport failures and 5xx answers are retried with Fibonacci backoff and
// other answers are final. Incr/decr and delete are retried only when the
// connection could not be made, since the node may have applied an attempt
// whose answer got lost.
type HTTPRemote struct {
	baseURL   string
	client    *http.Client
	timeout   time.Duration
	retries   uint64
	forwarded bool
}

func NewHTTPRemote(baseURL string, opts Options) *HTTPRemote {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	r := &HTTPRemote{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    opts.Client,
		timeout:   opts.Timeout,
		retries:   opts.Retries,
		forwarded: opts.Forwarded,
	}
	if r.client == nil {
		r.client = &http.Client{}
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.retries == 0 {
		r.retries = defaultRetries
	}
	return r
}

// response mirrors the JSON body of the HTTP API.
type response struct {
	Status  string         `json:"status"`
	Value   string         `json:"value"`
	Error   string         `json:"error"`
	Result  string         `json:"result"`
	Counter *uint64        `json:"counter"`
	CasTime *types.CasTime `json:"cas_time"`
}

type reply struct {
	code int
	body response
}

type callKind int

const (
	// repeating the call has the same effect as making it once
	idempotent callKind = iota
	// the call must reach the node at most once
	atMostOnce
)

func (s *HTTPRemote) do(ctx context.Context, kind callKind, method, path string, form url.Values) (reply, error) {
	b := retry.WithMaxRetries(s.retries, retry.NewFibonacci(retryBase))
	return retry.DoValue(ctx, b, func(ctx context.Context) (reply, error) {
		rep, err := s.once(ctx, method, path, form)
		if err != nil {
			if ctx.Err() != nil {
				return reply{}, err
			}
			if kind == atMostOnce && !neverSent(err) {
				return reply{}, err
			}
			slog.Debug("remote call failed", "method", method, "url", s.baseURL+path, "error", err)
			return reply{}, retry.RetryableError(err)
		}
		if rep.code >= http.StatusInternalServerError {
			if kind == atMostOnce {
				return reply{}, unexpected(method, rep)
			}
			return reply{}, retry.RetryableError(unexpected(method, rep))
		}
		return rep, nil
	})
}

// neverSent reports whether err proves the request did not leave this node:
// the connection itself could not be established.
func neverSent(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (s *HTTPRemote) once(ctx context.Context, method, path string, form url.Values) (reply, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		body io.Reader
		u    = s.baseURL + path
	)
	if method == http.MethodGet || method == http.MethodDelete {
		u += "?" + form.Encode()
	} else {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return reply{}, fmt.Errorf("create %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if s.forwarded {
		req.Header.Set(ForwardedHeader, "1")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return reply{}, fmt.Errorf("%s do: %w", method, err)
	}
	defer resp.Body.Close()

	rep := reply{code: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&rep.body); err != nil && !errors.Is(err, io.EOF) {
		return reply{}, fmt.Errorf("decode %s body: %w", method, err)
	}
	return rep, nil
}

func unexpected(method string, rep reply) error {
	return fmt.Errorf("%w: %s failed: %d: %s", ErrRemote, method, rep.code, rep.body.Error)
}

func keyForm(key []byte) url.Values {
	form := url.Values{}
	form.Set("key", string(key))
	return form
}

func (s *HTTPRemote) Get(ctx context.Context, key []byte) (types.Item, bool, error) {
	rep, err := s.do(ctx, idempotent, http.MethodGet, "/api/kv", keyForm(key))
	if err != nil {
		return types.Item{}, false, err
	}
	switch rep.code {
	case http.StatusOK:
		item := types.Item{Value: []byte(rep.body.Value)}
		if rep.body.CasTime != nil {
			item.CasTime = *rep.body.CasTime
		}
		return item, true, nil
	case http.StatusNotFound:
		return types.Item{}, false, nil
	default:
		return types.Item{}, false, unexpected("GET", rep)
	}
}

func (s *HTTPRemote) Set(ctx context.Context, key, value []byte) (types.CasTime, error) {
	form := keyForm(key)
	form.Set("value", string(value))

	rep, err := s.do(ctx, idempotent, http.MethodPut, "/api/kv", form)
	if err != nil {
		return types.CasTime{}, err
	}
	if rep.code != http.StatusOK {
		return types.CasTime{}, unexpected("PUT", rep)
	}
	if rep.body.CasTime == nil {
		return types.CasTime{}, nil
	}
	return *rep.body.CasTime, nil
}

func (s *HTTPRemote) Delete(ctx context.Context, key []byte) (bool, error) {
	rep, err := s.do(ctx, atMostOnce, http.MethodDelete, "/api/kv", keyForm(key))
	if err != nil {
		return false, err
	}
	switch rep.code {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, unexpected("DELETE", rep)
	}
}

func (s *HTTPRemote) IncrDecr(ctx context.Context, key []byte, increment bool, delta uint64) (btree.IncrDecrResult, error) {
	path := "/api/decr"
	if increment {
		path = "/api/incr"
	}
	form := keyForm(key)
	form.Set("delta", string(codec.FormatUint64(delta)))

	rep, err := s.do(ctx, atMostOnce, http.MethodPost, path, form)
	if err != nil {
		return btree.IncrDecrResult{}, err
	}
	switch rep.code {
	case http.StatusOK:
		res := btree.IncrDecrResult{Status: btree.IncrDecrSuccess}
		if rep.body.Counter != nil {
			res.Value = *rep.body.Counter
		}
		if rep.body.CasTime != nil {
			res.CasTime = *rep.body.CasTime
		}
		return res, nil
	case http.StatusNotFound:
		return btree.IncrDecrResult{Status: btree.IncrDecrNotFound}, nil
	case http.StatusUnprocessableEntity:
		return btree.IncrDecrResult{Status: btree.IncrDecrNotANumber}, nil
	default:
		return btree.IncrDecrResult{}, unexpected("POST "+path, rep)
	}
}

func (s *HTTPRemote) Close() error { return nil }
