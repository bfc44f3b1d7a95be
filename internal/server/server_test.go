package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/CamberLoid/ChimataPHE/internal/auth"
	"github.com/CamberLoid/ChimataPHE/internal/history"
	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/ledger"
	"github.com/CamberLoid/ChimataPHE/internal/paillier"
	"github.com/CamberLoid/ChimataPHE/internal/payload"
	"github.com/CamberLoid/ChimataPHE/internal/pipeline"
	"github.com/CamberLoid/ChimataPHE/internal/server"
	"github.com/CamberLoid/ChimataPHE/internal/serverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type account struct {
	pk *key.PublicKey
	sk *key.PrivateKey
}

var (
	accountsOnce sync.Once
	accounts     map[string]account
)

func testAccounts() map[string]account {
	accountsOnce.Do(func() {
		accounts = make(map[string]account)
		for _, name := range []string{"alice", "bob"} {
			pk, sk, err := paillier.GenerateKeyPair(128)
			if err != nil {
				panic(err)
			}
			accounts[name] = account{pk, sk}
		}
	})
	return accounts
}

func enc(t *testing.T, who string, v int64) *big.Int {
	c, err := paillier.Encrypt(big.NewInt(v), testAccounts()[who].pk)
	require.NoError(t, err)
	return c
}

func dec(t *testing.T, who string, c *big.Int) int64 {
	m, err := paillier.Default.DecryptSigned(c, testAccounts()[who].sk)
	require.NoError(t, err)
	return m.Int64()
}

func newTestServer(t *testing.T) *server.Server {
	return newTestServerWith(t, ledger.NewMemoryStore(nil), pipeline.Config{Workers: 4, QueueSize: 16})
}

func newTestServerWith(t *testing.T, l ledger.Store, cfg pipeline.Config) *server.Server {
	svc := serverlib.NewService(l, auth.New(auth.NewMemoryStore()), history.NewMemoryStore(), false)
	p := pipeline.New(cfg, svc)
	s := server.New(server.Config{Addr: "127.0.0.1:0", IdleTimeout: time.Minute, Version: "test"}, p)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return s
}

func dial(t *testing.T, s *server.Server) *payload.Conn {
	c, err := payload.Dial(context.Background(), s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func roundTrip(t *testing.T, c *payload.Conn, req *payload.Request) *payload.Response {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.RoundTrip(ctx, req)
	require.NoError(t, err)
	return resp
}

func signup(t *testing.T, c *payload.Conn, who string, v int64) {
	resp := roundTrip(t, c, &payload.Request{
		Request:   payload.KindSignup,
		Username:  who,
		Password:  "pw",
		Balance:   enc(t, who, v),
		PublicKey: testAccounts()[who].pk,
	})
	require.Equal(t, payload.StatusSuccess, resp.Status, resp.Message)
}

func TestMalformedInputKeepsConnection(t *testing.T) {
	s := newTestServer(t)
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	read := func() payload.Response {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := r.ReadBytes('\n')
		require.NoError(t, err)
		var resp payload.Response
		require.NoError(t, json.Unmarshal(line, &resp))
		return resp
	}

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)
	resp := read()
	assert.Equal(t, payload.StatusError, resp.Status)
	assert.Equal(t, payload.CodeMalformedRequest, resp.Error)

	_, err = conn.Write([]byte(`{"request":"withdraw"}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, payload.CodeUnknownRequestKind, read().Error)

	_, err = conn.Write([]byte(`{"request":"balance","username":"ghost"}` + "\n"))
	require.NoError(t, err)
	assert.Equal(t, payload.CodeUnknownAccount, read().Error)
}

func TestTransferOverTCP(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	signup(t, c, "alice", 100)
	signup(t, c, "bob", 0)

	// two clients debit alice at the same time
	var g errgroup.Group
	for _, v := range []int64{10, 20} {
		v := v
		debit, credit := enc(t, "alice", v), enc(t, "bob", v)
		g.Go(func() error {
			c, err := payload.Dial(context.Background(), s.Addr().String())
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.RoundTrip(context.Background(), &payload.Request{
				Request:                 payload.KindTransfer,
				Sender:                  "alice",
				Receiver:                "bob",
				SenderEncryptedAmount:   debit,
				ReceiverEncryptedAmount: credit,
			})
			if err != nil {
				return err
			}
			return resp.Err()
		})
	}
	require.NoError(t, g.Wait())

	resp := roundTrip(t, c, &payload.Request{Request: payload.KindBalance, Username: "alice"})
	require.Equal(t, payload.StatusSuccess, resp.Status)
	assert.Equal(t, int64(70), dec(t, "alice", resp.Balance))

	resp = roundTrip(t, c, &payload.Request{Request: payload.KindBalance, Username: "bob"})
	require.Equal(t, payload.StatusSuccess, resp.Status)
	assert.Equal(t, int64(30), dec(t, "bob", resp.Balance))
}

func TestFailedTransferOnlyFailsItself(t *testing.T) {
	s := newTestServer(t)
	c := dial(t, s)
	signup(t, c, "alice", 100)
	signup(t, c, "bob", 0)

	resp := roundTrip(t, c, &payload.Request{
		Request:                 payload.KindTransfer,
		Sender:                  "alice",
		Receiver:                "bob",
		SenderEncryptedAmount:   new(big.Int).Set(testAccounts()["alice"].pk.N),
		ReceiverEncryptedAmount: enc(t, "bob", 5),
	})
	assert.Equal(t, payload.CodeNonInvertible, resp.Error)

	resp = roundTrip(t, c, &payload.Request{
		Request:                 payload.KindTransfer,
		Sender:                  "alice",
		Receiver:                "bob",
		SenderEncryptedAmount:   enc(t, "alice", 5),
		ReceiverEncryptedAmount: big.NewInt(0),
	})
	assert.Equal(t, payload.CodeNonInvertible, resp.Error)

	resp = roundTrip(t, c, &payload.Request{
		Request:                 payload.KindTransfer,
		Sender:                  "alice",
		Receiver:                "bob",
		SenderEncryptedAmount:   enc(t, "alice", 5),
		ReceiverEncryptedAmount: enc(t, "bob", 5),
	})
	require.Equal(t, payload.StatusSuccess, resp.Status, resp.Message)

	resp = roundTrip(t, c, &payload.Request{Request: payload.KindBalance, Username: "alice"})
	assert.Equal(t, int64(95), dec(t, "alice", resp.Balance))
	resp = roundTrip(t, c, &payload.Request{Request: payload.KindBalance, Username: "bob"})
	assert.Equal(t, int64(5), dec(t, "bob", resp.Balance))
}

// slowDebits commits every debit, then takes delay to return.
type slowDebits struct {
	ledger.Store
	delay time.Duration
}

func (s *slowDebits) ApplyDelta(ctx context.Context, id string, delta *big.Int, op ledger.Op) (*big.Int, error) {
	next, err := s.Store.ApplyDelta(ctx, id, delta, op)
	if op == ledger.OpSub {
		time.Sleep(s.delay)
	}
	return next, err
}

func TestTimedOutTransferReplyMatchesLedger(t *testing.T) {
	s := newTestServerWith(t, &slowDebits{Store: ledger.NewMemoryStore(nil), delay: 60 * time.Millisecond},
		pipeline.Config{Workers: 2, QueueSize: 4, RequestTimeout: 20 * time.Millisecond})
	c := dial(t, s)
	signup(t, c, "alice", 100)
	signup(t, c, "bob", 0)

	resp := roundTrip(t, c, &payload.Request{
		Request:                 payload.KindTransfer,
		Sender:                  "alice",
		Receiver:                "bob",
		SenderEncryptedAmount:   enc(t, "alice", 10),
		ReceiverEncryptedAmount: enc(t, "bob", 10),
	})
	assert.Equal(t, payload.CodeTransferFailed, resp.Error, resp.Message)

	// nothing may land after the reply
	time.Sleep(100 * time.Millisecond)
	resp = roundTrip(t, c, &payload.Request{Request: payload.KindBalance, Username: "alice"})
	require.Equal(t, payload.StatusSuccess, resp.Status, resp.Message)
	assert.Equal(t, int64(100), dec(t, "alice", resp.Balance))
	resp = roundTrip(t, c, &payload.Request{Request: payload.KindBalance, Username: "bob"})
	require.Equal(t, payload.StatusSuccess, resp.Status, resp.Message)
	assert.Equal(t, int64(0), dec(t, "bob", resp.Balance))
}

func TestStatusRoutes(t *testing.T) {
	p := pipeline.New(pipeline.Config{Workers: 3}, pipeline.DispatcherFunc(
		func(ctx context.Context, req pipeline.Request) (interface{}, error) { return nil, nil }))
	s := server.New(server.Config{Version: "1.2.3"}, p)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	get := func(path string) (int, map[string]interface{}) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body := map[string]interface{}{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get("/version")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, "1.2.3", body["version"])

	code, body = get("/stats")
	assert.Equal(t, http.StatusOK, code)
	stats, ok := body["pipeline"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), stats["workers"])

	code, body = get("/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "failed", body["status"])
}
