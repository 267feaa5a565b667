package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tidewallet/tidewallet/waccmgr"
	"github.com/tidewallet/tidewallet/wbatch"
)

// startGateway runs a minimal JSON-RPC websocket server scripted by respond.
func startGateway(t *testing.T, respond func(req *rpcRequest) *rpcResponse) *Client {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			for {
				var req rpcRequest
				if err := conn.ReadJSON(&req); err != nil {
					return
				}
				resp := respond(&req)
				resp.ID = req.ID
				if err := conn.WriteJSON(resp); err != nil {
					return
				}
			}
		}))
	t.Cleanup(server.Close)

	client := NewClient(&Config{
		URL:            "ws" + strings.TrimPrefix(server.URL, "http"),
		RequestTimeout: 5 * time.Second,
	})
	t.Cleanup(client.Close)
	return client
}

func quantity(t *testing.T, value string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	return raw
}

func testAddress(b byte) waccmgr.Address {
	var addr waccmgr.Address
	addr[0] = b
	return addr
}

func TestFetchBalance(t *testing.T) {
	client := startGateway(t, func(req *rpcRequest) *rpcResponse {
		require.Equal(t, "account_getBalance", req.Method)
		require.Len(t, req.Params, 1)
		require.Equal(t, testAddress(1).String(), req.Params[0])
		return &rpcResponse{Result: quantity(t, "0x1b4")}
	})

	balance, err := client.Fetch(context.Background(), testAddress(1),
		"balance")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(0x1b4), balance)
}

func TestFetchSequentialRequests(t *testing.T) {
	client := startGateway(t, func(req *rpcRequest) *rpcResponse {
		return &rpcResponse{Result: quantity(t, "0xa")}
	})

	for i := 0; i < 5; i++ {
		balance, err := client.Fetch(context.Background(),
			testAddress(byte(i)), "balance")
		require.NoError(t, err)
		require.Equal(t, big.NewInt(10), balance)
	}
}

func TestRateLimitIsTransient(t *testing.T) {
	client := startGateway(t, func(req *rpcRequest) *rpcResponse {
		return &rpcResponse{Error: &rpcError{
			Code:    rpcErrRateLimited,
			Message: "slow down",
		}}
	})

	_, err := client.Fetch(context.Background(), testAddress(1), "balance")
	require.Error(t, err)
	require.True(t, wbatch.IsTransient(err))
}

func TestRejectionIsPermanent(t *testing.T) {
	client := startGateway(t, func(req *rpcRequest) *rpcResponse {
		return &rpcResponse{Error: &rpcError{
			Code:    -32602,
			Message: "invalid params",
		}}
	})

	_, err := client.Fetch(context.Background(), testAddress(1), "balance")
	require.Error(t, err)
	require.False(t, wbatch.IsTransient(err))
}

func TestMalformedResultIsPermanent(t *testing.T) {
	client := startGateway(t, func(req *rpcRequest) *rpcResponse {
		return &rpcResponse{Result: quantity(t, "0xnothex")}
	})

	_, err := client.Fetch(context.Background(), testAddress(1), "balance")
	require.Error(t, err)
	require.False(t, wbatch.IsTransient(err))
}

func TestUnknownQueryIsPermanent(t *testing.T) {
	client := NewClient(&Config{URL: "ws://unused.invalid"})
	defer client.Close()

	_, err := client.Fetch(context.Background(), testAddress(1),
		"shoe size")
	require.Error(t, err)
	require.False(t, wbatch.IsTransient(err))
}

func TestUnreachableGatewayIsTransient(t *testing.T) {
	client := NewClient(&Config{
		URL:              "ws://127.0.0.1:1/ws",
		HandshakeTimeout: time.Second,
	})
	defer client.Close()

	_, err := client.Fetch(context.Background(), testAddress(1), "balance")
	require.Error(t, err)
	require.True(t, wbatch.IsTransient(err))
}

func TestFetchAfterClose(t *testing.T) {
	client := startGateway(t, func(req *rpcRequest) *rpcResponse {
		return &rpcResponse{Result: quantity(t, "0x1")}
	})

	_, err := client.Fetch(context.Background(), testAddress(1), "balance")
	require.NoError(t, err)

	client.Close()
	_, err = client.Fetch(context.Background(), testAddress(1), "balance")
	require.ErrorIs(t, err, ErrClientShutdown)
}

func TestParseBalance(t *testing.T) {
	tests := []struct {
		raw     string
		want    *big.Int
		wantErr bool
	}{
		{raw: `"0x0"`, want: big.NewInt(0)},
		{raw: `"0x2386f26fc10000"`, want: big.NewInt(10000000000000000)},
		{raw: `"ff"`, want: big.NewInt(255)},
		{raw: `"0x"`, wantErr: true},
		{raw: `42`, wantErr: true},
		{raw: `"bogus"`, wantErr: true},
	}
	for _, test := range tests {
		got, err := parseBalance(json.RawMessage(test.raw))
		if test.wantErr {
			require.Error(t, err, "raw %s", test.raw)
			continue
		}
		require.NoError(t, err, "raw %s", test.raw)
		require.Equal(t, test.want, got, "raw %s", test.raw)
	}
}
