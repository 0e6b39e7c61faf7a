package subscribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsift/bscalert/internal/wire"
)

var upgrader = websocket.Upgrader{}

// wsNode fakes the node side: it acks subscriptions and can push log
// frames and drop connections on demand.
type wsNode struct {
	t *testing.T

	mu        sync.Mutex
	conns     []*websocket.Conn
	subs      map[string]string // sub id -> raw params
	subSeq    int
	subscribe chan string // raw params JSON per eth_subscribe received
}

func newWSNode(t *testing.T) (*wsNode, *httptest.Server) {
	n := &wsNode{t: t, subs: map[string]string{}, subscribe: make(chan string, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		n.mu.Lock()
		n.conns = append(n.conns, conn)
		n.mu.Unlock()
		go n.serve(conn)
	}))
	return n, srv
}

func (n *wsNode) serve(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(payload, &req) != nil || req.Method != "eth_subscribe" {
			continue
		}
		n.mu.Lock()
		n.subSeq++
		subID := fmt.Sprintf("0xsub%d", n.subSeq)
		n.subs[subID] = string(req.Params)
		n.mu.Unlock()
		n.subscribe <- string(req.Params)
		ack := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"%s"}`, req.ID, subID)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(ack))
	}
}

func (n *wsNode) pushLog(txHash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	conn := n.conns[len(n.conns)-1]
	var subID string
	for id := range n.subs {
		subID = id
	}
	frame := fmt.Sprintf(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"%s","result":{
		"address":"0xpair","topics":["%s"],"data":"0x","blockNumber":"0x10",
		"transactionHash":"%s","logIndex":"0x0"}}}`, subID, wire.TopicSwapV2, txHash)
	_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (n *wsNode) dropAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range n.conns {
		c.Close()
	}
	n.subs = map[string]string{}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribeAndRoute(t *testing.T) {
	node, srv := newWSNode(t)
	defer srv.Close()

	got := make(chan string, 4)
	mgr := NewManager(wsURL(srv), []Group{
		{Name: "swaps", Topics: []string{wire.TopicSwapV2}},
	}, func(group string, l *wire.Log) {
		got <- group + ":" + l.TxHash
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	select {
	case params := <-node.subscribe:
		assert.Contains(t, params, wire.TopicSwapV2)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	// Give the ack a moment to land before pushing.
	time.Sleep(50 * time.Millisecond)
	node.pushLog("0xaaa")

	select {
	case v := <-got:
		assert.Equal(t, "swaps:0xaaa", v)
	case <-time.After(2 * time.Second):
		t.Fatal("log never routed")
	}
}

// Dropping the connection must lead to a redial that reissues the same
// subscription params, after which routing works again.
func TestReconnectResubscribes(t *testing.T) {
	node, srv := newWSNode(t)
	defer srv.Close()

	got := make(chan string, 4)
	mgr := NewManager(wsURL(srv), []Group{
		{Name: "swaps", Topics: []string{wire.TopicSwapV2}},
	}, func(group string, l *wire.Log) {
		got <- l.TxHash
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	first := <-node.subscribe
	node.dropAll()

	select {
	case second := <-node.subscribe:
		assert.Equal(t, first, second)
	case <-time.After(5 * time.Second):
		t.Fatal("no resubscription after drop")
	}

	time.Sleep(50 * time.Millisecond)
	node.pushLog("0xbbb")
	select {
	case v := <-got:
		assert.Equal(t, "0xbbb", v)
	case <-time.After(2 * time.Second):
		t.Fatal("log never routed after reconnect")
	}
}

func TestUnknownSubscriptionDropped(t *testing.T) {
	node, srv := newWSNode(t)
	defer srv.Close()

	got := make(chan string, 4)
	mgr := NewManager(wsURL(srv), []Group{
		{Name: "swaps", Topics: []string{wire.TopicSwapV2}},
	}, func(group string, l *wire.Log) {
		got <- l.TxHash
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	<-node.subscribe
	time.Sleep(50 * time.Millisecond)

	// Push a frame for a subscription id the client never registered.
	node.mu.Lock()
	conn := node.conns[len(node.conns)-1]
	node.mu.Unlock()
	frame := fmt.Sprintf(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xbogus","result":{
		"address":"0xpair","topics":["%s"],"data":"0x","blockNumber":"0x10",
		"transactionHash":"0xccc","logIndex":"0x0"}}}`, wire.TopicSwapV2)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

	select {
	case v := <-got:
		t.Fatalf("unexpected routed log %s", v)
	case <-time.After(200 * time.Millisecond):
	}
}
