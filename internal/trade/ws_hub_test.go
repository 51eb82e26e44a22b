package trade_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prediction-ledger/internal/approval"
	"github.com/atmx/prediction-ledger/internal/market"
	"github.com/atmx/prediction-ledger/internal/metrics"
	"github.com/atmx/prediction-ledger/internal/pricing"
	"github.com/atmx/prediction-ledger/internal/settlement"
	"github.com/atmx/prediction-ledger/internal/store"
	"github.com/atmx/prediction-ledger/internal/trade"
)

func readWS(t *testing.T, conn *websocket.Conn) trade.WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg trade.WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWSHub_BroadcastsTradesAndSellRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := trade.NewWSHub()
	go hub.Run(ctx)

	st := store.NewMemoryStore()
	book := market.NewBook(pricing.DefaultEngine())
	fees := pricing.NewFeeSchedule(pricing.DefaultFeeRate)
	sells := settlement.NewWorkflow(st, book, fees, nil, approval.Fanout{hub})
	svc := trade.NewService(st, book, fees, nil, sells, hub)
	require.NoError(t, svc.EnsureMarkets(ctx, []market.OpenRequest{{ID: "m1", Title: "Rain tomorrow"}}))

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WebSocketClients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	res, err := svc.Buy(ctx, buyReq("100", "0.5"))
	require.NoError(t, err)

	msg := readWS(t, conn)
	assert.Equal(t, trade.EventPriceUpdate, msg.Type)
	assert.Equal(t, "m1", msg.MarketID)
	assert.Equal(t, "0.51", msg.YesPrice)
	assert.Equal(t, "0.49", msg.NoPrice)

	sr, err := svc.RequestSell(ctx, settlement.SellRequestInput{
		UserID: "u1", PositionID: res.Position.ID, Quantity: d("10"), MinPrice: d("0"),
	})
	require.NoError(t, err)

	msg = readWS(t, conn)
	assert.Equal(t, trade.EventSellRequested, msg.Type)
	assert.Equal(t, sr.ID, msg.RequestID)
	assert.Equal(t, "10", msg.Quantity)

	cancel()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "hub closes connections on shutdown")
}
