package approval_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/prediction-ledger/internal/approval"
	"github.com/atmx/prediction-ledger/internal/model"
)

func summary(id string) approval.Summary {
	return approval.Summary{
		RequestID:      id,
		UserID:         "u1",
		Username:       "alice",
		WalletAddress:  "EQ-wallet",
		MarketID:       "m1",
		MarketTitle:    "Rain <tomorrow>",
		Outcome:        model.OutcomeYes,
		Quantity:       decimal.NewFromInt(40),
		RequestedPrice: decimal.RequireFromString("0.51"),
		MinPrice:       decimal.RequireFromString("0.5"),
		NetProceeds:    decimal.RequireFromString("19.992"),
		CreatedAt:      time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestTelegramChannel_Notify(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ch, err := approval.NewTelegramChannel(approval.TelegramConfig{Token: "TOKEN", ChatID: "42", BaseURL: srv.URL, Rate: 100})
	require.NoError(t, err)

	require.NoError(t, ch.Notify(context.Background(), summary("req-1")))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
	assert.Contains(t, got["text"], "req-1")
	assert.Contains(t, got["text"], "Rain &lt;tomorrow&gt;")
	assert.Contains(t, got["text"], "EQ-wallet")
}

func TestTelegramChannel_APIError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	ch, err := approval.NewTelegramChannel(approval.TelegramConfig{Token: "T", ChatID: "1", BaseURL: srv.URL, Rate: 100})
	require.NoError(t, err)

	err = ch.Notify(context.Background(), summary("req-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Equal(t, 1, calls, "no retries")
}

func TestNewTelegramChannel_RequiresCredentials(t *testing.T) {
	_, err := approval.NewTelegramChannel(approval.TelegramConfig{Token: "T"})
	assert.Error(t, err)
}

func TestFormatMessage_UnlinkedWallet(t *testing.T) {
	s := summary("req-9")
	s.WalletAddress = ""
	s.Username = ""
	msg := approval.FormatMessage(s)
	assert.Contains(t, msg, "not linked")
	assert.Contains(t, msg, "User: u1")
	assert.Contains(t, msg, "ledgerctl confirm req-9")
}

type recorder struct {
	mu   sync.Mutex
	seen []string
	fail bool
}

func (r *recorder) Notify(_ context.Context, s approval.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s.RequestID)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestDispatcher_DeliversInOrderAndDrains(t *testing.T) {
	rec := &recorder{}
	d := approval.NewDispatcher(rec, 8)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.Notify(context.Background(), summary(id)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	<-d.Done()
	assert.Equal(t, []string{"a", "b", "c"}, rec.ids())
}

func TestDispatcher_FullQueueDrops(t *testing.T) {
	d := approval.NewDispatcher(&recorder{}, 1)

	require.NoError(t, d.Notify(context.Background(), summary("a")))
	err := d.Notify(context.Background(), summary("b"))
	assert.ErrorIs(t, err, approval.ErrQueueFull)
}

func TestDispatcher_FailuresDoNotStopWorker(t *testing.T) {
	rec := &recorder{fail: true}
	d := approval.NewDispatcher(rec, 4)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	require.NoError(t, d.Notify(ctx, summary("a")))
	require.NoError(t, d.Notify(ctx, summary("b")))
	require.Eventually(t, func() bool { return len(rec.ids()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-d.Done()
}

func TestFanout(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{fail: true}

	err := approval.Fanout{ok, bad, approval.LogChannel{}}.Notify(context.Background(), summary("x"))
	assert.Error(t, err)
	assert.Equal(t, []string{"x"}, ok.ids())
	assert.Equal(t, []string{"x"}, bad.ids())
}

func TestEd25519Verifier(t *testing.T) {
	pub, priv, err := approval.GenerateKey()
	require.NoError(t, err)

	v, err := approval.NewEd25519Verifier(pub)
	require.NoError(t, err)

	sig, err := approval.Sign(priv, "req-1")
	require.NoError(t, err)

	assert.NoError(t, v.Verify("req-1", sig))
	assert.ErrorIs(t, v.Verify("req-2", sig), approval.ErrBadSignature, "bound to the request id")
	assert.ErrorIs(t, v.Verify("req-1", "not-base58-0OIl"), approval.ErrBadSignature)
	assert.ErrorIs(t, v.Verify("req-1", strings.Repeat("1", 10)), approval.ErrBadSignature)

	_, err = approval.NewEd25519Verifier("abc")
	assert.Error(t, err)
	_, err = approval.Sign(pub, "req-1")
	assert.Error(t, err, "a public key is not a private key")
}

func TestAcceptAny(t *testing.T) {
	assert.NoError(t, approval.AcceptAny{}.Verify("r", "anything"))
}
