package webhook

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"nitro-bot/internal/convo"
	"nitro-bot/internal/deposit"
	"nitro-bot/internal/idempotency"
	"nitro-bot/internal/nowpayments"
	"nitro-bot/internal/repo/repotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConvo struct {
	mu        sync.Mutex
	messages  []convo.Message
	callbacks []convo.Callback
	err       error
}

func (c *recordingConvo) HandleMessage(_ context.Context, msg convo.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return c.err
}

func (c *recordingConvo) HandleCallback(_ context.Context, cb convo.Callback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
	return c.err
}

type stubReconciler struct {
	ipns []nowpayments.IPN
	res  deposit.Result
	err  error
}

func (s *stubReconciler) HandleIPN(_ context.Context, ipn nowpayments.IPN) (deposit.Result, error) {
	s.ipns = append(s.ipns, ipn)
	return s.res, s.err
}

const (
	secret     = "hook-secret"
	messageUpd = `{"update_id":501,"message":{"message_id":1,"date":1700000000,"text":"/start","from":{"id":42,"is_bot":false,"first_name":"Ana","username":"ana"},"chat":{"id":42,"type":"private"}}}`
	callbackUp = `{"update_id":502,"callback_query":{"id":"cb1","data":"balance","from":{"id":42,"is_bot":false,"first_name":"Ana"},"message":{"message_id":2,"date":1700000000,"chat":{"id":-100900,"type":"supergroup"}}}}`
	ipnBody    = `{"order_id":"42_1700000000","pay_amount":0.001,"pay_currency":"btc","payment_id":123,"payment_status":"confirmed"}`
)

func newTestHandler(t *testing.T, cfg Config) (*Handler, *recordingConvo, *stubReconciler) {
	t.Helper()
	store := repotest.NewSQLite(t)
	guard, err := idempotency.NewGuard(store, repotest.Logger())
	require.NoError(t, err)
	conv := &recordingConvo{}
	rec := &stubReconciler{res: deposit.Result{Outcome: deposit.OutcomeCredited}}
	if cfg.Secret == "" {
		cfg.Secret = secret
	}
	return NewHandler(cfg, guard, conv, rec, repotest.Logger(), nil), conv, rec
}

func post(h http.Handler, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRejectsWrongSecret(t *testing.T) {
	h, conv, _ := newTestHandler(t, Config{})

	rr := post(h, "/webhook?secret=nope", messageUpd, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = post(h, "/webhook", messageUpd, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, conv.messages)
}

func TestRejectsNonPost(t *testing.T) {
	h, _, _ := newTestHandler(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/webhook?secret="+secret, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestDuplicateUpdateProcessedOnce(t *testing.T) {
	h, conv, _ := newTestHandler(t, Config{})
	headers := map[string]string{"X-Telegram-Bot-Api-Secret-Token": secret}

	for i := 0; i < 3; i++ {
		rr := post(h, "/webhook", messageUpd, headers)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	require.Len(t, conv.messages, 1)
	msg := conv.messages[0]
	assert.EqualValues(t, 42, msg.UserID)
	assert.EqualValues(t, 42, msg.ChatID)
	assert.Equal(t, "/start", msg.Text)
	assert.Equal(t, "ana", msg.DisplayName)
}

func TestGroupCallbackRepliesToSender(t *testing.T) {
	h, conv, _ := newTestHandler(t, Config{})

	rr := post(h, "/webhook?secret="+secret, callbackUp, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, conv.callbacks, 1)
	cb := conv.callbacks[0]
	assert.Equal(t, "cb1", cb.ID)
	assert.Equal(t, "balance", cb.Data)
	assert.EqualValues(t, 42, cb.UserID)
	assert.EqualValues(t, 42, cb.ChatID)
}

func TestGroupMessageRepliesToSender(t *testing.T) {
	h, conv, _ := newTestHandler(t, Config{})
	body := `{"update_id":503,"message":{"message_id":3,"date":1700000000,"text":"/start","from":{"id":42,"is_bot":false,"first_name":"Ana"},"chat":{"id":-100900,"type":"group"}}}`

	rr := post(h, "/webhook?secret="+secret, body, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, conv.messages, 1)
	assert.EqualValues(t, 42, conv.messages[0].UserID)
	assert.EqualValues(t, 42, conv.messages[0].ChatID)
}

func TestFailedUpdateIsReleasedForRetry(t *testing.T) {
	h, conv, _ := newTestHandler(t, Config{})
	conv.err = errors.New("boom")

	rr := post(h, "/webhook?secret="+secret, messageUpd, nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	conv.err = nil
	rr = post(h, "/webhook?secret="+secret, messageUpd, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, conv.messages, 2)
}

func TestRoutesIPNToReconciler(t *testing.T) {
	h, conv, rec := newTestHandler(t, Config{})

	rr := post(h, "/webhook?secret="+secret, ipnBody, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	require.Len(t, rec.ipns, 1)
	assert.Equal(t, "42_1700000000", rec.ipns[0].OrderID)
	assert.Equal(t, nowpayments.StatusConfirmed, rec.ipns[0].PaymentStatus)
	assert.Empty(t, conv.messages)
}

func TestIPNErrorStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"malformed order", deposit.ErrMalformedOrderID, http.StatusBadRequest},
		{"invalid amount", deposit.ErrInvalidAmount, http.StatusBadRequest},
		{"user mismatch", deposit.ErrUserMismatch, http.StatusBadRequest},
		{"unknown deposit", deposit.ErrDepositNotFound, http.StatusNotFound},
		{"estimate down", deposit.ErrEstimateUnavailable, http.StatusServiceUnavailable},
		{"store failure", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _, rec := newTestHandler(t, Config{})
			rec.err = tc.err
			rr := post(h, "/webhook?secret="+secret, ipnBody, nil)
			assert.Equal(t, tc.want, rr.Code)
		})
	}
}

func TestIPNSignatureEnforcedWhenConfigured(t *testing.T) {
	h, _, rec := newTestHandler(t, Config{IPNSecret: "ipn-secret"})

	rr := post(h, "/webhook?secret="+secret, ipnBody, map[string]string{nowpayments.SignatureHeader: "00"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, rec.ipns)

	sig := hex.EncodeToString(nowpayments.Sign("ipn-secret", []byte(ipnBody)))
	rr = post(h, "/webhook?secret="+secret, ipnBody, map[string]string{nowpayments.SignatureHeader: sig})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, rec.ipns, 1)
}

func TestUnknownPayloadAcknowledged(t *testing.T) {
	h, conv, rec := newTestHandler(t, Config{})

	rr := post(h, "/webhook?secret="+secret, `{"hello":"world"}`, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = post(h, "/webhook?secret="+secret, `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, conv.messages)
	assert.Empty(t, rec.ipns)
}
