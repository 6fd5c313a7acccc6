package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"dealroom/pkg/domain"
	"dealroom/pkg/escrow"
	"dealroom/pkg/invite"
	"dealroom/pkg/realtime"
	"dealroom/pkg/session"
	"dealroom/pkg/storage"
	"dealroom/pkg/store"
	"dealroom/pkg/token"
)

type harness struct {
	srv      *httptest.Server
	store    store.Store
	guard    *invite.Guard
	registry *session.Registry
	escrow   *escrow.Service
	objects  *storage.MemoryObjectStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewMemoryStore()
	signer, err := session.NewTokenSigner([]byte("0123456789abcdef0123456789abcdef"), session.TokenSignerOptions{})
	if err != nil {
		t.Fatalf("NewTokenSigner() error = %v", err)
	}
	hub, err := realtime.NewHub(realtime.HubConfig{Store: st})
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	registry, err := session.NewRegistry(session.Config{Store: st, Signer: signer, Presence: hub})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"), token.Options{})
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	guard, err := invite.NewGuard(invite.GuardConfig{Store: st, Client: client, Codec: codec})
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	escrowSvc, err := escrow.NewService(escrow.ServiceConfig{Store: st, Events: hub})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	objects := storage.NewMemoryObjectStore()

	srv, err := New(Config{
		Store:        st,
		Registry:     registry,
		Guard:        guard,
		Escrow:       escrowSvc,
		Hub:          hub,
		Objects:      objects,
		Redis:        client,
		LongPollWait: time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{
		srv:      ts,
		store:    st,
		guard:    guard,
		registry: registry,
		escrow:   escrowSvc,
		objects:  objects,
	}
}

func (h *harness) do(t *testing.T, method, path, sessionToken string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, raw
}

func (h *harness) seedRoom(t *testing.T, id string) {
	t.Helper()
	if err := h.store.SaveRoom(domain.Room{ID: id, Status: domain.RoomFree}); err != nil {
		t.Fatalf("SaveRoom() error = %v", err)
	}
}

// joinAs short-circuits the invitation flow for tests that need an
// authenticated session.
func (h *harness) joinAs(t *testing.T, roomID string, role domain.Role, user string) string {
	t.Helper()
	sess, err := h.registry.RegisterSession(roomID, role, user, "")
	if err != nil {
		t.Fatalf("RegisterSession(%s) error = %v", role, err)
	}
	return sess.SessionToken
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp, raw := h.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(raw), `"ok"`) {
		t.Fatalf("body = %s", raw)
	}
}

func TestJoinFlowEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.seedRoom(t, "room-1")
	gm := h.joinAs(t, "room-1", domain.RoleModerator, "gm-1")

	// Moderator invites the buyer.
	resp, raw := h.do(t, http.MethodPost, "/api/invitations", gm, map[string]any{
		"roomId": "room-1",
		"email":  "buyer@example.com",
		"role":   "buyer",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create invitation status = %d, body = %s", resp.StatusCode, raw)
	}
	var created struct {
		Token string `json:"token"`
		Pin   string `json:"pin"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode invitation: %v", err)
	}
	if created.Token == "" || len(created.Pin) != 6 {
		t.Fatalf("invitation response = %s", raw)
	}

	// Joining before PIN verification is refused.
	resp, _ = h.do(t, http.MethodPost, "/api/rooms/room-1/join", "", map[string]any{
		"token":          created.Token,
		"userIdentifier": "buyer@example.com",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("join before pin status = %d, want 403", resp.StatusCode)
	}

	resp, raw = h.do(t, http.MethodPost, "/api/invitations/verify-pin", "", map[string]any{
		"token": created.Token,
		"pin":   created.Pin,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify pin status = %d, body = %s", resp.StatusCode, raw)
	}
	var verified struct {
		JoinToken string `json:"joinToken"`
	}
	if err := json.Unmarshal(raw, &verified); err != nil || verified.JoinToken == "" {
		t.Fatalf("verify pin response = %s (err %v)", raw, err)
	}

	resp, raw = h.do(t, http.MethodPost, "/api/rooms/room-1/join", "", map[string]any{
		"token":          verified.JoinToken,
		"userIdentifier": "buyer@example.com",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d, body = %s", resp.StatusCode, raw)
	}
	var joined struct {
		SessionToken string `json:"sessionToken"`
	}
	if err := json.Unmarshal(raw, &joined); err != nil || joined.SessionToken == "" {
		t.Fatalf("join response = %s (err %v)", raw, err)
	}

	// The session token works for authenticated calls.
	resp, _ = h.do(t, http.MethodPost, "/api/rooms/room-1/heartbeat", joined.SessionToken, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("heartbeat status = %d, want 204", resp.StatusCode)
	}
}

func TestVerifyPinWrongPinCountsAttempts(t *testing.T) {
	h := newHarness(t)
	h.seedRoom(t, "room-1")

	_, pin, err := h.guard.CreateInvitation("room-1", "gm-1", "buyer@example.com", domain.RoleBuyer, 0)
	if err != nil {
		t.Fatalf("CreateInvitation() error = %v", err)
	}
	inv, _ := h.guard.Invitations("room-1")
	tok := inv[0].EncryptedToken
	wrong := "000000"
	if wrong == pin {
		wrong = "000001"
	}

	resp, raw := h.do(t, http.MethodPost, "/api/invitations/verify-pin", "", map[string]any{
		"token": tok,
		"pin":   wrong,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong pin status = %d, body = %s", resp.StatusCode, raw)
	}
	var body struct {
		Remaining int `json:"remainingAttempts"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Remaining != 4 {
		t.Fatalf("wrong pin body = %s (err %v)", raw, err)
	}

	for i := 0; i < 4; i++ {
		resp, _ = h.do(t, http.MethodPost, "/api/invitations/verify-pin", "", map[string]any{
			"token": tok,
			"pin":   wrong,
		})
	}
	if resp.StatusCode != http.StatusLocked {
		t.Fatalf("locked status = %d, want 423", resp.StatusCode)
	}
}

func TestJoinRequiresKnownToken(t *testing.T) {
	h := newHarness(t)
	h.seedRoom(t, "room-1")

	resp, _ := h.do(t, http.MethodPost, "/api/rooms/room-1/join", "", map[string]any{
		"token":          "garbage",
		"userIdentifier": "buyer@example.com",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("join with garbage token status = %d, want 401", resp.StatusCode)
	}
}

func TestMessagesRequireRoomSession(t *testing.T) {
	h := newHarness(t)
	h.seedRoom(t, "room-1")
	h.seedRoom(t, "room-2")
	buyer := h.joinAs(t, "room-1", domain.RoleBuyer, "buyer@example.com")

	resp, raw := h.do(t, http.MethodPost, "/api/rooms/room-1/messages", buyer, map[string]any{
		"body": "hello",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send message status = %d, body = %s", resp.StatusCode, raw)
	}
	var msg domain.RoomMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Seq == 0 {
		t.Fatalf("message response = %s (err %v)", raw, err)
	}

	// A session bound to another room is refused.
	resp, _ = h.do(t, http.MethodPost, "/api/rooms/room-2/messages", buyer, map[string]any{"body": "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("cross-room message status = %d, want 401", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/api/rooms/room-1/messages", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous list status = %d, want 401", resp.StatusCode)
	}

	resp, raw = h.do(t, http.MethodGet, "/api/rooms/room-1/messages?after=0", buyer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list messages status = %d", resp.StatusCode)
	}
	var list struct {
		Messages []domain.RoomMessage `json:"messages"`
	}
	if err := json.Unmarshal(raw, &list); err != nil || len(list.Messages) != 1 {
		t.Fatalf("list response = %s (err %v)", raw, err)
	}
}

func TestEventsLongPollEndsWithSentinel(t *testing.T) {
	h := newHarness(t)
	h.seedRoom(t, "room-1")
	buyer := h.joinAs(t, "room-1", domain.RoleBuyer, "buyer@example.com")

	if _, raw := h.do(t, http.MethodPost, "/api/rooms/room-1/messages", buyer, map[string]any{"body": "first"}); len(raw) == 0 {
		t.Fatalf("send message returned empty body")
	}

	resp, raw := h.do(t, http.MethodGet, "/api/rooms/room-1/events?after=0&wait=1", buyer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("events body = %s, want message plus sentinel", raw)
	}
	var last domain.Event
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("decode sentinel: %v", err)
	}
	if last.Name != domain.EventStreamEnd {
		t.Fatalf("last event = %q, want stream-end sentinel", last.Name)
	}
	if last.Cursor == 0 {
		t.Fatalf("sentinel cursor = 0, want resume position")
	}
}

func TestEscrowFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.seedRoom(t, "room-1")
	gm := h.joinAs(t, "room-1", domain.RoleModerator, "gm-1")
	buyer := h.joinAs(t, "room-1", domain.RoleBuyer, "buyer@example.com")
	seller := h.joinAs(t, "room-1", domain.RoleSeller, "seller@example.com")

	resp, raw := h.do(t, http.MethodPost, "/api/transactions", gm, map[string]any{
		"roomId":   "room-1",
		"buyerId":  "buyer@example.com",
		"sellerId": "seller@example.com",
		"amount":   25000,
		"currency": "USD",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create transaction status = %d, body = %s", resp.StatusCode, raw)
	}
	var tx domain.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		t.Fatalf("decode transaction: %v", err)
	}

	// Buyer cannot open a transaction.
	resp, _ = h.do(t, http.MethodPost, "/api/transactions", buyer, map[string]any{"roomId": "room-1"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("buyer create status = %d, want 403", resp.StatusCode)
	}

	// Buyer uploads payment proof.
	fileID := h.uploadFile(t, tx.ID, buyer, "payment_proof", "proof.png")

	// Only the moderator can verify it.
	verifyPath := fmt.Sprintf("/api/transactions/%s/files/%s/verify", tx.ID, fileID)
	resp, _ = h.do(t, http.MethodPost, verifyPath, seller, map[string]any{"approve": true})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("seller verify status = %d, want 403", resp.StatusCode)
	}
	resp, raw = h.do(t, http.MethodPost, verifyPath, gm, map[string]any{"approve": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, body = %s", resp.StatusCode, raw)
	}

	// Releasing funds out of order is a conflict.
	resp, _ = h.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/release-funds", gm, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("early release status = %d, want 409", resp.StatusCode)
	}

	receiptID := h.uploadFile(t, tx.ID, seller, "shipping_receipt", "receipt.pdf")
	resp, _ = h.do(t, http.MethodPost,
		fmt.Sprintf("/api/transactions/%s/files/%s/verify", tx.ID, receiptID), gm,
		map[string]any{"approve": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify shipping status = %d", resp.StatusCode)
	}

	resp, _ = h.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/confirm-receipt", buyer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm receipt status = %d", resp.StatusCode)
	}
	resp, raw = h.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/release-funds", gm, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release funds status = %d, body = %s", resp.StatusCode, raw)
	}

	resp, raw = h.do(t, http.MethodGet, "/api/transactions/"+tx.ID, buyer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get transaction status = %d", resp.StatusCode)
	}
	var view escrow.View
	if err := json.Unmarshal(raw, &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Transaction.Status != domain.StatusCompleted || view.Progress != 100 {
		t.Fatalf("final view = %+v, want completed at 100%%", view)
	}
}

func TestCancelAndRefundOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.seedRoom(t, "room-1")
	gm := h.joinAs(t, "room-1", domain.RoleModerator, "gm-1")
	buyer := h.joinAs(t, "room-1", domain.RoleBuyer, "buyer@example.com")

	openTx := func() domain.Transaction {
		resp, raw := h.do(t, http.MethodPost, "/api/transactions", gm, map[string]any{
			"roomId":   "room-1",
			"buyerId":  "buyer@example.com",
			"sellerId": "seller@example.com",
			"amount":   10000,
			"currency": "USD",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create transaction status = %d, body = %s", resp.StatusCode, raw)
		}
		var tx domain.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			t.Fatalf("decode transaction: %v", err)
		}
		return tx
	}

	// Either party can cancel a live trade.
	tx := openTx()
	resp, raw := h.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/cancel", buyer, map[string]any{
		"note": "changed my mind",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", resp.StatusCode, raw)
	}
	var cancelled domain.Transaction
	if err := json.Unmarshal(raw, &cancelled); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.GMNotes != "changed my mind" {
		t.Fatalf("cancelled tx = %+v", cancelled)
	}

	// Cancel is terminal; a second cancel conflicts.
	resp, _ = h.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/cancel", buyer, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double cancel status = %d, want 409", resp.StatusCode)
	}

	// Refunds are a moderator call.
	tx = openTx()
	resp, _ = h.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/refund", buyer, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("buyer refund status = %d, want 403", resp.StatusCode)
	}
	resp, raw = h.do(t, http.MethodPost, "/api/transactions/"+tx.ID+"/refund", gm, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refund status = %d, body = %s", resp.StatusCode, raw)
	}
	var refunded domain.Transaction
	if err := json.Unmarshal(raw, &refunded); err != nil {
		t.Fatalf("decode refund response: %v", err)
	}
	if refunded.Status != domain.StatusRefunded || refunded.FundsReleasedBy != "gm-1" {
		t.Fatalf("refunded tx = %+v", refunded)
	}
}

func TestTransactionsRejectForeignRoomSessions(t *testing.T) {
	h := newHarness(t)
	h.seedRoom(t, "room-a")
	h.seedRoom(t, "room-b")
	gm := h.joinAs(t, "room-a", domain.RoleModerator, "gm-1")
	intruder := h.joinAs(t, "room-b", domain.RoleBuyer, "mallory@example.com")
	foreignGM := h.joinAs(t, "room-b", domain.RoleModerator, "gm-2")

	resp, raw := h.do(t, http.MethodPost, "/api/transactions", gm, map[string]any{
		"roomId":   "room-a",
		"buyerId":  "buyer@example.com",
		"sellerId": "seller@example.com",
		"amount":   5000,
		"currency": "USD",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create transaction status = %d, body = %s", resp.StatusCode, raw)
	}
	var tx domain.Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		t.Fatalf("decode transaction: %v", err)
	}

	// Sessions from another room see and touch nothing, moderator or not.
	checks := []struct {
		name   string
		method string
		path   string
		token  string
	}{
		{"view", http.MethodGet, "/api/transactions/" + tx.ID, intruder},
		{"confirm-receipt", http.MethodPost, "/api/transactions/" + tx.ID + "/confirm-receipt", intruder},
		{"dispute", http.MethodPost, "/api/transactions/" + tx.ID + "/dispute", intruder},
		{"cancel", http.MethodPost, "/api/transactions/" + tx.ID + "/cancel", intruder},
		{"release-funds", http.MethodPost, "/api/transactions/" + tx.ID + "/release-funds", foreignGM},
		{"refund", http.MethodPost, "/api/transactions/" + tx.ID + "/refund", foreignGM},
		{"verify", http.MethodPost, "/api/transactions/" + tx.ID + "/files/f-1/verify", foreignGM},
	}
	for _, c := range checks {
		resp, body := h.do(t, c.method, c.path, c.token, nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s from foreign room status = %d, body = %s, want 403", c.name, resp.StatusCode, body)
		}
	}

	// A moderator cannot open a trade in somebody else's room either.
	resp, _ = h.do(t, http.MethodPost, "/api/transactions", foreignGM, map[string]any{
		"roomId":   "room-a",
		"buyerId":  "buyer@example.com",
		"sellerId": "seller@example.com",
		"amount":   5000,
		"currency": "USD",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign create status = %d, want 403", resp.StatusCode)
	}

	// Within the room, only the named party may act for its role.
	seller := h.joinAs(t, "room-a", domain.RoleSeller, "seller@example.com")
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("type", "payment_proof")
	fw, _ := mw.CreateFormFile("file", "proof.png")
	_, _ = fw.Write([]byte("x"))
	_ = mw.Close()
	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/api/transactions/"+tx.ID+"/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+seller)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusForbidden {
		t.Fatalf("seller payment proof status = %d, want 403", resp2.StatusCode)
	}

	// The trade itself is untouched.
	stored, ok, err := h.store.GetTransaction(tx.ID)
	if err != nil || !ok {
		t.Fatalf("reload transaction: ok=%v err=%v", ok, err)
	}
	if stored.Status != tx.Status {
		t.Fatalf("status drifted to %q after rejected calls", stored.Status)
	}
}

func (h *harness) uploadFile(t *testing.T, txID, sessionToken, fileType, name string) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("type", fileType); err != nil {
		t.Fatalf("write field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte("evidence-bytes")); err != nil {
		t.Fatalf("write file: %v", err)
	}
	_ = mw.Close()

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/transactions/"+txID+"/files", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+sessionToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d, body = %s", resp.StatusCode, raw)
	}
	var out struct {
		File domain.TransactionFile `json:"file"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.File.ID == "" {
		t.Fatalf("upload response = %s (err %v)", raw, err)
	}
	stored, _, err := h.store.GetTransactionFile(out.File.ID)
	if err != nil || stored.StorageKey == "" {
		t.Fatalf("stored file record = %+v (err %v), want storage key", stored, err)
	}
	if _, ok := h.objects.Get(stored.StorageKey); !ok {
		t.Fatalf("uploaded object %q missing from store", stored.StorageKey)
	}
	return out.File.ID
}

func TestUploadRejectsBadExtension(t *testing.T) {
	h := newHarness(t)
	h.seedRoom(t, "room-1")
	gm := h.joinAs(t, "room-1", domain.RoleModerator, "gm-1")
	buyer := h.joinAs(t, "room-1", domain.RoleBuyer, "buyer@example.com")

	resp, raw := h.do(t, http.MethodPost, "/api/transactions", gm, map[string]any{
		"roomId": "room-1", "buyerId": "buyer@example.com", "sellerId": "s", "amount": 1, "currency": "USD",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create transaction status = %d", resp.StatusCode)
	}
	var tx domain.Transaction
	_ = json.Unmarshal(raw, &tx)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("type", "payment_proof")
	fw, _ := mw.CreateFormFile("file", "malware.exe")
	_, _ = fw.Write([]byte("nope"))
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/api/transactions/"+tx.ID+"/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+buyer)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("exe upload status = %d, want 400", resp2.StatusCode)
	}
}

func TestPinRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewMemoryStore()
	signer, _ := session.NewTokenSigner([]byte("0123456789abcdef0123456789abcdef"), session.TokenSignerOptions{})
	hub, _ := realtime.NewHub(realtime.HubConfig{Store: st})
	registry, _ := session.NewRegistry(session.Config{Store: st, Signer: signer})
	codec, _ := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"), token.Options{})
	guard, _ := invite.NewGuard(invite.GuardConfig{Store: st, Client: client, Codec: codec})
	escrowSvc, _ := escrow.NewService(escrow.ServiceConfig{Store: st})

	srv, err := New(Config{
		Store:                 st,
		Registry:              registry,
		Guard:                 guard,
		Escrow:                escrowSvc,
		Hub:                   hub,
		Redis:                 client,
		PinRateLimitPerMinute: 2,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	post := func() *http.Response {
		resp, err := http.Post(ts.URL+"/api/invitations/verify-pin", "application/json",
			strings.NewReader(`{"token":"x","pin":"123456"}`))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		_ = resp.Body.Close()
		return resp
	}
	post()
	post()
	resp := post()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third attempt status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q, want 60", resp.Header.Get("Retry-After"))
	}
}
