package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pliu/chatrooms/internal/chat"
	"github.com/pliu/chatrooms/internal/media"
	"github.com/pliu/chatrooms/internal/middleware"
	"github.com/pliu/chatrooms/internal/models"
	"github.com/pliu/chatrooms/internal/rooms"
	"github.com/pliu/chatrooms/internal/store/sqlstore"
	"github.com/pliu/chatrooms/internal/ws"
)

type testApp struct {
	store  *sqlstore.SQLStore
	hub    *ws.Hub
	chat   *ChatHandler
	router *mux.Router
	users  map[string]*models.User
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	store, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	mediaStore, err := media.NewStore(t.TempDir(), "/media/", nil)
	if err != nil {
		t.Fatal(err)
	}

	log := zap.NewNop()
	hub := ws.NewHub(log)
	svc := chat.NewService(store, hub, mediaStore, log)
	resolver := rooms.NewResolver(store)

	app := &testApp{
		store: store,
		hub:   hub,
		chat:  &ChatHandler{Store: store, Resolver: resolver, Chat: svc, Media: mediaStore, Policy: media.DefaultPolicy(), Log: log},
		users: map[string]*models.User{},
	}
	app.router = Router(
		&AuthHandler{Store: store, Signer: testSigner, Log: log},
		app.chat,
		&SocketHandler{Store: store, Resolver: resolver, Signer: testSigner, Sockets: ws.NewServer(hub, svc, ws.DefaultSessionConfig(), nil, log), Log: log},
		testSigner,
		log,
	)
	t.Cleanup(func() {
		hub.Shutdown()
		store.Close()
	})

	for _, name := range []string{"alice", "bob", "carol"} {
		u := &models.User{Username: name, Email: name + "@example.com", Password: "pass"}
		if err := store.CreateUser(u); err != nil {
			t.Fatal(err)
		}
		app.users[name] = u
	}
	return app
}

func (a *testApp) do(t *testing.T, as, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	if u, ok := a.users[as]; ok {
		req.AddCookie(testSigner.SessionCookie(u.ID))
	}
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func uploadBody(t *testing.T, contentType string, data []byte) ([]byte, http.Header) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="media"; filename="upload.bin"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	w.Close()
	return buf.Bytes(), http.Header{"Content-Type": {w.FormDataContentType()}}
}

func TestCreateAndListRooms(t *testing.T) {
	app := newTestApp(t)
	body, _ := json.Marshal(CreateRoomRequest{Name: "general"})

	rr := app.do(t, "alice", "POST", "/rooms", body, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusCreated)
	}
	var room models.Room
	json.NewDecoder(rr.Body).Decode(&room)
	if room.Key != rooms.GroupKey(room.ID) || room.CreatorID != app.users["alice"].ID {
		t.Errorf("Unexpected room %+v", room)
	}

	if rr := app.do(t, "bob", "POST", "/rooms", body, nil); rr.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate name, got %d", rr.Code)
	}
	if rr := app.do(t, "", "POST", "/rooms", body, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without session, got %d", rr.Code)
	}

	rr = app.do(t, "bob", "GET", "/rooms", nil, nil)
	var list []models.Room
	json.NewDecoder(rr.Body).Decode(&list)
	if len(list) != 1 || list[0].Name != "general" {
		t.Errorf("Unexpected room list %+v", list)
	}
}

func TestPrivateChatCreatesRoom(t *testing.T) {
	app := newTestApp(t)

	rr := app.do(t, "alice", "GET", "/chat/bob/", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	var page struct {
		Room     models.Room   `json:"room"`
		Messages []messageView `json:"messages"`
	}
	json.NewDecoder(rr.Body).Decode(&page)
	if page.Room.Key != rooms.PrivateKey("alice", "bob") || len(page.Messages) != 0 {
		t.Errorf("Unexpected page %+v", page)
	}

	// bob opening the same conversation lands in the same room.
	rr = app.do(t, "bob", "GET", "/chat/alice/", nil, nil)
	var other struct {
		Room models.Room `json:"room"`
	}
	json.NewDecoder(rr.Body).Decode(&other)
	if other.Room.ID != page.Room.ID {
		t.Errorf("Expected shared room, got %d and %d", page.Room.ID, other.Room.ID)
	}

	if rr := app.do(t, "alice", "GET", "/chat/alice/", nil, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for self chat, got %d", rr.Code)
	}
	if rr := app.do(t, "alice", "GET", "/chat/nobody/", nil, nil); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown peer, got %d", rr.Code)
	}
}

func TestGroupChatHistory(t *testing.T) {
	app := newTestApp(t)
	room, _ := app.store.CreateGroupRoom("general", app.users["alice"].ID)
	msg, err := app.store.Append(t.Context(), room.Key, app.users["bob"].ID, "hello", "")
	if err != nil {
		t.Fatal(err)
	}

	rr := app.do(t, "carol", "GET", "/group/"+strconv.Itoa(room.ID)+"/", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	var page struct {
		Messages []messageView `json:"messages"`
	}
	json.NewDecoder(rr.Body).Decode(&page)
	if len(page.Messages) != 1 || page.Messages[0].ID != msg.ID || page.Messages[0].Sender != "bob" {
		t.Fatalf("Unexpected messages %+v", page.Messages)
	}
	if !strings.HasSuffix(page.Messages[0].Timestamp, ", Today") {
		t.Errorf("Expected a rendered timestamp, got %q", page.Messages[0].Timestamp)
	}

	if rr := app.do(t, "carol", "GET", "/group/999/", nil, nil); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing room, got %d", rr.Code)
	}
}

func TestMembersAndDeleteRoom(t *testing.T) {
	app := newTestApp(t)
	room, _ := app.store.CreateGroupRoom("general", app.users["alice"].ID)
	base := "/group/" + strconv.Itoa(room.ID) + "/"
	body, _ := json.Marshal(AddMemberRequest{Username: "bob"})

	if rr := app.do(t, "carol", "POST", base+"members", body, nil); rr.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-creator, got %d", rr.Code)
	}
	if rr := app.do(t, "alice", "POST", base+"members", body, nil); rr.Code != http.StatusOK {
		t.Fatalf("AddMember returned %d", rr.Code)
	}
	if ok, _ := app.store.IsMember(room.ID, app.users["bob"].ID); !ok {
		t.Error("Expected bob to be a member")
	}

	bobPath := base + "members/" + strconv.Itoa(app.users["bob"].ID)
	if rr := app.do(t, "alice", "DELETE", bobPath, nil, nil); rr.Code != http.StatusNoContent {
		t.Errorf("RemoveMember returned %d", rr.Code)
	}
	if rr := app.do(t, "alice", "DELETE", bobPath, nil, nil); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 removing a non-member, got %d", rr.Code)
	}

	if rr := app.do(t, "bob", "DELETE", base, nil, nil); rr.Code != http.StatusForbidden {
		t.Errorf("Expected 403 deleting someone else's room, got %d", rr.Code)
	}
	if rr := app.do(t, "alice", "DELETE", base, nil, nil); rr.Code != http.StatusNoContent {
		t.Errorf("DeleteRoom returned %d", rr.Code)
	}
	if rr := app.do(t, "alice", "GET", base, nil, nil); rr.Code != http.StatusNotFound {
		t.Errorf("Expected deleted room to be gone, got %d", rr.Code)
	}
}

func TestCreateRoomUsesContextUser(t *testing.T) {
	app := newTestApp(t)
	body, _ := json.Marshal(CreateRoomRequest{Name: "direct"})

	req := httptest.NewRequest("POST", "/rooms", bytes.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), app.users["carol"].ID))
	rr := httptest.NewRecorder()
	app.chat.CreateRoom(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusCreated)
	}
	var room models.Room
	json.NewDecoder(rr.Body).Decode(&room)
	if room.CreatorID != app.users["carol"].ID {
		t.Errorf("Expected carol to own the room, got creator %d", room.CreatorID)
	}

	// A user id that no longer resolves is treated as logged out.
	req = httptest.NewRequest("POST", "/rooms", bytes.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), 9999))
	rr = httptest.NewRecorder()
	app.chat.CreateRoom(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for an unknown user, got %d", rr.Code)
	}
}

func TestDeleteMessage(t *testing.T) {
	app := newTestApp(t)
	key := rooms.PrivateKey("alice", "bob")
	msg, err := app.store.Append(t.Context(), key, app.users["alice"].ID, "hi", "")
	if err != nil {
		t.Fatal(err)
	}
	path := "/delete-message/" + strconv.FormatInt(msg.ID, 10) + "/"

	rr := app.do(t, "carol", "POST", path, nil, nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for carol, got %d", rr.Code)
	}
	var denied map[string]any
	json.NewDecoder(rr.Body).Decode(&denied)
	if denied["ok"] != false {
		t.Errorf("Unexpected body %v", denied)
	}

	for i := 0; i < 2; i++ {
		rr = app.do(t, "alice", "POST", path, nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("delete #%d returned %d", i+1, rr.Code)
		}
		var ok map[string]any
		json.NewDecoder(rr.Body).Decode(&ok)
		if ok["ok"] != true || ok["message_id"] != float64(msg.ID) {
			t.Errorf("Unexpected body %v", ok)
		}
	}

	if rr := app.do(t, "alice", "POST", "/delete-message/999/", nil, nil); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown message, got %d", rr.Code)
	}
}

func TestUploadPolicy(t *testing.T) {
	app := newTestApp(t)

	body, header := uploadBody(t, "application/pdf", []byte("%PDF-1.4"))
	if rr := app.do(t, "alice", "POST", "/chat/bob/upload/", body, header); rr.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected 415, got %d", rr.Code)
	}

	body, header = uploadBody(t, "image/png", bytes.Repeat([]byte{1}, media.DefaultMaxBytes+1))
	if rr := app.do(t, "alice", "POST", "/chat/bob/upload/", body, header); rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rr.Code)
	}

	if rr := app.do(t, "alice", "POST", "/chat/bob/upload/", nil, http.Header{"Content-Type": {"multipart/form-data; boundary=x"}}); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without a file, got %d", rr.Code)
	}
}

func TestUploadRedirects(t *testing.T) {
	app := newTestApp(t)
	body, header := uploadBody(t, "image/png", []byte("\x89PNG\r\n\x1a\n"))

	rr := app.do(t, "alice", "POST", "/chat/bob/upload/", body, header)
	if rr.Code != http.StatusSeeOther || rr.Header().Get("Location") != "/chat/bob/" {
		t.Errorf("Expected redirect to /chat/bob/, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
}

func dialRoom(t *testing.T, srv *httptest.Server, path string, user *models.User) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if user != nil {
		header.Add("Cookie", sessionHeader(user))
	}
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sessionHeader(user *models.User) string {
	c := testSigner.SessionCookie(user.ID)
	return c.Name + "=" + c.Value
}

func waitMembers(t *testing.T, hub *ws.Hub, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(hub.Members(key)) != n {
		if time.Now().After(deadline) {
			t.Fatalf("room %s has %d members, want %d", key, len(hub.Members(key)), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	return frame
}

func TestUploadReachesLiveSessions(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.router)
	defer srv.Close()

	room, _ := app.store.CreateGroupRoom("general", app.users["alice"].ID)
	conns := []*websocket.Conn{
		dialRoom(t, srv, "/ws/chat/group/"+strconv.Itoa(room.ID)+"/", app.users["alice"]),
		dialRoom(t, srv, "/ws/chat/group/"+strconv.Itoa(room.ID)+"/", app.users["bob"]),
	}
	waitMembers(t, app.hub, room.Key, 2)

	body, header := uploadBody(t, "image/gif", []byte("GIF89a"))
	header.Set("Accept", "application/json")
	rr := app.do(t, "bob", "POST", "/group/"+strconv.Itoa(room.ID)+"/upload/", body, header)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload returned %d: %s", rr.Code, rr.Body)
	}
	var msg messageView
	json.NewDecoder(rr.Body).Decode(&msg)

	for _, conn := range conns {
		frame := readEvent(t, conn)
		if frame["sender"] != "bob" || frame["message"] != "" || frame["media_url"] != msg.MediaURL || frame["message_id"] != float64(msg.ID) {
			t.Errorf("Unexpected frame %v", frame)
		}
	}

	// Deleting it over HTTP retracts it everywhere.
	if rr := app.do(t, "bob", "POST", "/delete-message/"+strconv.FormatInt(msg.ID, 10)+"/", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("delete returned %d", rr.Code)
	}
	for _, conn := range conns {
		frame := readEvent(t, conn)
		if frame["action"] != "delete_message" || frame["message_id"] != float64(msg.ID) {
			t.Errorf("Unexpected frame %v", frame)
		}
	}
}

func TestDeleteRoomClosesSessions(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.router)
	defer srv.Close()

	room, _ := app.store.CreateGroupRoom("general", app.users["alice"].ID)
	path := "/ws/chat/group/" + strconv.Itoa(room.ID) + "/"
	conns := []*websocket.Conn{
		dialRoom(t, srv, path, app.users["alice"]),
		dialRoom(t, srv, path, app.users["bob"]),
	}
	waitMembers(t, app.hub, room.Key, 2)

	if rr := app.do(t, "alice", "DELETE", "/group/"+strconv.Itoa(room.ID)+"/", nil, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("DeleteRoom returned %d", rr.Code)
	}
	for _, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		var ne net.Error
		if err == nil || (errors.As(err, &ne) && ne.Timeout()) {
			t.Errorf("Expected the session to be closed, got %v", err)
		}
	}
	if n := len(app.hub.Members(room.Key)); n != 0 {
		t.Errorf("Expected no sessions left in the deleted room, got %d", n)
	}
}

func TestPrivateSocketScenario(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.router)
	defer srv.Close()

	alice := dialRoom(t, srv, "/ws/chat/private/bob/", app.users["alice"])
	bob := dialRoom(t, srv, "/ws/chat/private/alice/", app.users["bob"])
	waitMembers(t, app.hub, rooms.PrivateKey("alice", "bob"), 2)

	alice.WriteJSON(map[string]string{"message": "hi"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := readEvent(t, conn)
		if frame["message"] != "hi" || frame["sender"] != "alice" || frame["message_id"] != float64(1) {
			t.Errorf("Unexpected frame %v", frame)
		}
	}
}

func TestSocketHandshakeRejected(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/ws/chat/private/bob/", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a session, got %v", resp)
	}

	header := http.Header{"Cookie": {sessionHeader(app.users["alice"])}}
	_, resp, err = websocket.DefaultDialer.Dial(wsURL+"/ws/chat/group/42/", header)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for a missing group, got %v", resp)
	}
	if app.hub.Rooms() != 0 {
		t.Error("Rejected handshakes touched the registry")
	}
}
