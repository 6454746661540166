package sqlstore

import (
	"errors"
	"testing"

	"github.com/pliu/chatrooms/internal/models"
	"github.com/pliu/chatrooms/internal/rooms"
	"github.com/pliu/chatrooms/internal/store"
)

func TestCreateGroupRoom(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	owner := mustCreateUser(t, "owner")

	room, err := testStore.CreateGroupRoom("General", owner.ID)
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}
	if room.ID == 0 {
		t.Error("Expected non-zero room ID")
	}
	if room.Key != rooms.GroupKey(room.ID) {
		t.Errorf("Expected key %q, got %q", rooms.GroupKey(room.ID), room.Key)
	}

	isMember, err := testStore.IsMember(room.ID, owner.ID)
	if err != nil || !isMember {
		t.Errorf("Expected creator to be a member, got %v (err %v)", isMember, err)
	}

	_, err = testStore.CreateGroupRoom("General", owner.ID)
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate group name, got %v", err)
	}

	got, err := testStore.GetGroupRoom(room.ID)
	if err != nil {
		t.Fatalf("GetGroupRoom failed: %v", err)
	}
	if got.Name != "General" || got.Kind != models.RoomGroup || got.CreatorID != owner.ID {
		t.Errorf("Unexpected room: %+v", got)
	}
}

func TestGetGroupRoomMissing(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	_, err := testStore.GetGroupRoom(42)
	if !errors.Is(err, store.ErrRoomNotFound) {
		t.Errorf("Expected ErrRoomNotFound, got %v", err)
	}
}

func TestEnsurePrivateRoom(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	alice := mustCreateUser(t, "alice")
	bob := mustCreateUser(t, "bob")

	key := rooms.PrivateKey("bob", "alice")
	room, created, err := testStore.EnsurePrivateRoom(key, bob.ID)
	if err != nil {
		t.Fatalf("EnsurePrivateRoom failed: %v", err)
	}
	if !created {
		t.Error("Expected first call to create the room")
	}
	if room.Kind != models.RoomPrivate || room.Key != key {
		t.Errorf("Unexpected room: %+v", room)
	}

	again, created, err := testStore.EnsurePrivateRoom(rooms.PrivateKey("alice", "bob"), alice.ID)
	if err != nil {
		t.Fatalf("EnsurePrivateRoom failed: %v", err)
	}
	if created {
		t.Error("Expected second call to reuse the room")
	}
	if again.ID != room.ID {
		t.Errorf("Expected same room %d, got %d", room.ID, again.ID)
	}

	members, err := testStore.GetRoomMembers(room.ID)
	if err != nil {
		t.Fatalf("GetRoomMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("Expected 2 members, got %d", len(members))
	}

	_, _, err = testStore.EnsurePrivateRoom(rooms.PrivateKey("alice", "nobody"), alice.ID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown peer, got %v", err)
	}
}

func TestAddAndRemoveMember(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	owner := mustCreateUser(t, "owner")
	user := mustCreateUser(t, "user1")
	room, _ := testStore.CreateGroupRoom("Chat 1", owner.ID)

	if err := testStore.AddMember(room.ID, user.ID); err != nil {
		t.Errorf("Failed to add member: %v", err)
	}
	// Adding twice is harmless.
	if err := testStore.AddMember(room.ID, user.ID); err != nil {
		t.Errorf("Failed to re-add member: %v", err)
	}

	isMember, err := testStore.IsMember(room.ID, user.ID)
	if err != nil {
		t.Errorf("IsMember failed: %v", err)
	}
	if !isMember {
		t.Error("Expected user to be member")
	}

	if err := testStore.RemoveMember(room.ID, user.ID); err != nil {
		t.Errorf("Failed to remove member: %v", err)
	}
	if err := testStore.RemoveMember(room.ID, user.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound removing a non-member, got %v", err)
	}
}

func TestDeleteRoom(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	owner := mustCreateUser(t, "owner")
	room, _ := testStore.CreateGroupRoom("Chat to Delete", owner.ID)
	if _, err := testStore.Append(t.Context(), room.Key, owner.ID, "Message", ""); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := testStore.DeleteRoom(room.ID); err != nil {
		t.Errorf("Failed to delete room: %v", err)
	}

	isMember, _ := testStore.IsMember(room.ID, owner.ID)
	if isMember {
		t.Error("Expected user to not be member after deletion")
	}

	if _, err := testStore.History(t.Context(), room.Key); !errors.Is(err, store.ErrRoomNotFound) {
		t.Errorf("Expected ErrRoomNotFound for deleted room history, got %v", err)
	}

	list, err := testStore.ListGroupRooms()
	if err != nil {
		t.Fatalf("ListGroupRooms failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("Expected no rooms, got %d", len(list))
	}
}
