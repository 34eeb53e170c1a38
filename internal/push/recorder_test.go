package push

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/store"
)

type fakeRecordStore struct {
	mu        sync.Mutex
	created   []*store.Notification
	createdTo [][]string
	refs      map[string][]uuid.UUID
	createErr error
	refErr    error
}

func (f *fakeRecordStore) CreateNotification(_ context.Context, n *store.Notification, recipientIDs []string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, n)
	f.createdTo = append(f.createdTo, recipientIDs)
	return nil
}

func (f *fakeRecordStore) AppendNotificationRef(_ context.Context, userID string, notificationID uuid.UUID) error {
	if f.refErr != nil {
		return f.refErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs == nil {
		f.refs = map[string][]uuid.UUID{}
	}
	f.refs[userID] = append(f.refs[userID], notificationID)
	return nil
}

func TestRecorder_PersistsRecordAndRefs(t *testing.T) {
	st := &fakeRecordStore{}
	r := NewRecorder(st, zap.NewNop())

	recipients := []Recipient{
		{UserID: "u-1", Tokens: []string{"tok-1"}},
		{UserID: "u-2", Tokens: []string{"tok-2"}},
		{Tokens: []string{"tok-orphan"}}, // ownerless broadcast device
	}

	id, err := r.CreateRecord(context.Background(), Content{Title: "t", Body: "b"}, recipients, RecordOptions{})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected a notification ID")
	}
	if len(st.created) != 1 {
		t.Fatalf("created = %d", len(st.created))
	}
	if got := st.createdTo[0]; len(got) != 2 {
		t.Errorf("ownerless devices should not get link rows, got %v", got)
	}
	if len(st.refs["u-1"]) != 1 || len(st.refs["u-2"]) != 1 {
		t.Errorf("refs = %v", st.refs)
	}
	if st.created[0].SendTime.Second() != 0 || st.created[0].SendTime.Nanosecond() != 0 {
		t.Errorf("send time not truncated to the minute: %v", st.created[0].SendTime)
	}
}

func TestRecorder_DryRunSkipsPersistence(t *testing.T) {
	st := &fakeRecordStore{}
	r := NewRecorder(st, zap.NewNop())

	id, err := r.CreateRecord(context.Background(), Content{Title: "t", Body: "b"},
		[]Recipient{{UserID: "u-1"}}, RecordOptions{DryRun: true})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("dry run still returns a synthetic ID")
	}
	if len(st.created) != 0 || len(st.refs) != 0 {
		t.Error("dry run must not touch the store")
	}
}

func TestRecorder_RecipientScopedDryRunStillPersists(t *testing.T) {
	st := &fakeRecordStore{}
	r := NewRecorder(st, zap.NewNop())

	_, err := r.CreateRecord(context.Background(), Content{Title: "t", Body: "b"},
		[]Recipient{{UserID: "u-1"}}, RecordOptions{DryRun: true, RecipientScoped: true})
	if err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}
	if len(st.created) != 1 {
		t.Error("recipient-scoped dry run must persist the record")
	}
}

func TestRecorder_CommitFailureAborts(t *testing.T) {
	st := &fakeRecordStore{createErr: errors.New("deadlock")}
	r := NewRecorder(st, zap.NewNop())

	_, err := r.CreateRecord(context.Background(), Content{Title: "t", Body: "b"},
		[]Recipient{{UserID: "u-1"}}, RecordOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if CodeOf(err) != CodePersistence {
		t.Errorf("code = %s", CodeOf(err))
	}
	if len(st.refs) != 0 {
		t.Error("no refs should settle after a failed commit")
	}
}

func TestRecorder_RefFailureDoesNotFailRecord(t *testing.T) {
	st := &fakeRecordStore{refErr: errors.New("user vanished")}
	r := NewRecorder(st, zap.NewNop())

	_, err := r.CreateRecord(context.Background(), Content{Title: "t", Body: "b"},
		[]Recipient{{UserID: "u-1"}, {UserID: "u-2"}}, RecordOptions{})
	if err != nil {
		t.Fatalf("ref settle failure must not fail the record: %v", err)
	}
}
