package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"wardenprime/internal/category"
	"wardenprime/internal/differ"
	"wardenprime/internal/model"
	"wardenprime/internal/storage"
)

type sentMessage struct {
	ChannelID snowflake.ID
	MessageID snowflake.ID
	Msg       Message
}

type fakeMessenger struct {
	mu        sync.Mutex
	nextID    snowflake.ID
	created   []sentMessage
	updated   []sentMessage
	deleted   []snowflake.ID
	history   map[snowflake.ID][]HistoryMessage
	createErr map[snowflake.ID]error
	updateErr map[snowflake.ID]error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		nextID:    1000,
		history:   make(map[snowflake.ID][]HistoryMessage),
		createErr: make(map[snowflake.ID]error),
		updateErr: make(map[snowflake.ID]error),
	}
}

func (f *fakeMessenger) CreateMessage(_ context.Context, channelID snowflake.ID, msg Message) (snowflake.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[channelID]; err != nil {
		return 0, err
	}
	f.nextID++
	f.created = append(f.created, sentMessage{ChannelID: channelID, MessageID: f.nextID, Msg: msg})
	return f.nextID, nil
}

func (f *fakeMessenger) UpdateMessage(_ context.Context, channelID, messageID snowflake.ID, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateErr[channelID]; err != nil {
		return err
	}
	f.updated = append(f.updated, sentMessage{ChannelID: channelID, MessageID: messageID, Msg: msg})
	return nil
}

func (f *fakeMessenger) DeleteMessage(_ context.Context, _, messageID snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeMessenger) RecentMessages(_ context.Context, channelID snowflake.ID, limit int) ([]HistoryMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.history[channelID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SendRate = 0
	return cfg
}

var expiry = time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

func fissures(events ...model.Event) model.Snapshot {
	return model.Snapshot{Service: model.ServiceFissure, Events: events}
}

func fissure(id, cat string, hard bool) model.Event {
	return model.Event{ID: id, Category: cat, Title: "Node " + id, Hard: hard, Expiry: expiry}
}

func createSub(t *testing.T, s storage.Storage, sub model.Subscription) model.Subscription {
	t.Helper()
	if err := s.CreateSubscription(context.Background(), &sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func loadSubs(t *testing.T, s storage.Storage, service model.Service) []model.Subscription {
	t.Helper()
	subs, err := s.ListServiceSubscriptions(context.Background(), service)
	if err != nil {
		t.Fatalf("list subscriptions: %v", err)
	}
	return subs
}

func results(outs []model.DispatchOutcome) []model.DispatchResult {
	var r []model.DispatchResult
	for _, o := range outs {
		r = append(r, o.Result)
	}
	return r
}

func dispatch(t *testing.T, d *Dispatcher, s storage.Storage, snap, prev model.Snapshot, firstPass bool) []model.DispatchOutcome {
	t.Helper()
	changed := append(differ.Diff(snap, prev), differ.Removed(snap, prev)...)
	return d.Dispatch(context.Background(), changed, snap, loadSubs(t, s, snap.Service), firstPass)
}

func TestDispatchIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	m := newFakeMessenger()
	d := New(store, m, testLogger(), testConfig())
	createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 10})

	snap := fissures(fissure("a", "Exterminate", false))

	got := dispatch(t, d, store, snap, model.Snapshot{}, true)
	if diff := cmp.Diff([]model.DispatchResult{model.ResultCreated}, results(got)); diff != "" {
		t.Fatalf("first dispatch mismatch (-want +got):\n%s", diff)
	}

	// Same state again, as after a restart with an empty previous snapshot.
	got = dispatch(t, d, store, snap, model.Snapshot{}, true)
	if diff := cmp.Diff([]model.DispatchResult{model.ResultSkipped}, results(got)); diff != "" {
		t.Fatalf("second dispatch mismatch (-want +got):\n%s", diff)
	}
	if len(m.created) != 1 || len(m.updated) != 0 {
		t.Errorf("expected exactly one message, got %d created %d updated", len(m.created), len(m.updated))
	}
}

func TestDispatchRestartUsesStoredSignature(t *testing.T) {
	store := newTestStore(t)
	m := newFakeMessenger()
	d := New(store, m, testLogger(), testConfig())

	sub := createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 10, Category: "Exterminate"})
	if err := store.UpdateDelivery(context.Background(), sub.ID, "a|b", 77); err != nil {
		t.Fatalf("seed delivery: %v", err)
	}

	snap := fissures(fissure("b", "Exterminate", false), fissure("a", "exterminate ", false))
	got := dispatch(t, d, store, snap, model.Snapshot{}, true)
	if diff := cmp.Diff([]model.DispatchResult{model.ResultSkipped}, results(got)); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}
	if len(m.created)+len(m.updated) != 0 {
		t.Error("expected no messages after restart with matching signature")
	}
}

func TestDispatchEditsPreviousMessage(t *testing.T) {
	store := newTestStore(t)
	m := newFakeMessenger()
	d := New(store, m, testLogger(), testConfig())
	createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 10, RoleID: 5})

	first := fissures(fissure("a", "Exterminate", false))
	dispatch(t, d, store, first, model.Snapshot{}, true)

	second := fissures(fissure("a", "Exterminate", false), fissure("b", "Capture", false))
	got := dispatch(t, d, store, second, first, false)
	if diff := cmp.Diff([]model.DispatchResult{model.ResultEdited}, results(got)); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}

	if len(m.updated) != 1 {
		t.Fatalf("expected one edit, got %d", len(m.updated))
	}
	edit := m.updated[0]
	if edit.MessageID != m.created[0].MessageID {
		t.Errorf("edited message %d, want %d", edit.MessageID, m.created[0].MessageID)
	}
	if edit.Msg.Content != "" || edit.Msg.MentionRole != 0 {
		t.Errorf("edits must not mention roles, got %+v", edit.Msg)
	}
	if m.created[0].Msg.MentionRole != 5 {
		t.Errorf("new message should mention role 5, got %d", m.created[0].Msg.MentionRole)
	}
}

func TestDispatchEditFallsBackToNewMessage(t *testing.T) {
	store := newTestStore(t)
	m := newFakeMessenger()
	d := New(store, m, testLogger(), testConfig())
	sub := createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 10, RoleID: 5})
	if err := store.UpdateDelivery(context.Background(), sub.ID, "old", 42); err != nil {
		t.Fatalf("seed delivery: %v", err)
	}
	m.updateErr[10] = fmt.Errorf("edit: %w", ErrMessageNotFound)

	got := dispatch(t, d, store, fissures(fissure("a", "Spy", false)), model.Snapshot{}, false)
	if diff := cmp.Diff([]model.DispatchResult{model.ResultCreated}, results(got)); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}

	stored, err := store.GetSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.LastMessageID != m.created[0].MessageID || stored.LastSignature != "a" {
		t.Errorf("stored delivery = (%q, %d)", stored.LastSignature, stored.LastMessageID)
	}
	if m.created[0].Msg.MentionRole != 5 {
		t.Error("expected role mention on the replacement message")
	}
}

func TestDispatchIsolatesChannelFailures(t *testing.T) {
	store := newTestStore(t)
	m := newFakeMessenger()
	d := New(store, m, testLogger(), testConfig())
	broken := createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 10})
	createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 2, ChannelID: 20})
	m.createErr[10] = fmt.Errorf("create message: %w", ErrChannelUnavailable)

	got := dispatch(t, d, store, fissures(fissure("a", "Survival", false)), model.Snapshot{}, false)
	if diff := cmp.Diff([]model.DispatchResult{model.ResultFailed, model.ResultCreated}, results(got)); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}
	if !errors.Is(got[0].Err, ErrChannelUnavailable) {
		t.Errorf("expected ErrChannelUnavailable, got %v", got[0].Err)
	}

	stored, err := store.GetSubscription(context.Background(), broken.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.LastSignature != "" {
		t.Errorf("failed subscription must not record a signature, got %q", stored.LastSignature)
	}
}

func TestDispatchAdoptsMessageFromHistory(t *testing.T) {
	store := newTestStore(t)
	m := newFakeMessenger()
	d := New(store, m, testLogger(), testConfig())
	sub := createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 10})

	snap := fissures(fissure("a", "Exterminate", false))
	footer := FooterFor(Signature(snap.Events))
	m.history[10] = []HistoryMessage{
		{ID: 900, FromSelf: false, Footers: []string{footer}},
		{ID: 901, FromSelf: true, Footers: []string{"sig 000000000000"}},
		{ID: 902, FromSelf: true, Footers: []string{footer}},
	}

	got := dispatch(t, d, store, snap, model.Snapshot{}, true)
	if diff := cmp.Diff([]model.DispatchResult{model.ResultAdopted}, results(got)); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}
	if len(m.created)+len(m.updated) != 0 {
		t.Error("adoption must not send anything")
	}

	stored, err := store.GetSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.LastMessageID != 902 || stored.LastSignature != "a" {
		t.Errorf("stored delivery = (%q, %d), want (a, 902)", stored.LastSignature, stored.LastMessageID)
	}
}

func TestDispatchHistoryOnlyOnFirstPass(t *testing.T) {
	store := newTestStore(t)
	m := newFakeMessenger()
	d := New(store, m, testLogger(), testConfig())
	createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 10})

	snap := fissures(fissure("a", "Exterminate", false))
	m.history[10] = []HistoryMessage{{ID: 902, FromSelf: true, Footers: []string{FooterFor("a")}}}

	got := dispatch(t, d, store, snap, model.Snapshot{}, false)
	if diff := cmp.Diff([]model.DispatchResult{model.ResultCreated}, results(got)); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchFilters(t *testing.T) {
	store := newTestStore(t)
	m := newFakeMessenger()
	d := New(store, m, testLogger(), testConfig())
	createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 10, Category: "Spy", HardMode: model.HardOnly})
	createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 11, Category: "Capture"})

	got := dispatch(t, d, store, fissures(fissure("a", "Spy", false)), model.Snapshot{}, false)
	if diff := cmp.Diff([]model.DispatchResult{model.ResultEmpty}, results(got)); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}
}

func TestPingThreshold(t *testing.T) {
	store := newTestStore(t)
	m := newFakeMessenger()
	cfg := testConfig()
	cfg.PingThreshold = 2
	d := New(store, m, testLogger(), cfg)
	createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 10, RoleID: 5})
	createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 11, Category: "Spy", RoleID: 6})

	dispatch(t, d, store, fissures(fissure("a", "Spy", false), fissure("b", "Spy", true)), model.Snapshot{}, false)

	mentions := map[snowflake.ID]snowflake.ID{}
	for _, c := range m.created {
		mentions[c.ChannelID] = c.Msg.MentionRole
	}
	want := map[snowflake.ID]snowflake.ID{10: 0, 11: 6}
	if diff := cmp.Diff(want, mentions); diff != "" {
		t.Errorf("mentions mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchSchedulesStaleMessageDeletion(t *testing.T) {
	store := newTestStore(t)
	m := newFakeMessenger()
	cfg := testConfig()
	cfg.StaleMessageTTL = time.Hour
	d := New(store, m, testLogger(), cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	sub := createSub(t, store, model.Subscription{Service: model.ServiceAya, GuildID: 1, ChannelID: 10})
	if err := store.UpdateDelivery(context.Background(), sub.ID, "old", 555); err != nil {
		t.Fatalf("seed delivery: %v", err)
	}

	snap := model.Snapshot{Service: model.ServiceAya, Events: []model.Event{{ID: "v1:item", Category: "Prime Resurgence", Title: "Ash Prime"}}}
	got := dispatch(t, d, store, snap, model.Snapshot{}, false)
	if diff := cmp.Diff([]model.DispatchResult{model.ResultCreated}, results(got)); diff != "" {
		t.Fatalf("dispatch mismatch (-want +got):\n%s", diff)
	}

	tasks, err := store.ListDueTasks(context.Background(), now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	want := []model.ScheduledTask{{Action: model.TaskDeleteMessage, ChannelID: 10, MessageID: 555, DueAt: now.Add(time.Hour)}}
	if diff := cmp.Diff(want, tasks, cmpopts.IgnoreFields(model.ScheduledTask{}, "ID", "CreatedAt")); diff != "" {
		t.Errorf("tasks mismatch (-want +got):\n%s", diff)
	}
}

func TestSignature(t *testing.T) {
	a := []model.Event{{ID: "b", Expiry: expiry}, {ID: "a"}}
	b := []model.Event{{ID: "a", Expiry: expiry.Add(time.Hour)}, {ID: "b"}}
	if Signature(a) != Signature(b) {
		t.Errorf("signature depends on order or expiry: %q vs %q", Signature(a), Signature(b))
	}
	if got := Signature(a); got != "a|b" {
		t.Errorf("Signature = %q, want a|b", got)
	}
	if Digest("a|b") == Digest("a|c") {
		t.Error("different signatures share a digest")
	}
	if got := len(Digest("a|b")); got != digestLen {
		t.Errorf("digest length = %d", got)
	}
}

func TestSignatureRecheckCategories(t *testing.T) {
	cascade := func(exp time.Time) []model.Event {
		return []model.Event{{ID: "n1", Category: "Void Cascade", Expiry: exp}}
	}
	if Signature(cascade(expiry)) == Signature(cascade(expiry.Add(time.Hour))) {
		t.Error("always-recheck signature ignores expiry")
	}
	want := fmt.Sprintf("n1@%d", expiry.Unix())
	if got := Signature(cascade(expiry)); got != want {
		t.Errorf("Signature = %q, want %q", got, want)
	}
}

func TestSignatureEscapesSeparators(t *testing.T) {
	tests := []struct {
		name string
		a, b []model.Event
	}{
		{
			name: "pipe inside id",
			a:    []model.Event{{ID: "a|b"}},
			b:    []model.Event{{ID: "a"}, {ID: "b"}},
		},
		{
			name: "expiry marker inside id",
			a:    []model.Event{{ID: fmt.Sprintf("n1@%d", expiry.Unix()), Category: "Spy"}},
			b:    []model.Event{{ID: "n1", Category: "Void Flood", Expiry: expiry}},
		},
		{
			name: "escape character inside id",
			a:    []model.Event{{ID: `a\`}, {ID: "b"}},
			b:    []model.Event{{ID: `a\|b`}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if sa, sb := Signature(tt.a), Signature(tt.b); sa == sb {
				t.Errorf("signatures collide: %q", sa)
			}
		})
	}
}

func TestDispatchRecheckCategoryOnExpiryChange(t *testing.T) {
	store := newTestStore(t)
	m := newFakeMessenger()
	d := New(store, m, testLogger(), testConfig())
	createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 10, Category: "Void Cascade"})

	first := fissures(model.Event{ID: "n1", Category: "Void Cascade", Expiry: expiry})
	second := fissures(model.Event{ID: "n1", Category: "Void Cascade", Expiry: expiry.Add(time.Hour)})

	got := dispatch(t, d, store, first, model.Snapshot{}, false)
	if diff := cmp.Diff([]model.DispatchResult{model.ResultCreated}, results(got)); diff != "" {
		t.Fatalf("first dispatch mismatch (-want +got):\n%s", diff)
	}
	got = dispatch(t, d, store, second, first, false)
	if diff := cmp.Diff([]model.DispatchResult{model.ResultEdited}, results(got)); diff != "" {
		t.Fatalf("second dispatch mismatch (-want +got):\n%s", diff)
	}
	if len(m.created) != 1 || len(m.updated) != 1 {
		t.Errorf("got %d created %d updated, want 1/1", len(m.created), len(m.updated))
	}
}

func TestDispatchClearsDeliveryWhenEventsVanish(t *testing.T) {
	store := newTestStore(t)
	m := newFakeMessenger()
	cfg := testConfig()
	cfg.StaleMessageTTL = time.Hour
	d := New(store, m, testLogger(), cfg)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	sub := createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 10, Category: "Exterminate"})

	present := fissures(fissure("a", "Exterminate", false), fissure("c", "Capture", false))
	gone := fissures(fissure("c", "Capture", false))

	var got []model.DispatchResult
	got = append(got, results(dispatch(t, d, store, present, model.Snapshot{}, false))...)
	got = append(got, results(dispatch(t, d, store, gone, present, false))...)

	stored, err := store.GetSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.LastSignature != "" || stored.LastMessageID != 0 {
		t.Errorf("stored delivery = (%q, %d), want cleared", stored.LastSignature, stored.LastMessageID)
	}

	got = append(got, results(dispatch(t, d, store, present, gone, false))...)
	want := []model.DispatchResult{model.ResultCreated, model.ResultEmpty, model.ResultCreated}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	tasks, err := store.ListDueTasks(context.Background(), now.Add(2*time.Hour), 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].MessageID != m.created[0].MessageID {
		t.Errorf("expected deletion of the outdated message, got %+v", tasks)
	}
}

func TestRender(t *testing.T) {
	var events []model.Event
	for i := range 30 {
		events = append(events, model.Event{ID: fmt.Sprintf("e%02d", i), Category: "Survival", Title: "Node", Expiry: expiry})
	}
	sub := model.Subscription{Category: "survival", HardMode: model.HardOnly}
	msg := Render(model.ServiceFissure, sub, events, "sig", expiry)

	if msg.Embed.Title != "Void Fissures · Survival" {
		t.Errorf("title = %q", msg.Embed.Title)
	}
	if len(msg.Embed.Fields) != maxFields {
		t.Errorf("fields = %d, want %d", len(msg.Embed.Fields), maxFields)
	}
	if msg.Embed.Footer != FooterFor("sig") {
		t.Errorf("footer = %q", msg.Embed.Footer)
	}
	if msg.Embed.Color != colorSteelPath {
		t.Errorf("color = %#x", msg.Embed.Color)
	}
	wantValue := fmt.Sprintf("Ends <t:%d:R> (<t:%d:f>)", expiry.Unix(), expiry.Unix())
	if msg.Embed.Fields[0].Value != wantValue {
		t.Errorf("field value = %q, want %q", msg.Embed.Fields[0].Value, wantValue)
	}
	if msg.Content != "" {
		t.Errorf("rendered message must not mention anyone, got %q", msg.Content)
	}
}

func TestDispatchIgnoresUninterestedSubscriptions(t *testing.T) {
	store := newTestStore(t)
	m := newFakeMessenger()
	d := New(store, m, testLogger(), testConfig())
	createSub(t, store, model.Subscription{Service: model.ServiceFissure, GuildID: 1, ChannelID: 10, Category: "Survival"})

	snap := fissures(fissure("a", "Survival", false), fissure("b", "Spy", false))
	got := d.Dispatch(context.Background(), []category.Category{category.Canonicalize("Spy")}, snap, loadSubs(t, store, model.ServiceFissure), false)
	if len(got) != 0 {
		t.Errorf("expected no outcomes, got %v", results(got))
	}
}
