package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"contestbot/internal/ledger"
	"contestbot/internal/matrix"
	"contestbot/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var ali = Identity{UserID: 42, ChatID: 42, Username: "ali_h"}

// captureMirror records appended rows and publishes them on appended.
type captureMirror struct {
	err      error
	appended chan ledger.Row
}

func (m *captureMirror) Append(_ context.Context, row ledger.Row) error {
	m.appended <- row
	return m.err
}

type harness struct {
	engine   *Engine
	store    *store.LocalStore
	mirror   *captureMirror
	failures chan error
}

func newHarness(t *testing.T, policy store.Policy, mirrorErr error) *harness {
	t.Helper()
	m, err := matrix.Default()
	require.NoError(t, err)
	return newHarnessWithMatrix(t, m, policy, mirrorErr)
}

func newHarnessWithMatrix(t *testing.T, m *matrix.Matrix, policy store.Policy, mirrorErr error) *harness {
	t.Helper()
	st, err := store.NewLocalStore(store.Options{
		Path:   filepath.Join(t.TempDir(), "registrations.sqlite3"),
		Policy: policy,
	})
	require.NoError(t, err)

	mirror := &captureMirror{err: mirrorErr, appended: make(chan ledger.Row, 16)}
	writer := ledger.NewWriter(mirror, ledger.WriterOptions{QueueSize: 8})
	t.Cleanup(func() {
		writer.Close(context.Background())
		st.Close()
	})

	h := &harness{store: st, mirror: mirror, failures: make(chan error, 4)}
	h.engine, err = NewEngine(Options{
		Matrix: m,
		Store:  st,
		Ledger: writer,
		Layout: ledger.Layout{IncludeCategory: true},
		MirrorFailed: func(id Identity, recordID int64, err error) {
			h.failures <- err
		},
	})
	require.NoError(t, err)
	return h
}

func (h *harness) turn(t *testing.T, in Input) Reply {
	t.Helper()
	r, err := h.engine.Handle(context.Background(), ali, in)
	require.NoError(t, err)
	return r
}

// walkTo drives ali's fresh session through the given inputs.
func (h *harness) walkTo(t *testing.T, inputs ...Input) Reply {
	t.Helper()
	r := h.engine.Start(ali)
	for _, in := range inputs {
		r = h.turn(t, in)
	}
	return r
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	n, err := h.store.Count(context.Background())
	require.NoError(t, err)
	return n
}

func choiceKeys(r Reply) []string {
	keys := make([]string, 0, len(r.Choices))
	for _, c := range r.Choices {
		keys = append(keys, c.Input.Key)
	}
	return keys
}

func TestStartAsksForName(t *testing.T) {
	h := newHarness(t, store.PolicyUpsert, nil)

	r := h.engine.Start(ali)
	assert.Equal(t, ReplyAdvance, r.Kind)
	assert.Equal(t, StateAwaitingName, r.State)
	assert.Empty(t, r.Choices)
	assert.Equal(t, []Input{Cancel()}, r.Controls)
}

func TestOfferedTracksMatchMatrix(t *testing.T) {
	h := newHarness(t, store.PolicyUpsert, nil)
	m, err := matrix.Default()
	require.NoError(t, err)

	for _, cat := range m.Categories() {
		for _, grade := range m.Grades() {
			t.Run(cat.Key+"/"+grade.Key, func(t *testing.T) {
				r := h.walkTo(t, Text("Ali Hassan"), Select(FieldCategory, cat.Key), Select(FieldGrade, grade.Key))
				require.Equal(t, StateAwaitingTrack, r.State)

				var want []string
				for _, tr := range m.Resolve(cat.Key, grade.Group) {
					want = append(want, tr.Key)
				}
				if diff := cmp.Diff(want, choiceKeys(r)); diff != "" {
					t.Fatalf("offered tracks mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestTrackOptionBranching(t *testing.T) {
	h := newHarness(t, store.PolicyUpsert, nil)
	prefix := []Input{Text("Ali Hassan"), Select(FieldCategory, "m"), Select(FieldGrade, "g5")}

	t.Run("option-less track skips to confirmation", func(t *testing.T) {
		r := h.walkTo(t, append(prefix, Select(FieldTrack, "m46_t3"))...)
		assert.Equal(t, ReplyAdvance, r.Kind)
		assert.Equal(t, StateAwaitingConfirmation, r.State)
		require.NotNil(t, r.Summary)
		assert.Empty(t, r.Summary.OptionTitle)
		assert.Equal(t, []Input{Confirm(), Edit(), Cancel()}, r.Controls)
	})

	t.Run("track with options requires one", func(t *testing.T) {
		r := h.walkTo(t, append(prefix, Select(FieldTrack, "m46_t2"))...)
		require.Equal(t, StateAwaitingOption, r.State)
		assert.Equal(t, []string{"o1", "o2", "o3", "o4"}, choiceKeys(r))
		assert.Equal(t, []Input{Back(), Cancel()}, r.Controls)

		r = h.turn(t, Confirm())
		assert.Equal(t, ReplyPrompt, r.Kind)
		assert.Equal(t, StateAwaitingOption, r.State)
		assert.Zero(t, h.count(t))
	})
}

func TestEndToEndRegistration(t *testing.T) {
	h := newHarness(t, store.PolicyUpsert, nil)

	r := h.walkTo(t,
		Text("Ali Hassan"),
		Select(FieldCategory, "m"),
		Select(FieldGrade, "g5"),
		Select(FieldTrack, "m46_t2"),
		Select(FieldOption, "o3"),
	)
	require.Equal(t, StateAwaitingConfirmation, r.State)
	assert.Equal(t, &Summary{
		FullName:      "Ali Hassan",
		CategoryLabel: "ذكر",
		GradeLabel:    "الصف الخامس",
		TrackTitle:    "مشروع على كتاب |لأنك الله|",
		OptionTitle:   "المسار المرئي",
	}, r.Summary)

	r = h.turn(t, Confirm())
	assert.Equal(t, ReplyTerminal, r.Kind)
	assert.Equal(t, OutcomeRegistered, r.Outcome)
	assert.Positive(t, r.RecordID)
	assert.Equal(t, 1, h.count(t))

	rec, err := h.engine.Lookup(context.Background(), ali.UserID)
	require.NoError(t, err)
	assert.Equal(t, r.RecordID, rec.ID)
	assert.Equal(t, "ali_h", rec.Username)
	assert.Equal(t, "grp_4_6", mustGroup(t, rec.GradeKey))
	assert.Equal(t, "مشروع على كتاب |لأنك الله|", rec.TrackTitle)
	assert.Equal(t, "المسار المرئي", rec.OptionTitle)

	select {
	case row := <-h.mirror.appended:
		require.GreaterOrEqual(t, len(row), 2)
		assert.Equal(t, ledger.Row{"مشروع على كتاب |لأنك الله|", "المسار المرئي"}, row[len(row)-2:])
		assert.Equal(t, "ذكر", row[3])
	case <-time.After(2 * time.Second):
		t.Fatal("mirror row never appended")
	}
	assert.Zero(t, h.engine.Sessions().Len(), "terminal session is disposed")
}

func mustGroup(t *testing.T, grade string) string {
	t.Helper()
	m, err := matrix.Default()
	require.NoError(t, err)
	g, ok := m.GroupOf(grade)
	require.True(t, ok)
	return g
}

func TestRepeatConfirmHasNoEffect(t *testing.T) {
	h := newHarness(t, store.PolicyAppend, nil)

	h.walkTo(t, Text("Ali Hassan"), Select(FieldCategory, "f"), Select(FieldGrade, "g2"), Select(FieldTrack, "f13_t1"))
	h.turn(t, Confirm())

	_, err := h.engine.Handle(context.Background(), ali, Confirm())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 1, h.count(t))
}

func TestConcurrentConfirmWritesOnce(t *testing.T) {
	h := newHarness(t, store.PolicyAppend, nil)
	h.walkTo(t, Text("Ali Hassan"), Select(FieldCategory, "f"), Select(FieldGrade, "g2"), Select(FieldTrack, "f13_t1"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var registered, rejected int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.engine.Handle(context.Background(), ali, Confirm())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && r.Outcome == OutcomeRegistered:
				registered++
			case errors.Is(err, ErrNoSession):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, registered)
	assert.Equal(t, 7, rejected)
	assert.Equal(t, 1, h.count(t))
}

func TestEditLoopUpserts(t *testing.T) {
	h := newHarness(t, store.PolicyUpsert, nil)

	r := h.walkTo(t,
		Text("Ali Hassan"),
		Select(FieldCategory, "m"),
		Select(FieldGrade, "g8"),
		Select(FieldTrack, "m79_t1"),
		Select(FieldOption, "o2"),
	)
	require.Equal(t, StateAwaitingConfirmation, r.State)

	r = h.turn(t, Edit())
	assert.Equal(t, StateAwaitingTrack, r.State)
	sc := mustSession(t, h).Scratch()
	assert.Empty(t, sc.Track)
	assert.Empty(t, sc.Option)
	assert.Equal(t, "Ali Hassan", sc.FullName)
	assert.Equal(t, "grp_7_9", sc.Group)

	h.turn(t, Select(FieldTrack, "m79_t3"))
	first := h.turn(t, Confirm())
	require.Equal(t, OutcomeRegistered, first.Outcome)

	// A second registration from the same identity replaces the first.
	h.walkTo(t, Text("Ali Hassan"), Select(FieldCategory, "m"), Select(FieldGrade, "g8"), Select(FieldTrack, "m79_t2"), Select(FieldOption, "o1"))
	second := h.turn(t, Confirm())
	assert.Equal(t, first.RecordID, second.RecordID)
	assert.Equal(t, 1, h.count(t))

	rec, err := h.engine.Lookup(context.Background(), ali.UserID)
	require.NoError(t, err)
	assert.Equal(t, "m79_t2", rec.TrackKey)
	assert.Equal(t, "المسار الصوتي", rec.OptionTitle)
}

func mustSession(t *testing.T, h *harness) *Session {
	t.Helper()
	s, ok := h.engine.Sessions().Get(ali.UserID)
	require.True(t, ok)
	return s
}

func TestBackFromOptionKeepsContext(t *testing.T) {
	h := newHarness(t, store.PolicyUpsert, nil)

	h.walkTo(t, Text("Ali Hassan"), Select(FieldCategory, "f"), Select(FieldGrade, "g6"), Select(FieldTrack, "f46_t1"))
	r := h.turn(t, Back())

	assert.Equal(t, ReplyAdvance, r.Kind)
	assert.Equal(t, StateAwaitingTrack, r.State)
	assert.Equal(t, []string{"f46_t1", "f46_t2", "f46_t3"}, choiceKeys(r))
	sc := mustSession(t, h).Scratch()
	assert.Equal(t, Scratch{FullName: "Ali Hassan", Category: "f", Grade: "g6", Group: "grp_4_6"}, sc)
}

func TestNameValidation(t *testing.T) {
	cases := []struct {
		name   string
		in     Input
		notice Notice
	}{
		{"too short", Text("Al"), NoticeNameTooShort},
		{"whitespace padded", Text("   A \t "), NoticeNameTooShort},
		{"empty", Text(""), NoticeNameTooShort},
		{"selection instead of text", Select(FieldCategory, "m"), NoticeNameRequired},
		{"photo instead of text", Attachment(), NoticeNameRequired},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, store.PolicyUpsert, nil)
			h.engine.Start(ali)

			r := h.turn(t, tc.in)
			assert.Equal(t, ReplyPrompt, r.Kind)
			assert.Equal(t, StateAwaitingName, r.State)
			assert.Equal(t, tc.notice, r.Notice)
			assert.ErrorIs(t, r.Reason, ErrValidation)
			assert.Empty(t, mustSession(t, h).Scratch().FullName)
		})
	}

	h := newHarness(t, store.PolicyUpsert, nil)
	r := h.walkTo(t, Text("  علي   حسن "))
	assert.Equal(t, StateAwaitingCategory, r.State)
	assert.Equal(t, "علي حسن", mustSession(t, h).Scratch().FullName)
	assert.Equal(t, []string{"m", "f"}, choiceKeys(r))
}

func TestUnknownTrackRepromptsSameSet(t *testing.T) {
	h := newHarness(t, store.PolicyUpsert, nil)

	before := h.walkTo(t, Text("Ali Hassan"), Select(FieldCategory, "m"), Select(FieldGrade, "g4"))
	after := h.turn(t, Select(FieldTrack, "f46_t1"))

	assert.Equal(t, ReplyPrompt, after.Kind)
	assert.Equal(t, StateAwaitingTrack, after.State)
	assert.Equal(t, NoticeInvalidChoice, after.Notice)
	assert.ErrorIs(t, after.Reason, ErrLookupMiss)
	if diff := cmp.Diff(before.Choices, after.Choices); diff != "" {
		t.Fatalf("track set changed (-before +after):\n%s", diff)
	}
}

func TestUnrecognizedInputNeverAdvances(t *testing.T) {
	steps := []Input{
		Text("Ali Hassan"),
		Select(FieldCategory, "m"),
		Select(FieldGrade, "g5"),
		Select(FieldTrack, "m46_t2"),
		Select(FieldOption, "o1"),
	}
	junk := []Input{
		Text("hello"),
		Select(FieldGrade, "g99"),
		Select(FieldCategory, "x"),
		Select(FieldTrack, ""),
		Select(FieldOption, "o9"),
		Edit(),
		Back(),
	}

	h := newHarness(t, store.PolicyUpsert, nil)
	for depth := 1; depth <= len(steps); depth++ {
		h.walkTo(t, steps[:depth]...)
		s := mustSession(t, h)
		state, scratch := s.State(), s.Scratch()

		for _, in := range junk {
			r, err := h.engine.Handle(context.Background(), ali, in)
			require.NoError(t, err)
			if r.Kind != ReplyPrompt {
				// The input was valid for this state; nothing to check.
				h.walkTo(t, steps[:depth]...)
				s = mustSession(t, h)
				continue
			}
			assert.Equal(t, state, r.State, "state %s input %s", state, in.Kind)
			assert.Equal(t, scratch, s.Scratch(), "state %s input %s", state, in.Kind)
		}
	}
	assert.Zero(t, h.count(t))
}

func TestCancelFromEveryState(t *testing.T) {
	steps := []Input{
		Text("Ali Hassan"),
		Select(FieldCategory, "m"),
		Select(FieldGrade, "g5"),
		Select(FieldTrack, "m46_t2"),
		Select(FieldOption, "o1"),
	}
	h := newHarness(t, store.PolicyAppend, nil)

	for depth := 0; depth <= len(steps); depth++ {
		r := h.walkTo(t, steps[:depth]...)
		require.NotEqual(t, StateTerminal, r.State)

		r = h.turn(t, Cancel())
		assert.Equal(t, ReplyTerminal, r.Kind)
		assert.Equal(t, OutcomeCancelled, r.Outcome)

		_, err := h.engine.Handle(context.Background(), ali, Text("Ali Hassan"))
		assert.ErrorIs(t, err, ErrNoSession)
	}
	assert.Zero(t, h.count(t))
}

func TestNoSessionWithoutStart(t *testing.T) {
	h := newHarness(t, store.PolicyUpsert, nil)

	_, err := h.engine.Handle(context.Background(), ali, Text("Ali Hassan"))
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = h.engine.Lookup(context.Background(), ali.UserID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMirrorFailureKeepsLocalRecord(t *testing.T) {
	outage := errors.New("sheets unavailable")
	h := newHarness(t, store.PolicyUpsert, outage)

	h.walkTo(t, Text("Ali Hassan"), Select(FieldCategory, "m"), Select(FieldGrade, "g1"), Select(FieldTrack, "m13_t1"))
	r := h.turn(t, Confirm())
	require.Equal(t, OutcomeRegistered, r.Outcome)

	rec, err := h.engine.Lookup(context.Background(), ali.UserID)
	require.NoError(t, err)
	assert.Equal(t, r.RecordID, rec.ID)

	select {
	case err := <-h.failures:
		var me *ledger.MirrorError
		require.ErrorAs(t, err, &me)
		assert.ErrorIs(t, err, outage)
	case <-time.After(2 * time.Second):
		t.Fatal("mirror failure never reported")
	}

	rec, err = h.engine.Lookup(context.Background(), ali.UserID)
	require.NoError(t, err)
	assert.Equal(t, "حفظ منظومة |أحسن الأخلاق|", rec.TrackTitle)
}

// flakyStore fails Save until healthy is set.
type flakyStore struct {
	Store
	mu      sync.Mutex
	healthy bool
}

func (f *flakyStore) Save(ctx context.Context, rec store.Record) (int64, error) {
	f.mu.Lock()
	ok := f.healthy
	f.mu.Unlock()
	if !ok {
		return 0, errors.New("disk I/O error")
	}
	return f.Store.Save(ctx, rec)
}

func TestStoreFailureKeepsSessionConfirmable(t *testing.T) {
	h := newHarness(t, store.PolicyUpsert, nil)
	flaky := &flakyStore{Store: h.store}
	h.engine.store = flaky

	h.walkTo(t, Text("Ali Hassan"), Select(FieldCategory, "f"), Select(FieldGrade, "g9"), Select(FieldTrack, "f79_t3"))

	r, err := h.engine.Handle(context.Background(), ali, Confirm())
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ReplyPrompt, r.Kind)
	assert.Equal(t, StateAwaitingConfirmation, r.State)
	assert.Equal(t, NoticeStoreFailed, r.Notice)
	assert.NotEqual(t, OutcomeRegistered, r.Outcome)
	assert.Zero(t, h.count(t))

	flaky.mu.Lock()
	flaky.healthy = true
	flaky.mu.Unlock()

	r = h.turn(t, Confirm())
	assert.Equal(t, OutcomeRegistered, r.Outcome)
	assert.Equal(t, 1, h.count(t))
}

func TestEmptyBucketOffersNoTracks(t *testing.T) {
	m, err := matrix.Parse([]byte(`
categories: [{key: m, label: ذكر}]
grades:
  - {key: g1, label: الأول, group: grp_a}
  - {key: g2, label: الثاني, group: grp_b}
tracks:
  m:
    grp_a: [{key: t1, title: مسابقة}]
`))
	require.NoError(t, err)
	h := newHarnessWithMatrix(t, m, store.PolicyUpsert, nil)

	r := h.walkTo(t, Text("Ali Hassan"), Select(FieldCategory, "m"), Select(FieldGrade, "g2"))
	assert.Equal(t, StateAwaitingTrack, r.State)
	assert.Empty(t, r.Choices)
	assert.Equal(t, NoticeNoTracks, r.Notice)
	assert.Equal(t, []Input{Cancel()}, r.Controls)

	r = h.turn(t, Select(FieldTrack, "t1"))
	assert.Equal(t, ReplyPrompt, r.Kind)

	r = h.turn(t, Cancel())
	assert.Equal(t, OutcomeCancelled, r.Outcome)
}

func TestRestartReplacesSession(t *testing.T) {
	h := newHarness(t, store.PolicyUpsert, nil)

	h.walkTo(t, Text("Ali Hassan"), Select(FieldCategory, "m"))
	r := h.engine.Start(ali)
	assert.Equal(t, StateAwaitingName, r.State)
	assert.Equal(t, Scratch{}, mustSession(t, h).Scratch())
	assert.Equal(t, 1, h.engine.Sessions().Len())
}

type enqueueFunc func(ledger.Row, func(error))

func (f enqueueFunc) Enqueue(row ledger.Row, done func(error)) { f(row, done) }

func TestNewEngineRequiresCollaborators(t *testing.T) {
	m, err := matrix.Default()
	require.NoError(t, err)
	st := &flakyStore{}
	q := enqueueFunc(func(ledger.Row, func(error)) {})

	_, err = NewEngine(Options{Store: st, Ledger: q})
	assert.Error(t, err)
	_, err = NewEngine(Options{Matrix: m, Ledger: q})
	assert.Error(t, err)
	_, err = NewEngine(Options{Matrix: m, Store: st})
	assert.Error(t, err)

	e, err := NewEngine(Options{Matrix: m, Store: st, Ledger: q})
	require.NoError(t, err)
	assert.NotNil(t, e.Sessions())
}
