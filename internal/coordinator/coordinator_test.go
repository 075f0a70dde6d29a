package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/crowdwatch/internal/models"
	"github.com/rewired-gh/crowdwatch/internal/storage"
)

const testToken = "s3cret-reporter-token"

type fixture struct {
	coord     *Coordinator
	snapshots *storage.SnapshotStore
	log       *storage.ReadingLog
}

func facilitySet(n int) []models.FacilityRecord {
	out := make([]models.FacilityRecord, n)
	for i := range out {
		out[i] = models.FacilityRecord{
			ID:           i + 1,
			Name:         fmt.Sprintf("Hall %d", i+1),
			SubName:      "Ground floor",
			MaxCapacity:  50,
			CurrentCount: 5,
		}
	}
	return out
}

func newFixture(t *testing.T, facilities int, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "facilities.json")
	if _, err := storage.SeedSnapshot(path, facilitySet(facilities), 0o644, 0o755); err != nil {
		t.Fatal(err)
	}
	snaps, err := storage.OpenSnapshotStore(path, 0o644, 0o755)
	if err != nil {
		t.Fatal(err)
	}
	log, err := storage.OpenReadingLog(context.Background(), storage.DriverSQLite, filepath.Join(dir, "readings.db"))
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	allow, err := NewAllowList(map[string]string{"gate-sensor": testToken, "front-desk": "other-token"})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{coord: New(snaps, log, allow, opts), snapshots: snaps, log: log}
}

func (f *fixture) state(t *testing.T) ([]models.FacilityRecord, []byte, int64) {
	t.Helper()
	all, err := f.snapshots.GetAll()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(f.snapshots.Path())
	if err != nil {
		t.Fatal(err)
	}
	n, err := f.log.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return all, raw, n
}

func TestSubmitReading_Acknowledged(t *testing.T) {
	f := newFixture(t, 3, Options{})
	before, _, _ := f.state(t)

	res, err := f.coord.SubmitReading(context.Background(), Submission{FacilityID: 2, MaxCapacity: 60, CurrentCount: 12, Token: testToken})
	if err != nil {
		t.Fatalf("SubmitReading failed: %v", err)
	}
	if res.Identity != "gate-sensor" {
		t.Errorf("Expected identity gate-sensor, got %q", res.Identity)
	}
	if res.Reading.ID == 0 || res.Reading.CurrentValue != 12 || res.Reading.MaxValue != 60 {
		t.Errorf("unexpected reading: %+v", res.Reading)
	}
	if res.Facility.CurrentCount != 12 || res.Facility.MaxCapacity != 60 {
		t.Errorf("unexpected facility: %+v", res.Facility)
	}

	after, _, n := f.state(t)
	if n != 1 {
		t.Errorf("Expected 1 reading, got %d", n)
	}
	for i := range after {
		if after[i].ID == 2 {
			if after[i].CurrentCount != 12 || after[i].MaxCapacity != 60 {
				t.Errorf("facility 2 not updated: %+v", after[i])
			}
		} else if after[i] != before[i] {
			t.Errorf("facility %d changed: %+v", after[i].ID, after[i])
		}
	}
}

func TestSubmitReading_RejectionsHaveNoSideEffects(t *testing.T) {
	tests := []struct {
		name string
		sub  Submission
		want error
	}{
		{"bad token", Submission{FacilityID: 1, MaxCapacity: 10, CurrentCount: 3, Token: "guess"}, models.ErrUnauthorized},
		{"missing token", Submission{FacilityID: 1, MaxCapacity: 10, CurrentCount: 3}, models.ErrUnauthorized},
		{"bad token with invalid payload", Submission{FacilityID: 99, MaxCapacity: -1, CurrentCount: -1, Token: "guess"}, models.ErrUnauthorized},
		{"negative count", Submission{FacilityID: 1, MaxCapacity: 10, CurrentCount: -3, Token: testToken}, models.ErrInvalidInput},
		{"negative capacity", Submission{FacilityID: 1, MaxCapacity: -10, CurrentCount: 3, Token: testToken}, models.ErrInvalidInput},
		{"unknown facility", Submission{FacilityID: 99, MaxCapacity: 10, CurrentCount: 3, Token: testToken}, models.ErrFacilityNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 3, Options{})
			beforeAll, beforeRaw, beforeN := f.state(t)

			_, err := f.coord.SubmitReading(context.Background(), tt.sub)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}

			afterAll, afterRaw, afterN := f.state(t)
			if string(beforeRaw) != string(afterRaw) {
				t.Error("durable snapshot changed")
			}
			if afterN != beforeN {
				t.Errorf("log row count changed from %d to %d", beforeN, afterN)
			}
			for i := range afterAll {
				if afterAll[i] != beforeAll[i] {
					t.Errorf("facility %d changed", afterAll[i].ID)
				}
			}
		})
	}
}

func TestSubmitReading_ConcurrentDistinctFacilities(t *testing.T) {
	const n = 12
	f := newFixture(t, n, Options{})

	var wg sync.WaitGroup
	for id := 1; id <= n; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if _, err := f.coord.SubmitReading(context.Background(), Submission{FacilityID: id, MaxCapacity: 100, CurrentCount: id * 2, Token: testToken}); err != nil {
				t.Errorf("submission for %d failed: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	all, _, rows := f.state(t)
	for _, r := range all {
		if r.CurrentCount != r.ID*2 || r.MaxCapacity != 100 {
			t.Errorf("lost update for facility %d: %+v", r.ID, r)
		}
	}
	if rows != n {
		t.Errorf("Expected %d readings, got %d", n, rows)
	}
}

func TestSubmitReading_ConcurrentSameFacility(t *testing.T) {
	f := newFixture(t, 1, Options{})

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			if _, err := f.coord.SubmitReading(context.Background(), Submission{FacilityID: 1, MaxCapacity: 500 + v, CurrentCount: v, Token: testToken}); err != nil {
				t.Errorf("submission failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	all, _, rows := f.state(t)
	got := all[0]
	if got.MaxCapacity != 500+got.CurrentCount || got.CurrentCount < 0 || got.CurrentCount >= writers {
		t.Errorf("snapshot is a hybrid of submissions: %+v", got)
	}
	if rows != writers {
		t.Errorf("Expected %d readings, got %d", writers, rows)
	}
}

type brokenLog struct{ calls int }

func (b *brokenLog) Append(context.Context, models.Reading) (models.Reading, error) {
	b.calls++
	return models.Reading{}, errors.New("database is locked")
}

func TestSubmitReading_PartialWrite(t *testing.T) {
	f := newFixture(t, 2, Options{})
	broken := &brokenLog{}
	coord := New(f.snapshots, broken, f.coord.allow, Options{})

	_, err := coord.SubmitReading(context.Background(), Submission{FacilityID: 1, MaxCapacity: 50, CurrentCount: 44, Token: testToken})
	if !errors.Is(err, models.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	var partial *PartialWriteError
	if !errors.As(err, &partial) {
		t.Fatalf("expected *PartialWriteError, got %T", err)
	}
	if partial.Facility.CurrentCount != 44 {
		t.Errorf("partial write should carry the updated record, got %+v", partial.Facility)
	}

	// No rollback: the snapshot keeps the submitted value.
	rec, err := f.snapshots.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.CurrentCount != 44 {
		t.Errorf("Expected snapshot to keep 44, got %d", rec.CurrentCount)
	}
}

func TestSubmitReading_UnknownFacilityNeverAppends(t *testing.T) {
	f := newFixture(t, 1, Options{})
	spy := &brokenLog{}
	coord := New(f.snapshots, spy, f.coord.allow, Options{})

	_, err := coord.SubmitReading(context.Background(), Submission{FacilityID: 42, MaxCapacity: 1, CurrentCount: 1, Token: testToken})
	if !errors.Is(err, models.ErrFacilityNotFound) {
		t.Fatalf("expected ErrFacilityNotFound, got %v", err)
	}
	if spy.calls != 0 {
		t.Errorf("log append attempted %d times for unknown facility", spy.calls)
	}
}

type fakeNotifier struct {
	mu      sync.Mutex
	updates []models.FacilityUpdate
}

func (n *fakeNotifier) NotifyOverCapacity(u models.FacilityUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, u)
}

func TestSubmitReading_NotifiesOnCapacityCrossing(t *testing.T) {
	notifier := &fakeNotifier{}
	f := newFixture(t, 1, Options{Notifier: notifier})
	ctx := context.Background()

	submit := func(current int) {
		t.Helper()
		if _, err := f.coord.SubmitReading(ctx, Submission{FacilityID: 1, MaxCapacity: 50, CurrentCount: current, Token: testToken}); err != nil {
			t.Fatal(err)
		}
	}
	submit(49)
	submit(51) // crosses
	submit(60) // still over
	submit(10)
	submit(55) // crosses again

	if len(notifier.updates) != 2 {
		t.Fatalf("Expected 2 alerts, got %d", len(notifier.updates))
	}
	if notifier.updates[0].After.CurrentCount != 51 || notifier.updates[1].After.CurrentCount != 55 {
		t.Errorf("unexpected alerts: %+v", notifier.updates)
	}
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []string
	success  []bool
}

func (r *fakeRecorder) Observe(_ context.Context, _ string, success bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success = append(r.success, success)
}

func (r *fakeRecorder) ObserveSubmission(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func TestSubmitReading_RecordsOutcomes(t *testing.T) {
	rec := &fakeRecorder{}
	f := newFixture(t, 1, Options{Recorder: rec})
	ctx := context.Background()

	_, _ = f.coord.SubmitReading(ctx, Submission{FacilityID: 1, MaxCapacity: 5, CurrentCount: 1, Token: testToken})
	_, _ = f.coord.SubmitReading(ctx, Submission{FacilityID: 1, MaxCapacity: 5, CurrentCount: 1, Token: "nope"})
	_, _ = f.coord.SubmitReading(ctx, Submission{FacilityID: 1, MaxCapacity: 5, CurrentCount: -1, Token: testToken})
	_, _ = f.coord.SubmitReading(ctx, Submission{FacilityID: 7, MaxCapacity: 5, CurrentCount: 1, Token: testToken})

	want := []string{OutcomeAcknowledged, OutcomeUnauthorized, OutcomeInvalidInput, OutcomeFacilityNotFound}
	if len(rec.outcomes) != len(want) {
		t.Fatalf("Expected %d outcomes, got %v", len(want), rec.outcomes)
	}
	for i := range want {
		if rec.outcomes[i] != want[i] {
			t.Errorf("outcome %d: expected %s, got %s", i, want[i], rec.outcomes[i])
		}
		if rec.success[i] != (i == 0) {
			t.Errorf("success flag %d: got %v", i, rec.success[i])
		}
	}
}
