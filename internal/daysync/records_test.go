package daysync_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daysync/internal/backend"
	"daysync/internal/daysync"
	"daysync/internal/testutil"
)

func newTestRecords(t *testing.T, be daysync.Backend) *daysync.Records {
	t.Helper()
	return daysync.NewRecords(testutil.NewTestStore(t, be, nil, testutil.FixedClock(), daysync.StoreOptions{Tenant: testTenant}))
}

// permutations returns every ordering of recs.
func permutations(recs []daysync.DayRecord) [][]daysync.DayRecord {
	if len(recs) <= 1 {
		return [][]daysync.DayRecord{recs}
	}
	var out [][]daysync.DayRecord
	for i := range recs {
		rest := make([]daysync.DayRecord, 0, len(recs)-1)
		rest = append(rest, recs[:i]...)
		rest = append(rest, recs[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]daysync.DayRecord{recs[i]}, p...))
		}
	}
	return out
}

func TestRecords_PutKeepsMaximumInAnyOrder(t *testing.T) {
	const date = "2024-03-01"
	writes := []daysync.DayRecord{
		record(date, 100, "tab-a", daysync.Payload{"mood": 1}),
		record(date, 100, "tab-b", daysync.Payload{"mood": 2}),
		record(date, 90, "tab-z", daysync.Payload{"mood": 3}),
		record(date, 50, "tab-c", daysync.Payload{"mood": 4}),
	}

	for i, order := range permutations(writes) {
		t.Run(fmt.Sprintf("order %d", i), func(t *testing.T) {
			records := newTestRecords(t, nil)
			for _, rec := range order {
				_, err := records.Put(rec)
				require.NoError(t, err)
			}

			got, found, err := records.Reload(date)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, int64(100), got.UpdatedAt)
			assert.Equal(t, "tab-b", got.SourceID)
			assert.Equal(t, "2", fmt.Sprint(got.Payload["mood"]))
		})
	}
}

func TestRecords_StaleWriteRejected(t *testing.T) {
	records := newTestRecords(t, nil)

	outcome, err := records.Put(record("2024-03-01", 200, "tab-a", daysync.Payload{"steps": 9000}))
	require.NoError(t, err)
	assert.Equal(t, daysync.WriteApplied, outcome)

	outcome, err = records.Put(record("2024-03-01", 199, "tab-b", daysync.Payload{"steps": 1}))
	require.NoError(t, err)
	assert.Equal(t, daysync.WriteDiscarded, outcome)

	got, _, err := records.Reload("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.UpdatedAt)
	assert.Equal(t, "9000", fmt.Sprint(got.Payload["steps"]))
}

func TestRecords_RewriteOwnRecord(t *testing.T) {
	records := newTestRecords(t, nil)
	rec := record("2024-03-01", 200, "tab-a", daysync.Payload{"steps": 1})

	_, err := records.Put(rec)
	require.NoError(t, err)
	outcome, err := records.Put(rec)
	require.NoError(t, err)
	assert.Equal(t, daysync.WriteApplied, outcome)
}

func TestRecords_SeesWritesOfOtherStores(t *testing.T) {
	shared := backend.NewMemoryBackend("shared", 0)
	tabA := newTestRecords(t, shared)
	tabB := newTestRecords(t, shared)

	_, err := tabA.Put(record("2024-03-01", 100, "tab-a", daysync.Payload{"mood": 1}))
	require.NoError(t, err)

	// tabB's cache has never seen the record; the check must read through.
	_, _, err = tabB.Load("2024-03-01")
	require.NoError(t, err)
	_, err = tabA.Put(record("2024-03-01", 300, "tab-a", daysync.Payload{"mood": 3}))
	require.NoError(t, err)

	outcome, err := tabB.Put(record("2024-03-01", 200, "tab-b", daysync.Payload{"mood": 2}))
	require.NoError(t, err)
	assert.Equal(t, daysync.WriteDiscarded, outcome)
}

func TestRecords_FailedWriteDoesNotHideNewerDurableRecord(t *testing.T) {
	const date = "2024-03-01"
	shared := backend.NewMemoryBackend("shared", 0)
	flaky := testutil.NewFlakyBackend(shared)
	tabA := newTestRecords(t, flaky)
	tabB := newTestRecords(t, shared)

	// tabA's write stays in its cache only.
	flaky.FailPuts(testutil.ErrInjected)
	_, err := tabA.Put(record(date, 50, "tab-a", daysync.Payload{"mood": 1}))
	require.ErrorIs(t, err, daysync.ErrDurability)
	flaky.FailPuts(nil)

	outcome, err := tabB.Put(record(date, 100, "tab-b", daysync.Payload{"mood": 2}))
	require.NoError(t, err)
	require.Equal(t, daysync.WriteApplied, outcome)

	outcome, err = tabA.Put(record(date, 60, "tab-a", daysync.Payload{"mood": 3}))
	require.NoError(t, err)
	assert.Equal(t, daysync.WriteDiscarded, outcome)

	got, found, err := tabB.Reload(date)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(100), got.UpdatedAt)
	assert.Equal(t, "tab-b", got.SourceID)

	// tabA now serves the winning record instead of its unsaved one.
	got, _, err = tabA.Reload(date)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.UpdatedAt)
	assert.Equal(t, "2", fmt.Sprint(got.Payload["mood"]))
}

func TestRecords_DefaultsSchemaAndDate(t *testing.T) {
	be := backend.NewMemoryBackend("test", 0)
	records := newTestRecords(t, be)

	_, err := records.Put(daysync.DayRecord{Date: "2024-03-01", UpdatedAt: 1, Payload: daysync.Payload{}})
	require.NoError(t, err)

	got, found, err := records.Reload("2024-03-01")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, daysync.DefaultSchemaVersion, got.SchemaVersion)

	// A stored record without a date field still loads with its key's date.
	require.NoError(t, records.Store().Set("dayv2_2024-03-02", map[string]any{"updatedAt": 5}))
	got, found, err = records.Reload("2024-03-02")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2024-03-02", got.Date)

	_, found, err = records.Load("2024-03-03")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestRecords_UnreadableRecordIsOverwritten(t *testing.T) {
	be := backend.NewMemoryBackend("test", 0)
	require.NoError(t, be.Put("acme_dayv2_2024-03-01", []byte("garbage")))
	records := newTestRecords(t, be)

	outcome, err := records.Put(record("2024-03-01", 1, "tab-a", daysync.Payload{"mood": 1}))
	require.NoError(t, err)
	assert.Equal(t, daysync.WriteApplied, outcome)
}
