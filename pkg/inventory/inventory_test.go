package inventory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitchan/pkg/model"
	"bitchan/pkg/store"
)

var testNow = time.Unix(1700000000, 0)

func newInventory(t *testing.T) (*Inventory, store.Store) {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	mock := clock.NewMock()
	mock.Set(testNow)
	return New(s, mock, nil), s
}

func obj(payload string, stream uint32, ttl time.Duration) model.InventoryObject {
	return model.InventoryObject{
		Vector:      model.VectorOf([]byte(payload)),
		Payload:     []byte(payload),
		Stream:      stream,
		ObjectType:  2,
		ExpiresTime: testNow.Add(ttl).Unix(),
	}
}

func TestGetNewVectors_FiltersKnown(t *testing.T) {
	ctx := context.Background()
	inv, _ := newInventory(t)
	o1, o2 := obj("v1", 1, time.Hour), obj("v2", 1, time.Hour)
	for _, o := range []model.InventoryObject{o1, o2} {
		added, err := inv.Add(ctx, o)
		require.NoError(t, err)
		require.True(t, added)
	}
	v3 := model.VectorOf([]byte("v3"))

	fresh, err := inv.GetNewVectors(ctx, []model.Vector{o1.Vector, v3})
	require.NoError(t, err)
	assert.Equal(t, []model.Vector{v3}, fresh)

	again, err := inv.GetNewVectors(ctx, []model.Vector{o1.Vector, v3})
	require.NoError(t, err)
	assert.Equal(t, fresh, again)
}

func TestGetNewVectors_LargeBatch(t *testing.T) {
	ctx := context.Background()
	inv, _ := newInventory(t)
	vectors := make([]model.Vector, 0, 2500)
	for i := 0; i < 2500; i++ {
		vectors = append(vectors, model.VectorOf([]byte(fmt.Sprint(i))))
	}
	known := obj("1234", 1, time.Hour)
	_, err := inv.Add(ctx, known)
	require.NoError(t, err)

	fresh, err := inv.GetNewVectors(ctx, vectors)
	require.NoError(t, err)
	assert.Len(t, fresh, 2499)
	assert.NotContains(t, fresh, known.Vector)
}

func TestAdd_DuplicateIsNotAnError(t *testing.T) {
	ctx := context.Background()
	inv, s := newInventory(t)
	o := obj("hello", 1, time.Hour)

	added, err := inv.Add(ctx, o)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = inv.Add(ctx, o)
	require.NoError(t, err)
	assert.False(t, added)

	dups, err := s.Inventory().GetDups(ctx, []model.Vector{o.Vector})
	require.NoError(t, err)
	assert.Len(t, dups, 1)
}

func TestGetVectorsAndGet_ExcludeExpired(t *testing.T) {
	ctx := context.Background()
	inv, _ := newInventory(t)
	live, dead, other := obj("live", 1, time.Hour), obj("dead", 1, -time.Minute), obj("other", 2, time.Hour)
	for _, o := range []model.InventoryObject{live, dead, other} {
		_, err := inv.Add(ctx, o)
		require.NoError(t, err)
	}

	vectors, err := inv.GetVectors(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []model.Vector{live.Vector}, vectors)

	objs, err := inv.Get(ctx, []model.Vector{live.Vector, dead.Vector, other.Vector})
	require.NoError(t, err)
	assert.Len(t, objs, 2)
}

// Two connections advertise the same unseen vector at once and both go on to
// store the object: exactly one insertion wins.
func TestConcurrentAdvertisement_SingleRow(t *testing.T) {
	ctx := context.Background()
	inv, s := newInventory(t)
	o := obj("shared", 1, time.Hour)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		fails []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := inv.GetNewVectors(ctx, []model.Vector{o.Vector})
			if err == nil && len(fresh) == 0 {
				return
			}
			added, err := inv.Add(ctx, o)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails = append(fails, err)
			}
			if added {
				wins++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, fails)
	assert.Equal(t, 1, wins)
	dups, err := s.Inventory().GetDups(ctx, []model.Vector{o.Vector})
	require.NoError(t, err)
	assert.Len(t, dups, 1)
}
