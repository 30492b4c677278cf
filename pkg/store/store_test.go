package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitchan/pkg/model"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	out := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
	// MYSQL_TEST_DSN points at a scratch database; its tables are wiped.
	if dsn := os.Getenv("MYSQL_TEST_DSN"); dsn != "" {
		my, err := OpenMySQL(dsn)
		require.NoError(t, err)
		require.NoError(t, my.db.Exec("DELETE FROM known_nodes").Error)
		require.NoError(t, my.db.Exec("DELETE FROM inventory").Error)
		t.Cleanup(func() { _ = my.Close() })
		out["mysql"] = my
	}
	return out
}

func node(host string, port uint16, stream uint32, active int64) model.KnownNode {
	return model.KnownNode{Host: host, Port: port, Stream: stream, Services: model.ServiceNodeNetwork, LastActive: active}
}

func object(payload string, stream uint32, expires int64) model.InventoryObject {
	return model.InventoryObject{
		Vector:      model.VectorOf([]byte(payload)),
		Payload:     []byte(payload),
		Stream:      stream,
		ObjectType:  2,
		ExpiresTime: expires,
	}
}

func TestKnownNodes_AddReplacesOnConflict(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			nodes := s.KnownNodes()
			empty, err := nodes.IsEmpty(ctx)
			require.NoError(t, err)
			assert.True(t, empty)

			require.NoError(t, nodes.Add(ctx, []model.KnownNode{node("1.1.1.1", 8444, 1, 10), node("1.1.1.1", 8444, 2, 10)}))
			require.NoError(t, nodes.Add(ctx, []model.KnownNode{node("1.1.1.1", 8444, 1, 99)}))

			n, err := nodes.Count(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 2, n)

			dups, err := nodes.GetDups(ctx, []model.KnownNode{node("1.1.1.1", 8444, 1, 0), node("2.2.2.2", 8444, 1, 0)})
			require.NoError(t, err)
			require.Len(t, dups, 1)
			assert.EqualValues(t, 99, dups[0].LastActive)
		})
	}
}

func TestKnownNodes_UpdateAndGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			nodes := s.KnownNodes()
			require.NoError(t, nodes.Add(ctx, []model.KnownNode{node("a", 1, 1, 0), node("b", 1, 1, 500), node("c", 1, 2, 500)}))

			changed, err := nodes.Update(ctx, model.NodeKey{Host: "a", Port: 1, Stream: 1}, NodeUpdate{LastActive: 1000})
			require.NoError(t, err)
			assert.EqualValues(t, 1, changed)

			changed, err = nodes.Update(ctx, model.NodeKey{Host: "missing", Port: 1, Stream: 1}, NodeUpdate{LastActive: 1000})
			require.NoError(t, err)
			assert.EqualValues(t, 0, changed)

			got, err := nodes.Get(ctx, 1, 600, 10)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "a", got[0].Host)

			got, err = nodes.Get(ctx, 1, 0, 1)
			require.NoError(t, err)
			assert.Len(t, got, 1)
		})
	}
}

func TestKnownNodes_GetRandomExcludesHosts(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			nodes := s.KnownNodes()
			require.NoError(t, nodes.Add(ctx, []model.KnownNode{node("a", 1, 1, 0), node("b", 1, 1, 0), node("c", 1, 3, 0)}))

			for i := 0; i < 20; i++ {
				got, err := nodes.GetRandom(ctx, 1, []string{"a"})
				require.NoError(t, err)
				assert.Equal(t, "b", got.Host)
			}

			_, err := nodes.GetRandom(ctx, 1, []string{"a", "b"})
			assert.True(t, errors.Is(err, ErrNotFound))
			_, err = nodes.GetRandom(ctx, 7, nil)
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestInventory_AddDuplicate(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			inv := s.Inventory()
			obj := object("hello", 1, 2000)
			require.NoError(t, inv.Add(ctx, obj))
			assert.True(t, errors.Is(inv.Add(ctx, obj), ErrDuplicate))

			vectors, err := inv.GetVectors(ctx, 1, 1000)
			require.NoError(t, err)
			assert.Equal(t, []model.Vector{obj.Vector}, vectors)

			vectors, err = inv.GetVectors(ctx, 1, 2000)
			require.NoError(t, err)
			assert.Empty(t, vectors, "expired objects must be excluded")
		})
	}
}

func TestInventory_GetDupsAndGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			inv := s.Inventory()
			o1, o2 := object("one", 1, 2000), object("two", 1, 500)
			require.NoError(t, inv.Add(ctx, o1))
			require.NoError(t, inv.Add(ctx, o2))
			unknown := model.VectorOf([]byte("three"))

			dups, err := inv.GetDups(ctx, []model.Vector{o1.Vector, unknown, o2.Vector})
			require.NoError(t, err)
			assert.ElementsMatch(t, []model.Vector{o1.Vector, o2.Vector}, dups)

			objs, err := inv.Get(ctx, []model.Vector{o1.Vector, o2.Vector, unknown}, 1000)
			require.NoError(t, err)
			require.Len(t, objs, 1)
			assert.Equal(t, o1.Vector, objs[0].Vector)
			assert.Equal(t, o1.Payload, objs[0].Payload)
			assert.EqualValues(t, 2, objs[0].ObjectType)
		})
	}
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Transaction(ctx, func(tx Tx) error {
				require.NoError(t, tx.KnownNodes().Add(ctx, []model.KnownNode{node("a", 1, 1, 0)}))
				require.NoError(t, tx.Inventory().Add(ctx, object("x", 1, 10)))
				return boom
			})
			assert.ErrorIs(t, err, boom)

			empty, err := s.KnownNodes().IsEmpty(ctx)
			require.NoError(t, err)
			assert.True(t, empty)
			dups, err := s.Inventory().GetDups(ctx, []model.Vector{model.VectorOf([]byte("x"))})
			require.NoError(t, err)
			assert.Empty(t, dups)

			require.NoError(t, s.Transaction(ctx, func(tx Tx) error {
				return tx.KnownNodes().Add(ctx, []model.KnownNode{node("a", 1, 1, 0)})
			}))
			n, err := s.KnownNodes().Count(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "pg"})
	assert.Error(t, err)
}

func TestTransaction_SerializesCountThenInsert(t *testing.T) {
	const limit, writers = 5, 20
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			errs := make(chan error, writers)
			for i := range writers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- s.Transaction(ctx, func(tx Tx) error {
						n, err := tx.KnownNodes().Count(ctx)
						if err != nil || n >= limit {
							return err
						}
						return tx.KnownNodes().Add(ctx, []model.KnownNode{node(fmt.Sprintf("10.0.1.%d", i), 8444, 1, 1)})
					})
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}
			n, err := s.KnownNodes().Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(limit), n)
		})
	}
}
