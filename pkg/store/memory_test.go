package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(t *testing.T, fields map[string]interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return data
}

func seedMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	err := m.InsertMany(ctx, "projects", []Doc{
		{ID: "acme:rover", Data: doc(t, map[string]interface{}{"id": "acme:rover", "org": "acme", "archived": false})},
		{ID: "acme:lander", Data: doc(t, map[string]interface{}{"id": "acme:lander", "org": "acme", "archived": true})},
		{ID: "biotech:lab", Data: doc(t, map[string]interface{}{"id": "biotech:lab", "org": "biotech", "archived": false})},
	})
	require.NoError(t, err)
	return m
}

func TestMemoryFind(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	t.Run("all ordered by id", func(t *testing.T) {
		raw, err := m.Find(ctx, "projects", Filter{}, FindOptions{})
		require.NoError(t, err)
		require.Len(t, raw, 3)
		var first map[string]interface{}
		require.NoError(t, json.Unmarshal(raw[0], &first))
		assert.Equal(t, "acme:lander", first["id"])
	})

	t.Run("equality filter", func(t *testing.T) {
		raw, err := m.Find(ctx, "projects", Filter{"org": "acme"}, FindOptions{})
		require.NoError(t, err)
		assert.Len(t, raw, 2)
	})

	t.Run("bool filter", func(t *testing.T) {
		raw, err := m.Find(ctx, "projects", Filter{"archived": false}, FindOptions{})
		require.NoError(t, err)
		assert.Len(t, raw, 2)
	})

	t.Run("in filter", func(t *testing.T) {
		raw, err := m.Find(ctx, "projects", Filter{"id": In{"acme:rover", "biotech:lab"}}, FindOptions{})
		require.NoError(t, err)
		assert.Len(t, raw, 2)
	})

	t.Run("prefix filter", func(t *testing.T) {
		raw, err := m.Find(ctx, "projects", Filter{"id": Prefix("acme:")}, FindOptions{})
		require.NoError(t, err)
		assert.Len(t, raw, 2)
	})

	t.Run("limit and skip", func(t *testing.T) {
		raw, err := m.Find(ctx, "projects", Filter{}, FindOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, raw, 2)

		raw, err = m.Find(ctx, "projects", Filter{}, FindOptions{Limit: 2, Skip: 2})
		require.NoError(t, err)
		assert.Len(t, raw, 1)
	})

	t.Run("unknown collection is empty", func(t *testing.T) {
		raw, err := m.Find(ctx, "nowhere", Filter{}, FindOptions{})
		require.NoError(t, err)
		assert.Empty(t, raw)
	})
}

func TestMemoryFindOne(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	data, err := m.FindOne(ctx, "projects", Filter{"id": "acme:rover"})
	require.NoError(t, err)
	var d map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, "acme", d["org"])

	_, err = m.FindOne(ctx, "projects", Filter{"id": "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryInsertManyDuplicate(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	err := m.InsertMany(ctx, "projects", []Doc{
		{ID: "acme:new", Data: doc(t, map[string]interface{}{"id": "acme:new"})},
		{ID: "acme:rover", Data: doc(t, map[string]interface{}{"id": "acme:rover"})},
	})
	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))

	// All-or-none: the non-conflicting doc must not have been inserted.
	_, err = m.FindOne(ctx, "projects", Filter{"id": "acme:new"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryReplaceOne(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	err := m.ReplaceOne(ctx, "projects", "acme:rover",
		doc(t, map[string]interface{}{"id": "acme:rover", "org": "acme", "name": "Rover II"}))
	require.NoError(t, err)

	data, err := m.FindOne(ctx, "projects", Filter{"id": "acme:rover"})
	require.NoError(t, err)
	var d map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, "Rover II", d["name"])

	err = m.ReplaceOne(ctx, "projects", "missing", doc(t, map[string]interface{}{"id": "missing"}))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateMany(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	n, err := m.UpdateMany(ctx, "projects", Filter{"org": "acme"}, map[string]interface{}{"archived": true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	raw, err := m.Find(ctx, "projects", Filter{"archived": true}, FindOptions{})
	require.NoError(t, err)
	assert.Len(t, raw, 2)
}

func TestMemoryDeleteManyAndCount(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	count, err := m.Count(ctx, "projects", Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	n, err := m.DeleteMany(ctx, "projects", Filter{"id": Prefix("acme:")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err = m.Count(ctx, "projects", Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMemoryConcurrentAccess(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			id := fmt.Sprintf("org-%d", i)
			_ = m.InsertMany(ctx, "organizations", []Doc{
				{ID: id, Data: []byte(fmt.Sprintf(`{"id":%q}`, id))},
			})
			_, _ = m.Find(ctx, "organizations", Filter{}, FindOptions{})
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	count, err := m.Count(ctx, "organizations", Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(8), count)
}
