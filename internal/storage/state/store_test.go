package state

// ============================================================================
// State Store 測試檔案
// 職責：驗證原子寫入、讀取、刪除與錯誤處理
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores 兩種實作跑同一組行為測試
func stores(t *testing.T) map[string]Store {
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	return map[string]Store{
		"file":   fs,
		"memory": NewMemoryStore(),
	}
}

// TestPutGetDelete 測試基本讀寫
func TestPutGetDelete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get("fognode_nodes")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Put("fognode_nodes", []byte(`[{"id":"a"}]`)))
			got, err := store.Get("fognode_nodes")
			require.NoError(t, err)
			assert.Equal(t, `[{"id":"a"}]`, string(got))

			// 覆寫
			require.NoError(t, store.Put("fognode_nodes", []byte(`[]`)))
			got, err = store.Get("fognode_nodes")
			require.NoError(t, err)
			assert.Equal(t, `[]`, string(got))

			require.NoError(t, store.Delete("fognode_nodes"))
			_, err = store.Get("fognode_nodes")
			assert.ErrorIs(t, err, ErrNotFound)

			// 刪除不存在的 key 不是錯誤
			assert.NoError(t, store.Delete("fognode_nodes"))
		})
	}
}

// TestFileStore_Atomic 測試寫入後不留下臨時檔案
func TestFileStore_Atomic(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put("fognode_selected_node", []byte("http://a:8000")))

	_, err = os.Stat(filepath.Join(dir, "fognode_selected_node.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	data, err := os.ReadFile(filepath.Join(dir, "fognode_selected_node"))
	require.NoError(t, err)
	assert.Equal(t, "http://a:8000", string(data))
}

// TestFileStore_Reopen 測試重新開啟後資料仍在
func TestFileStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put("k", []byte("v")))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := reopened.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
	assert.Equal(t, dir, reopened.Dir())
}

// TestFileStore_InvalidKey 測試非法 key
func TestFileStore_InvalidKey(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", ".", "..", "../escape", `a\b`} {
		assert.ErrorIs(t, store.Put(key, []byte("x")), ErrInvalidKey, key)
		_, err := store.Get(key)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

// TestMemoryStore_Copies 測試回傳值不與內部共用
func TestMemoryStore_Copies(t *testing.T) {
	store := NewMemoryStore()
	value := []byte("abc")
	require.NoError(t, store.Put("k", value))
	value[0] = 'X'

	got, err := store.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	got[0] = 'Y'
	again, _ := store.Get("k")
	assert.Equal(t, "abc", string(again))
}

// TestConcurrentPut 測試並發寫入
func TestConcurrentPut(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, store.Put("k", []byte("value")))
				}()
			}
			wg.Wait()

			got, err := store.Get("k")
			require.NoError(t, err)
			assert.Equal(t, "value", string(got))
		})
	}
}
