package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeContentHash(t *testing.T) {
	base := Record{
		Key:     "k",
		Value:   []byte("v"),
		Version: 1,
		Origin:  "node-a",
	}

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, ComputeContentHash(base), ComputeContentHash(base))
	})

	t.Run("sensitive to every hashed field", func(t *testing.T) {
		h := ComputeContentHash(base)

		changed := base
		changed.Value = []byte("w")
		assert.NotEqual(t, h, ComputeContentHash(changed))

		changed = base
		changed.Version = 2
		assert.NotEqual(t, h, ComputeContentHash(changed))

		changed = base
		changed.Origin = "node-b"
		assert.NotEqual(t, h, ComputeContentHash(changed))
	})
}

func TestSupersedes(t *testing.T) {
	at := func(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

	t.Run("priority class beats version", func(t *testing.T) {
		authority := Record{Key: "k", Version: 3, Priority: ClassAuthority, CreatedAt: at(1)}.Sealed()
		edge := Record{Key: "k", Version: 5, Priority: ClassEdgeInferred, CreatedAt: at(2)}.Sealed()

		assert.True(t, authority.Supersedes(edge))
		assert.False(t, edge.Supersedes(authority))
	})

	t.Run("equal class higher version wins", func(t *testing.T) {
		v5 := Record{Key: "k", Version: 5, Priority: ClassEdgeInferred, CreatedAt: at(1)}.Sealed()
		v3 := Record{Key: "k", Version: 3, Priority: ClassEdgeInferred, CreatedAt: at(9)}.Sealed()

		assert.True(t, v5.Supersedes(v3))
		assert.False(t, v3.Supersedes(v5))
	})

	t.Run("equal class and version later created_at wins", func(t *testing.T) {
		older := Record{Key: "k", Version: 1, Priority: ClassAuthority, CreatedAt: at(1)}.Sealed()
		newer := Record{Key: "k", Version: 1, Priority: ClassAuthority, CreatedAt: at(2)}.Sealed()

		assert.True(t, newer.Supersedes(older))
		assert.False(t, older.Supersedes(newer))
	})

	t.Run("full tie falls back to lower content hash", func(t *testing.T) {
		a := Record{Key: "k", Value: []byte("a"), Version: 1, Priority: ClassEdgeInferred, CreatedAt: at(1)}.Sealed()
		b := Record{Key: "k", Value: []byte("b"), Version: 1, Priority: ClassEdgeInferred, CreatedAt: at(1)}.Sealed()

		// Exactly one of the pair supersedes the other.
		assert.NotEqual(t, a.Supersedes(b), b.Supersedes(a))

		winner := a
		if b.ContentHash < a.ContentHash {
			winner = b
		}
		assert.True(t, winner.Supersedes(a) || winner.Supersedes(b))
	})

	t.Run("identical records supersede nothing", func(t *testing.T) {
		r := Record{Key: "k", Version: 1, Priority: ClassAuthority, CreatedAt: at(1)}.Sealed()
		assert.False(t, r.Supersedes(r))
	})
}

func TestRecordExpiry(t *testing.T) {
	now := time.Now()

	permanent := Record{Key: "k"}
	assert.False(t, permanent.Expired(now))

	expiring := Record{Key: "k", ExpiresAt: now.Add(-time.Second)}
	assert.True(t, expiring.Expired(now))
	assert.False(t, expiring.Expired(now.Add(-2*time.Second)))
}

func TestPriorityClassJSON(t *testing.T) {
	body, err := json.Marshal(ClassAuthority)
	require.NoError(t, err)
	assert.Equal(t, `"authority"`, string(body))

	var p PriorityClass
	require.NoError(t, json.Unmarshal([]byte(`"edge-inferred"`), &p))
	assert.Equal(t, ClassEdgeInferred, p)

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &p))
}
